package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caredial/caredial/internal/bridge"
	"github.com/caredial/caredial/internal/config"
	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/pkg/provider/speech"
	"github.com/caredial/caredial/pkg/telephony/acs"
)

// Dialer places and ends telephony legs. *acs.Client satisfies it.
type Dialer interface {
	CreateCall(ctx context.Context, req acs.CallRequest) (string, error)
	HangUp(ctx context.Context, callConnectionID string) error
}

// Ledger records call lifecycles. *callstore.Store satisfies it; a nil Ledger
// disables persistence.
type Ledger interface {
	BeginCall(ctx context.Context, callID, targetNumber, callConnectionID string) error
	MarkActive(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID, reason string, stats bridge.Stats) error
}

// ErrCallNotFound is returned for an unknown call ID or media token.
var ErrCallNotFound = errors.New("app: call not found")

// ManagedCall tracks one outbound call from placement to teardown. The
// telephony leg and the media websocket arrive independently, so the bridge
// session is attached lazily when the websocket shows up.
type ManagedCall struct {
	ID           string
	Token        string
	Target       string
	ConnectionID string
	Instructions string
	StartedAt    time.Time

	mu        sync.Mutex
	session   *bridge.Session
	connected bool // CallConnected seen (possibly before media attach)
}

// CallStatus is the /status view of one call.
type CallStatus struct {
	CallID        string       `json:"call_id"`
	Target        string       `json:"target"`
	ConnectionID  string       `json:"call_connection_id,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	MediaAttached bool         `json:"media_attached"`
	Bridge        bridge.Stats `json:"bridge,omitzero"`
}

// CallManager owns every in-flight call. It places the telephony leg, hands
// out media tokens, attaches bridge sessions when the media websocket
// arrives, and routes provider callback events to the right session.
// All exported methods are safe for concurrent use.
type CallManager struct {
	cfg      *config.Config
	registry *config.Registry
	dialer   Dialer
	ledger   Ledger
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reapWG sync.WaitGroup

	// mu also guards cfg, which ApplyTuning may swap at runtime.
	mu      sync.Mutex
	byToken map[string]*ManagedCall
	byID    map[string]*ManagedCall
	byConn  map[string]*ManagedCall
}

// NewCallManager creates a CallManager. dialer may be nil when no telephony
// provider is configured; StartCall then fails but media attach and callbacks
// still work (useful for local testing against a soft client).
func NewCallManager(cfg *config.Config, registry *config.Registry, dialer Dialer, ledger Ledger, metrics *observe.Metrics) *CallManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallManager{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer,
		ledger:   ledger,
		metrics:  metrics,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		byToken:  make(map[string]*ManagedCall),
		byID:     make(map[string]*ManagedCall),
		byConn:   make(map[string]*ManagedCall),
	}
}

// StartCall places an outbound call to target. instructions overrides the
// configured system prompt for this call when non-empty.
func (m *CallManager) StartCall(ctx context.Context, target, instructions string) (*ManagedCall, error) {
	if target == "" {
		return nil, fmt.Errorf("app: target number is required")
	}
	if m.dialer == nil {
		return nil, fmt.Errorf("app: telephony is not configured")
	}

	mc := &ManagedCall{
		ID:           uuid.NewString(),
		Token:        uuid.NewString(),
		Target:       target,
		Instructions: instructions,
		StartedAt:    time.Now().UTC(),
	}
	cfg := m.config()
	if mc.Instructions == "" {
		mc.Instructions = cfg.Engine.Instructions
	}

	base := strings.TrimSuffix(cfg.Server.PublicBaseURL, "/")
	req := acs.CallRequest{
		TargetNumber:      target,
		SourceNumber:      cfg.Telephony.SourceNumber,
		CallbackURL:       base + "/api/callbacks",
		MediaTransportURL: websocketBase(base) + "/ws/media/" + mc.Token,
		OperationContext:  mc.ID,
	}

	connID, err := m.dialer.CreateCall(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("app: place call: %w", err)
	}
	mc.ConnectionID = connID

	m.mu.Lock()
	m.byToken[mc.Token] = mc
	m.byID[mc.ID] = mc
	m.byConn[connID] = mc
	m.mu.Unlock()

	if m.ledger != nil {
		if err := m.ledger.BeginCall(ctx, mc.ID, target, connID); err != nil {
			m.log.Warn("call ledger insert failed", "call_id", mc.ID, "err", err)
		}
	}

	m.log.Info("call placed",
		"call_id", mc.ID,
		"target", target,
		"call_connection_id", connID,
	)
	return mc, nil
}

// Attach connects the media websocket identified by token to a new bridge
// session: it dials the speech engine, builds the session around sink, and
// starts it. A second attach for the same token fails.
func (m *CallManager) Attach(ctx context.Context, token string, sink bridge.MediaSink) (*bridge.Session, error) {
	m.mu.Lock()
	mc, ok := m.byToken[token]
	m.mu.Unlock()
	if !ok {
		return nil, ErrCallNotFound
	}

	engine, err := m.connectEngine(ctx, mc.Instructions)
	if err != nil {
		return nil, fmt.Errorf("app: connect engine: %w", err)
	}

	sess, err := bridge.NewSession(m.sessionConfig(mc.ID), engine, sink, m.metrics)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("app: create session: %w", err)
	}

	mc.mu.Lock()
	if mc.session != nil {
		mc.mu.Unlock()
		sess.Terminate("duplicate media attach")
		return nil, fmt.Errorf("app: media already attached for call %s", mc.ID)
	}
	mc.session = sess
	connected := mc.connected
	mc.mu.Unlock()

	sess.Start(m.ctx)
	if connected {
		sess.Activate()
	}
	m.reapWG.Add(1)
	go m.reap(mc, sess)

	m.log.Info("media attached", "call_id", mc.ID)
	return sess, nil
}

// HandleEvent routes one telephony callback event to its call.
func (m *CallManager) HandleEvent(ctx context.Context, ev acs.Event) {
	mc := m.lookupEvent(ev)
	if mc == nil {
		m.log.Debug("callback for unknown call",
			"type", ev.Type, "call_connection_id", ev.CallConnectionID)
		return
	}

	switch {
	case ev.Is("CallConnected"):
		mc.mu.Lock()
		mc.connected = true
		sess := mc.session
		mc.mu.Unlock()
		if sess != nil {
			sess.Activate()
		}
		if m.ledger != nil {
			if err := m.ledger.MarkActive(ctx, mc.ID); err != nil {
				m.log.Warn("call ledger activate failed", "call_id", mc.ID, "err", err)
			}
		}
		m.log.Info("call connected", "call_id", mc.ID)

	case ev.Is("CallDisconnected"):
		m.log.Info("call disconnected", "call_id", mc.ID, "result", ev.ResultMessage)
		m.endCall(mc, "call disconnected")

	case ev.Is("CreateCallFailed"), ev.Is("MediaStreamingFailed"):
		m.log.Warn("call failed", "call_id", mc.ID, "type", ev.Type, "result", ev.ResultMessage)
		m.endCall(mc, "telephony failure: "+ev.Type)

	default:
		m.log.Debug("unhandled callback event", "call_id", mc.ID, "type", ev.Type)
	}
}

// HangUp ends the call with callID: the telephony leg is terminated and the
// bridge session drained.
func (m *CallManager) HangUp(ctx context.Context, callID string) error {
	m.mu.Lock()
	mc, ok := m.byID[callID]
	m.mu.Unlock()
	if !ok {
		return ErrCallNotFound
	}

	if m.dialer != nil && mc.ConnectionID != "" {
		if err := m.dialer.HangUp(ctx, mc.ConnectionID); err != nil {
			m.log.Warn("hangup request failed", "call_id", mc.ID, "err", err)
		}
	}
	m.endCall(mc, "hangup requested")
	return nil
}

// Lookup returns the tracked call with callID.
func (m *CallManager) Lookup(callID string) (*ManagedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.byID[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return mc, nil
}

// Snapshot returns the current status of every tracked call.
func (m *CallManager) Snapshot() []CallStatus {
	m.mu.Lock()
	calls := make([]*ManagedCall, 0, len(m.byID))
	for _, mc := range m.byID {
		calls = append(calls, mc)
	}
	m.mu.Unlock()

	out := make([]CallStatus, 0, len(calls))
	for _, mc := range calls {
		st := CallStatus{
			CallID:       mc.ID,
			Target:       mc.Target,
			ConnectionID: mc.ConnectionID,
			StartedAt:    mc.StartedAt,
		}
		mc.mu.Lock()
		if mc.session != nil {
			st.MediaAttached = true
			st.Bridge = mc.session.Snapshot()
		}
		mc.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// ActiveCalls reports how many calls are currently tracked.
func (m *CallManager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Close drains every tracked call and waits for the sessions to terminate.
func (m *CallManager) Close() {
	m.mu.Lock()
	calls := make([]*ManagedCall, 0, len(m.byID))
	for _, mc := range m.byID {
		calls = append(calls, mc)
	}
	m.mu.Unlock()

	for _, mc := range calls {
		mc.mu.Lock()
		sess := mc.session
		mc.mu.Unlock()
		if sess == nil {
			m.remove(mc)
			continue
		}
		sess.Drain("server shutdown")
	}

	// Reapers persist final counters; wait for them, not just the sessions.
	m.reapWG.Wait()
	m.cancel()
}

// ApplyTuning swaps the configuration used by calls started after this point.
// In-flight sessions keep the settings they were created with.
func (m *CallManager) ApplyTuning(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// ── internals ─────────────────────────────────────────────────────────────────

// config returns the current configuration snapshot.
func (m *CallManager) config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *CallManager) connectEngine(ctx context.Context, instructions string) (speech.SessionHandle, error) {
	cfg := m.config()
	provider, err := m.registry.CreateEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}
	return provider.Connect(ctx, speech.SessionConfig{
		Voice:            cfg.Engine.Voice,
		Instructions:     instructions,
		InputSampleRate:  16000,
		OutputSampleRate: 16000,
	})
}

func (m *CallManager) sessionConfig(callID string) bridge.SessionConfig {
	cfg := m.config()
	return bridge.SessionConfig{
		CallID:        callID,
		FrameBytes:    cfg.Media.FrameBytes,
		FrameDuration: time.Duration(cfg.Media.FrameDuration),
		VAD: bridge.VADConfig{
			MinBufferDuration:        time.Duration(cfg.VAD.MinBufferDuration),
			SafetyMargin:             time.Duration(cfg.VAD.SafetyMargin),
			MaxBufferDuration:        time.Duration(cfg.VAD.MaxBufferDuration),
			SilenceCommitDuration:    time.Duration(cfg.VAD.SilenceCommitDuration),
			BaseOffset:               cfg.VAD.BaseOffset,
			MinSpeechFrames:          cfg.VAD.MinSpeechFrames,
			BootstrapWindow:          time.Duration(cfg.VAD.BootstrapWindow),
			BootstrapOffset:          cfg.VAD.BootstrapOffset,
			BootstrapMinSpeechFrames: cfg.VAD.BootstrapMinSpeechFrames,
			DecayStep:                cfg.VAD.DecayStep,
			DecayInterval:            time.Duration(cfg.VAD.DecayInterval),
			DecayFloor:               cfg.VAD.DecayFloor,
			AllowShortCommit:         cfg.VAD.AllowShortCommit,
		},
		BargeIn: bridge.BargeInConfig{
			Offset:    cfg.BargeIn.Offset,
			MinFrames: cfg.BargeIn.MinFrames,
		},
		QueueCapacity:    cfg.Media.QueueCapacity,
		PaceSilence:      cfg.Media.PaceSilence,
		DrainFlush:       cfg.Media.DrainFlush,
		AbsoluteTimeout:  time.Duration(cfg.Call.AbsoluteTimeout),
		IdleTimeout:      time.Duration(cfg.Call.IdleTimeout),
		DrainGrace:       time.Duration(cfg.Call.DrainGrace),
		CommitRetries:    cfg.Call.CommitRetries,
		CommitErrorLimit: cfg.Call.CommitErrorLimit,
	}
}

// lookupEvent resolves an event to its call via the connection ID, falling
// back to the operation context (which carries the call ID on creation
// events, before the connection ID is known to us).
func (m *CallManager) lookupEvent(ev acs.Event) *ManagedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.byConn[ev.CallConnectionID]; ok && ev.CallConnectionID != "" {
		return mc
	}
	if mc, ok := m.byID[ev.OperationContext]; ok && ev.OperationContext != "" {
		return mc
	}
	return nil
}

// endCall drains the attached session, or removes the call immediately when
// media never attached. Final ledger writes happen in reap for attached
// sessions.
func (m *CallManager) endCall(mc *ManagedCall, reason string) {
	mc.mu.Lock()
	sess := mc.session
	mc.mu.Unlock()

	if sess != nil {
		sess.Drain(reason)
		return
	}

	if m.ledger != nil {
		if err := m.ledger.EndCall(context.Background(), mc.ID, reason, bridge.Stats{}); err != nil {
			m.log.Warn("call ledger end failed", "call_id", mc.ID, "err", err)
		}
	}
	m.remove(mc)
}

// reap waits for a session to terminate, persists its final counters, and
// forgets the call.
func (m *CallManager) reap(mc *ManagedCall, sess *bridge.Session) {
	defer m.reapWG.Done()

	if err := sess.Wait(); err != nil {
		m.log.Warn("session ended with error", "call_id", mc.ID, "err", err)
	}

	reason := sess.EndReason()
	if m.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.ledger.EndCall(ctx, mc.ID, reason, sess.Snapshot()); err != nil {
			m.log.Warn("call ledger end failed", "call_id", mc.ID, "err", err)
		}
		cancel()
	}

	m.remove(mc)
	m.log.Info("call ended", "call_id", mc.ID, "reason", reason)
}

func (m *CallManager) remove(mc *ManagedCall) {
	m.mu.Lock()
	delete(m.byToken, mc.Token)
	delete(m.byID, mc.ID)
	if mc.ConnectionID != "" {
		delete(m.byConn, mc.ConnectionID)
	}
	m.mu.Unlock()
}

// websocketBase converts an http(s) base URL to its ws(s) form.
func websocketBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
