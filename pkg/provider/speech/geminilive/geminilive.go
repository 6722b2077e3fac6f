// Package geminilive implements the speech.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Automatic activity detection is disabled in the setup message:
// the caller decides when a turn ends. Appended audio is buffered locally and
// sent as one activityStart/mediaChunks/activityEnd burst on Commit, which is
// what triggers the model response.
package geminilive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/caredial/caredial/pkg/provider/speech"
)

// Compile-time assertions that Provider and session satisfy the speech
// interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// mediaChunkBytes caps a single mediaChunk so a long phrase does not turn
	// into one oversized frame.
	mediaChunkBytes = 16 * 1024
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements speech.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session with the given configuration.
// Readiness (the setupComplete message) is reported asynchronously as an
// EventReady on the session's Events channel.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("geminilive: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		sampleRate: cfg.InputSampleRate,
		audioCh:    make(chan []byte, 64),
		events:     make(chan speech.Event, 16),
		done:       make(chan struct{}),
		ctx:        sessCtx,
		cancel:     sessCancel,
	}
	if sess.sampleRate == 0 {
		sess.sampleRate = 16000
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("geminilive: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model               string              `json:"model"`
	GenerationConfig    generationConfig    `json:"generationConfig"`
	SystemInstruction   *systemInstruction  `json:"systemInstruction,omitempty"`
	RealtimeInputConfig realtimeInputConfig `json:"realtimeInputConfig"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks   []mediaChunk     `json:"mediaChunks,omitempty"`
	ActivityStart *json.RawMessage `json:"activityStart,omitempty"`
	ActivityEnd   *json.RawMessage `json:"activityEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// emptyObject is the payload of activityStart/activityEnd markers.
var emptyObject = json.RawMessage("{}")

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn       *websocket.Conn
	sampleRate int
	audioCh    chan []byte
	events     chan speech.Event

	mu      sync.Mutex
	pending []byte // audio appended since the last commit
	errVal  error
	done    chan struct{}
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg speech.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			RealtimeInputConfig: realtimeInputConfig{
				AutomaticActivityDetection: automaticActivityDetection{Disabled: true},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("geminilive: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns audioCh and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(speech.Event{Type: speech.EventClosed, Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.emit(speech.Event{Type: speech.EventReady})
	}
	if msg.Error != nil {
		errMsg := "unknown error"
		if msg.Error.Message != "" {
			errMsg = msg.Error.Message
		}
		s.emit(speech.Event{Type: speech.EventError, Err: fmt.Errorf("geminilive: %s", errMsg)})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn == nil {
		return
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil {
			continue
		}
		audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil || len(audioData) == 0 {
			continue
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) emit(ev speech.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// AppendAudio buffers a raw PCM chunk locally. Nothing is transmitted until
// Commit, so a cleared turn never reaches the model.
func (s *session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("geminilive: session closed")
	}
	s.pending = append(s.pending, pcm...)
	return nil
}

// Commit sends the buffered audio as a single activity burst, which triggers
// a model response. Committing with no buffered audio is a no-op.
func (s *session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("geminilive: session closed")
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityStart: &emptyObject},
	}); err != nil {
		return err
	}

	mimeType := fmt.Sprintf("audio/pcm;rate=%d", s.sampleRate)
	for off := 0; off < len(pending); off += mediaChunkBytes {
		end := min(off+mediaChunkBytes, len(pending))
		msg := realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []mediaChunk{
					{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(pending[off:end])},
				},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}

	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &emptyObject},
	})
}

// ClearInput discards audio buffered since the last commit. The audio never
// left the client, so no protocol message is needed.
func (s *session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("geminilive: session closed")
	}
	s.pending = nil
	return nil
}

// Interrupt is a no-op: Gemini Live cancels an in-flight generation when the
// next activityStart arrives, so the following Commit performs the cut.
func (s *session) Interrupt() error {
	return nil
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events returns the session lifecycle event channel.
func (s *session) Events() <-chan speech.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
