package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/pkg/provider/speech"
)

// ErrSessionClosed is returned by HandleInbound after the session has
// terminated or started draining.
var ErrSessionClosed = errors.New("bridge: session closed")

// State is the lifecycle state of a Session. Transitions move strictly
// forward: Connecting → Active → Draining → Terminated.
type State int32

const (
	// StateConnecting means the media transport is not yet confirmed. Frames
	// are buffered but no commits occur.
	StateConnecting State = iota

	// StateActive is full bridge operation.
	StateActive

	// StateDraining means termination has been requested: no new commits
	// start, the outbound queue is flushed or dropped per configuration, and
	// a pending commit gets a short grace deadline.
	StateDraining

	// StateTerminated is terminal: timers cancelled, buffers released.
	StateTerminated
)

// String returns the state label used in logs and the status surface.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MediaSink delivers one paced outbound frame to the phone line. WriteFrame
// must respect ctx and return promptly; a returned error is treated as loss
// of the media transport and drains the session.
type MediaSink interface {
	WriteFrame(ctx context.Context, pcm []byte) error
}

// SessionConfig holds every knob a Session resolves once at creation.
type SessionConfig struct {
	// CallID identifies the call this session bridges.
	CallID string

	// FrameBytes and FrameDuration define the media format.
	FrameBytes    int
	FrameDuration time.Duration

	// VAD configures the commit controller; its FrameDuration is overwritten
	// with the session's.
	VAD VADConfig

	// BargeIn configures the interruption detector.
	BargeIn BargeInConfig

	// QueueCapacity bounds the outbound queue in frames.
	QueueCapacity int

	// PaceSilence emits zeroed frames on empty pacer ticks instead of
	// skipping them.
	PaceSilence bool

	// DrainFlush lets queued agent audio play out (up to DrainGrace) during
	// draining instead of being dropped immediately.
	DrainFlush bool

	// AbsoluteTimeout bounds the whole call; it always fires eventually.
	AbsoluteTimeout time.Duration

	// IdleTimeout drains the session when no traffic moves in either
	// direction for this long.
	IdleTimeout time.Duration

	// DrainGrace bounds how long draining waits for an in-flight commit and
	// for queue flush before terminating.
	DrainGrace time.Duration

	// CommitRetries is the number of retries after a failed commit attempt.
	CommitRetries int

	// CommitErrorLimit is the number of consecutive exhausted commit attempts
	// after which the session terminates.
	CommitErrorLimit int
}

// withDefaults fills zero fields with the standard telephony tuning.
func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.FrameBytes == 0 {
		cfg.FrameBytes = DefaultFrameBytes
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 500
	}
	if cfg.AbsoluteTimeout == 0 {
		cfg.AbsoluteTimeout = 90 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	if cfg.CommitRetries == 0 {
		cfg.CommitRetries = 1
	}
	if cfg.CommitErrorLimit == 0 {
		cfg.CommitErrorLimit = 3
	}
	cfg.VAD.FrameDuration = cfg.FrameDuration
	return cfg
}

// Validate reports every configuration invariant violation. A non-nil error
// is fatal: the session is rejected before any frame is processed.
func (cfg SessionConfig) Validate() error {
	var errs []error
	if cfg.CallID == "" {
		errs = append(errs, errors.New("session: call ID is required"))
	}
	if cfg.FrameBytes <= 0 || cfg.FrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("session: frame bytes must be positive and even, got %d", cfg.FrameBytes))
	}
	if cfg.FrameDuration <= 0 {
		errs = append(errs, errors.New("session: frame duration must be positive"))
	}
	if cfg.QueueCapacity <= 0 {
		errs = append(errs, errors.New("session: queue capacity must be positive"))
	}
	if cfg.AbsoluteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session: timeouts must be positive"))
	}
	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.BargeIn.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time snapshot of one session's counters for the status
// surface.
type Stats struct {
	CallID             string        `json:"call_id"`
	State              string        `json:"state"`
	InFrames           uint64        `json:"in_frames"`
	InBytes            uint64        `json:"in_bytes"`
	OutFrames          uint64        `json:"out_frames"`
	OutBytes           uint64        `json:"out_bytes"`
	OutFramesDropped   uint64        `json:"out_frames_dropped"`
	MalformedFrames    uint64        `json:"malformed_frames"`
	Commits            uint64        `json:"commits"`
	CommitErrors       uint64        `json:"commit_errors"`
	LastCommitFrames   int           `json:"last_commit_frames"`
	LastCommitDuration time.Duration `json:"last_commit_duration"`
	LastCommitReason   string        `json:"last_commit_reason,omitempty"`
	BargeIns           uint64        `json:"barge_ins"`
	AvgEnergy          float64       `json:"avg_energy"`
	NonSilentFrames    uint64        `json:"non_silent_frames"`
}

// Session bridges one phone call: it owns the inbound accumulator, the
// outbound queue and pacer, the commit controller, the barge-in detector,
// and the two lifecycle timers. Nothing is shared across sessions.
//
// Three activities run concurrently under the session's errgroup: inbound
// ingestion with VAD bookkeeping, outbound pacing on a fixed tick, and
// speech-engine audio requeue. The pacer tick is never blocked by inbound
// processing. All accumulator mutation happens on the inbound goroutine;
// Terminate takes the same lock before releasing the buffer so shutdown is
// safe concurrently with frame processing.
type Session struct {
	cfg     SessionConfig
	engine  speech.SessionHandle
	sink    MediaSink
	metrics *observe.Metrics
	log     *slog.Logger

	ctrlMu sync.Mutex
	ctrl   *CommitController
	barge  *BargeInDetector

	queue *OutboundQueue
	pacer *Pacer
	split *Splitter

	state   atomic.Int32
	inbound chan Frame
	inSeq   atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	g         *errgroup.Group
	started   atomic.Bool
	stopOnce  sync.Once
	drainOnce sync.Once
	commitWG  sync.WaitGroup

	timerMu   sync.Mutex
	idleTimer *time.Timer
	absTimer  *time.Timer

	// consecFailures counts consecutive exhausted commit attempts; touched
	// only on the inbound goroutine.
	consecFailures int

	inFrames     atomic.Uint64
	inBytes      atomic.Uint64
	malformed    atomic.Uint64
	commits      atomic.Uint64
	commitErrors atomic.Uint64
	bargeIns     atomic.Uint64

	lastCommitMu       sync.Mutex
	lastCommitFrames   int
	lastCommitDuration time.Duration
	lastCommitReason   string

	endReason atomic.Pointer[string]
}

// NewSession validates cfg and builds a session in the Connecting state.
// metrics may be nil, in which case the package default instance is used.
func NewSession(cfg SessionConfig, engine speech.SessionHandle, sink MediaSink, metrics *observe.Metrics) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	ctrl, err := NewCommitController(cfg.VAD)
	if err != nil {
		return nil, err
	}
	barge, err := NewBargeInDetector(cfg.BargeIn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		engine:  engine,
		sink:    sink,
		metrics: metrics,
		log:     slog.Default().With("call_id", cfg.CallID),
		ctrl:    ctrl,
		barge:   barge,
		queue:   NewOutboundQueue(cfg.QueueCapacity),
		split:   NewSplitter(cfg.FrameBytes),
		inbound: make(chan Frame, 64),
	}
	s.pacer = NewPacer(s.queue, PacerConfig{
		Interval:    cfg.FrameDuration,
		FrameBytes:  cfg.FrameBytes,
		PaceSilence: cfg.PaceSilence,
	}, s.emitFrame)
	s.state.Store(int32(StateConnecting))
	return s, nil
}

// Start launches the session's goroutines. It must be called exactly once;
// the session still begins in Connecting and commits only after Activate.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.g, _ = errgroup.WithContext(s.ctx)

	s.metrics.ActiveCalls.Add(s.ctx, 1)

	s.g.Go(func() error { return s.inboundLoop(s.ctx) })
	s.g.Go(func() error { return s.paceLoop(s.ctx) })
	s.g.Go(func() error { return s.engineAudioLoop(s.ctx) })
	s.g.Go(func() error { return s.engineEventLoop(s.ctx) })

	s.log.Info("session started", "state", s.State().String())
}

// Activate confirms the media transport and moves Connecting → Active,
// arming the absolute and idle timers. Calling it in any other state is a
// no-op.
func (s *Session) Activate() {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return
	}

	s.timerMu.Lock()
	s.absTimer = time.AfterFunc(s.cfg.AbsoluteTimeout, func() {
		s.Drain("absolute timeout")
	})
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.Drain("idle timeout")
	})
	s.timerMu.Unlock()

	s.log.Info("session active",
		"absolute_timeout", s.cfg.AbsoluteTimeout,
		"idle_timeout", s.cfg.IdleTimeout,
	)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// EndReason returns the reason recorded when the session began draining, or
// the empty string while the session is still running.
func (s *Session) EndReason() string {
	if p := s.endReason.Load(); p != nil {
		return *p
	}
	return ""
}

// HandleInbound ingests one payload from the phone line. The payload must be
// exactly one frame; wrong sizes are rejected with ErrMalformedFrame and
// counted, never forwarded. The slice is retained — callers must not reuse
// it.
func (s *Session) HandleInbound(pcm []byte) error {
	switch s.State() {
	case StateDraining, StateTerminated:
		return ErrSessionClosed
	}
	if err := ValidateSize(pcm, s.cfg.FrameBytes); err != nil {
		s.malformed.Add(1)
		s.metrics.MalformedFrames.Add(context.Background(), 1)
		return err
	}

	f := Frame{
		Seq:        s.inSeq.Add(1),
		Data:       pcm,
		CapturedAt: time.Now(),
	}
	select {
	case s.inbound <- f:
		return nil
	case <-s.done():
		return ErrSessionClosed
	}
}

// done returns a channel closed when the session's context ends. Safe to
// call before Start.
func (s *Session) done() <-chan struct{} {
	if s.ctx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.ctx.Done()
}

// inboundLoop is the single logical writer of the commit controller and the
// barge-in detector.
func (s *Session) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.inbound:
			s.processInbound(ctx, f)
		}
	}
}

func (s *Session) processInbound(ctx context.Context, f Frame) {
	s.resetIdle()
	s.inFrames.Add(1)
	s.inBytes.Add(uint64(len(f.Data)))
	s.metrics.InboundFrames.Add(ctx, 1)
	s.metrics.InboundBytes.Add(ctx, int64(len(f.Data)))

	energy := RMS(f.Data)
	playing := s.pacer.Playing()

	s.ctrlMu.Lock()
	if s.barge.Observe(energy, s.ctrl.NoiseFloor(), playing) {
		s.ctrlMu.Unlock()
		s.handleBargeIn(ctx)
		s.ctrlMu.Lock()
	}

	var commit *Commit
	switch s.State() {
	case StateConnecting:
		// Buffer without committing until the transport is confirmed.
		s.ctrl.Buffer(f.Data)
	case StateActive:
		commit = s.ctrl.Process(f.Data)
	default:
		// Draining or terminated: the frame is dropped.
	}
	s.ctrlMu.Unlock()

	if commit != nil {
		s.sendCommit(ctx, commit)
	}
}

// handleBargeIn truncates agent playback: the outbound queue is cleared and
// the speech engine is told to cancel its in-flight response. Inbound
// accumulation is untouched.
func (s *Session) handleBargeIn(ctx context.Context) {
	cleared := s.queue.Clear()
	s.bargeIns.Add(1)
	s.metrics.BargeIns.Add(ctx, 1)
	if err := s.engine.Interrupt(); err != nil {
		s.log.Warn("barge-in interrupt failed", "err", err)
	}
	s.log.Info("barge-in: playback truncated", "cleared_frames", cleared)
}

// sendCommit flushes one accumulated unit to the speech engine with one
// bounded retry. A commit that stays failed after retries is a session-level
// warning; CommitErrorLimit consecutive exhausted commits terminate the call.
func (s *Session) sendCommit(ctx context.Context, c *Commit) {
	s.commitWG.Add(1)
	defer s.commitWG.Done()

	// Append exactly once; only the commit itself is retried so the engine
	// never receives duplicated audio.
	err := s.engine.AppendAudio(c.Payload)
	if err == nil {
		for attempt := 0; ; attempt++ {
			if err = s.engine.Commit(); err == nil || attempt >= s.cfg.CommitRetries {
				break
			}
		}
	}
	if err != nil {
		s.consecFailures++
		s.commitErrors.Add(1)
		s.metrics.CommitErrors.Add(ctx, 1)
		s.log.Warn("commit failed after retries",
			"err", err,
			"frames", c.Frames,
			"consecutive_failures", s.consecFailures,
		)
		// The appended audio is still staged engine-side. Discard it so the
		// next successful commit carries only its own unit.
		if cerr := s.engine.ClearInput(); cerr != nil {
			s.log.Warn("clearing staged input failed", "err", cerr)
		}
		if s.consecFailures >= s.cfg.CommitErrorLimit {
			s.Drain("commit failures")
		}
		return
	}

	s.consecFailures = 0
	s.commits.Add(1)
	s.metrics.Commits.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", c.Reason.String())))
	s.metrics.CommitDuration.Record(ctx, c.Duration.Seconds())

	s.lastCommitMu.Lock()
	s.lastCommitFrames = c.Frames
	s.lastCommitDuration = c.Duration
	s.lastCommitReason = c.Reason.String()
	s.lastCommitMu.Unlock()

	s.log.Debug("committed",
		"frames", c.Frames,
		"duration", c.Duration,
		"reason", c.Reason.String(),
	)
}

// paceLoop runs the pacer; a sink error is treated as media transport loss.
func (s *Session) paceLoop(ctx context.Context) error {
	err := s.pacer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("pacer stopped", "err", err)
		s.Drain("media sink error")
	}
	return err
}

// emitFrame is the pacer's EmitFunc: it writes one frame to the phone line.
// Only real agent audio counts as traffic for the idle timer; synthesized
// comfort noise must not mask a stalled transport.
func (s *Session) emitFrame(f Frame, filler bool) error {
	if err := s.sink.WriteFrame(s.ctx, f.Data); err != nil {
		return err
	}
	if !filler {
		s.resetIdle()
	}
	s.metrics.OutboundFrames.Add(s.ctx, 1)
	s.metrics.OutboundBytes.Add(s.ctx, int64(len(f.Data)))
	return nil
}

// engineAudioLoop re-frames speech-engine audio deltas and queues them for
// pacing. Chunk sizes from the engine are arbitrary; the splitter carries
// the remainder.
func (s *Session) engineAudioLoop(ctx context.Context) error {
	audio := s.engine.Audio()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-audio:
			if !ok {
				return nil
			}
			s.resetIdle()
			for _, frame := range s.split.Split(chunk) {
				dropped, err := s.queue.Push(Frame{Data: frame, CapturedAt: time.Now()})
				if err != nil {
					return nil
				}
				if dropped > 0 {
					s.metrics.DroppedFrames.Add(ctx, int64(dropped))
				}
			}
		}
	}
}

// engineEventLoop watches speech-engine control events. Engine errors are
// non-fatal warnings; a closed session drains the call.
func (s *Session) engineEventLoop(ctx context.Context) error {
	events := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if s.State() == StateActive {
					s.Drain("engine session ended")
				}
				return nil
			}
			s.resetIdle()
			switch ev.Type {
			case speech.EventReady:
				s.log.Debug("engine session ready")
			case speech.EventError:
				s.log.Warn("engine error", "err", ev.Err)
			case speech.EventClosed:
				s.Drain("engine session closed")
			}
		}
	}
}

// Touch marks inbound control traffic, re-arming the idle timer. Transports
// call it for non-audio messages (metadata, keepalives) that prove the peer
// is still there even though they carry no frames.
func (s *Session) Touch() {
	s.resetIdle()
}

// resetIdle re-arms the idle timer; any traffic in either direction counts.
func (s *Session) resetIdle() {
	s.timerMu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	s.timerMu.Unlock()
}

// Drain requests an orderly shutdown: the state moves to Draining, no new
// commits start, queued agent audio is flushed or dropped per configuration,
// and an in-flight commit gets DrainGrace to finish. Terminate runs at the
// end. Safe to call from any goroutine and any state; only the first call
// has effect.
func (s *Session) Drain(reason string) {
	for {
		cur := s.state.Load()
		if cur >= int32(StateDraining) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateDraining)) {
			break
		}
	}
	r := reason
	s.endReason.Store(&r)
	s.log.Info("session draining", "reason", reason)

	s.drainOnce.Do(func() {
		go func() {
			deadline := time.NewTimer(s.cfg.DrainGrace)
			defer deadline.Stop()

			if s.cfg.DrainFlush {
				// Let the pacer play out what is queued, bounded by the grace
				// deadline.
				tick := time.NewTicker(s.cfg.FrameDuration)
				defer tick.Stop()
			flush:
				for s.queue.Len() > 0 {
					select {
					case <-deadline.C:
						break flush
					case <-tick.C:
					}
				}
			} else {
				s.queue.Clear()
			}

			// Wait for an in-flight commit, bounded by the same grace window.
			commitDone := make(chan struct{})
			go func() {
				s.commitWG.Wait()
				close(commitDone)
			}()
			select {
			case <-commitDone:
			case <-deadline.C:
			}

			s.Terminate(reason)
		}()
	})
}

// Terminate releases everything: timers, goroutines, buffers, and the engine
// session. It is idempotent and safe to invoke concurrently with in-progress
// frame processing; exactly one caller performs the release.
func (s *Session) Terminate(reason string) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateTerminated))
		if s.endReason.Load() == nil {
			r := reason
			s.endReason.Store(&r)
		}

		s.timerMu.Lock()
		if s.absTimer != nil {
			s.absTimer.Stop()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.timerMu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}

		s.queue.Close()
		s.queue.Clear()

		s.ctrlMu.Lock()
		s.ctrl.Reset()
		s.ctrlMu.Unlock()

		if err := s.engine.Close(); err != nil {
			s.log.Warn("engine close failed", "err", err)
		}

		if s.started.Load() {
			s.metrics.ActiveCalls.Add(context.Background(), -1)
		}

		s.log.Info("session terminated", "reason", s.EndReason())
	})
}

// Wait blocks until all session goroutines have exited and returns the first
// non-context error, if any.
func (s *Session) Wait() error {
	if s.g == nil {
		return nil
	}
	err := s.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot assembles the session's status counters.
func (s *Session) Snapshot() Stats {
	s.ctrlMu.Lock()
	avg := s.ctrl.AvgEnergy()
	nonSilent := s.ctrl.NonSilentFrames()
	s.ctrlMu.Unlock()

	s.lastCommitMu.Lock()
	lcFrames := s.lastCommitFrames
	lcDur := s.lastCommitDuration
	lcReason := s.lastCommitReason
	s.lastCommitMu.Unlock()

	return Stats{
		CallID:             s.cfg.CallID,
		State:              s.State().String(),
		InFrames:           s.inFrames.Load(),
		InBytes:            s.inBytes.Load(),
		OutFrames:          s.pacer.EmittedFrames(),
		OutBytes:           s.pacer.EmittedBytes(),
		OutFramesDropped:   s.queue.Dropped(),
		MalformedFrames:    s.malformed.Load(),
		Commits:            s.commits.Load(),
		CommitErrors:       s.commitErrors.Load(),
		LastCommitFrames:   lcFrames,
		LastCommitDuration: lcDur,
		LastCommitReason:   lcReason,
		BargeIns:           s.bargeIns.Load(),
		AvgEnergy:          avg,
		NonSilentFrames:    nonSilent,
	}
}
