// Package speech defines the Provider interface for real-time
// speech-to-speech engines.
//
// A speech provider wraps a cloud voice service that accepts raw PCM audio
// and returns synthesised audio in a single, stateful session. The bridge
// owns turn-taking: it buffers caller audio locally, then flushes one commit
// unit at a time with AppendAudio+Commit. Server-side voice activity
// detection is disabled where the protocol allows it.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// channel carrying audio and control events concurrently. Sessions are
// long-lived (the length of a phone call) and must be safe for concurrent
// use.
package speech

import "context"

// EventType classifies control events emitted by a session.
type EventType int

const (
	// EventReady signals the session accepted its configuration and will
	// process audio. Sent at most once.
	EventReady EventType = iota

	// EventError signals a non-fatal engine error; the session stays open.
	EventError

	// EventClosed signals the engine ended the session. The Audio channel
	// closes shortly after; check Err for the cause.
	EventClosed
)

// String returns the event label used in logs.
func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a control event from the engine.
type Event struct {
	Type EventType

	// Err carries the error for EventError and EventClosed.
	Err error
}

// SessionConfig is the initial configuration for a new engine session.
type SessionConfig struct {
	// Voice is the engine voice used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt for the agent.
	Instructions string

	// InputSampleRate is the PCM sample rate of committed audio in Hz.
	InputSampleRate int

	// OutputSampleRate is the requested PCM sample rate of response audio.
	OutputSampleRate int
}

// SessionHandle is an open speech-engine session. Audio output is
// channel-based so the consumer (the session's requeue goroutine) never
// blocks the engine's receive loop; consumers must drain Audio promptly.
//
// All methods are safe for concurrent use. Callers must call Close when the
// session is no longer needed; Close is idempotent.
type SessionHandle interface {
	// AppendAudio stages a PCM chunk in the engine's input buffer without
	// ending the turn.
	AppendAudio(pcm []byte) error

	// Commit flushes the staged input as one unit, asking the engine to
	// respond. Returns an error if the engine rejects the commit; callers
	// apply their own bounded retry.
	Commit() error

	// ClearInput discards any staged, uncommitted input.
	ClearInput() error

	// Interrupt cancels the in-flight response. Used on barge-in; audio
	// already delivered through Audio is the caller's to discard.
	Interrupt() error

	// Audio returns a read-only channel of raw PCM chunks as the engine
	// synthesises its reply. Chunk sizes are arbitrary; the bridge re-frames
	// them. The channel closes when the session ends.
	Audio() <-chan []byte

	// Events returns a read-only channel of control events. The channel
	// closes when the session ends.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil while the
	// session is healthy or after a clean close.
	Err() error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Provider is the factory for engine sessions.
type Provider interface {
	// Connect opens a session with the given configuration. It blocks until
	// the session is ready to accept audio or ctx is done.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
