// Package bridge implements the real-time audio bridge between a telephony
// media stream and a speech-to-speech engine: the frame model, the outbound
// jitter buffer and pacer, the adaptive commit controller, the barge-in
// detector, and the per-call session state machine that owns them.
//
// All audio in this package is little-endian 16-bit mono PCM carried in
// fixed-size frames. Durations are derived from frame counts multiplied by the
// configured frame duration, never from wall-clock deltas, so the commit logic
// is deterministic under I/O jitter.
package bridge

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default media format: 20 ms of 16 kHz mono PCM16 per frame.
const (
	DefaultFrameBytes    = 640
	DefaultFrameDuration = 20 * time.Millisecond
)

// ErrMalformedFrame is returned when a payload does not match the configured
// frame size. Malformed frames are dropped and counted, never forwarded.
var ErrMalformedFrame = errors.New("bridge: malformed frame")

// Frame is a single fixed-duration slice of audio. Frames are immutable once
// created; Data must not be mutated after the frame enters the bridge.
type Frame struct {
	// Seq is the monotonic sequence number, assigned per direction.
	Seq uint64

	// Data is the PCM16 payload. Its length always equals the configured
	// frame size; ValidateSize enforces this at ingestion.
	Data []byte

	// CapturedAt records when the frame entered the bridge. time.Time carries
	// a monotonic component, which is what comparisons rely on.
	CapturedAt time.Time
}

// ValidateSize rejects payloads whose length differs from frameBytes.
func ValidateSize(data []byte, frameBytes int) error {
	if len(data) != frameBytes {
		return fmt.Errorf("%w: %d bytes, want %d", ErrMalformedFrame, len(data), frameBytes)
	}
	return nil
}

// RMS returns the root-mean-square energy of little-endian PCM16 samples in
// int16 amplitude scale (0..32767). Odd trailing bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := float64(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns a zeroed PCM frame of n bytes.
func Silence(n int) []byte {
	return make([]byte, n)
}

// Splitter slices arbitrarily sized PCM chunks into fixed-size frames,
// carrying the remainder between calls. The speech engine emits audio deltas
// of unpredictable length and the telephony side may batch several frames
// into one message; both paths feed a Splitter before frames enter a queue.
//
// Not safe for concurrent use; create one per stream direction.
type Splitter struct {
	frameBytes int
	remainder  []byte
}

// NewSplitter creates a Splitter producing frames of frameBytes.
func NewSplitter(frameBytes int) *Splitter {
	return &Splitter{frameBytes: frameBytes}
}

// Split appends chunk to the carried remainder and returns every complete
// frame now available. Returned slices are freshly allocated and safe to
// retain.
func (s *Splitter) Split(chunk []byte) [][]byte {
	if len(chunk) == 0 && len(s.remainder) < s.frameBytes {
		return nil
	}
	s.remainder = append(s.remainder, chunk...)

	var frames [][]byte
	for len(s.remainder) >= s.frameBytes {
		f := make([]byte, s.frameBytes)
		copy(f, s.remainder[:s.frameBytes])
		s.remainder = s.remainder[s.frameBytes:]
		frames = append(frames, f)
	}
	// Compact so the evicted prefix does not pin the backing array.
	if len(s.remainder) > 0 && len(frames) > 0 {
		rest := make([]byte, len(s.remainder), s.frameBytes)
		copy(rest, s.remainder)
		s.remainder = rest
	}
	return frames
}

// Pending returns the number of buffered remainder bytes awaiting completion.
func (s *Splitter) Pending() int {
	return len(s.remainder)
}

// Reset discards any carried remainder.
func (s *Splitter) Reset() {
	s.remainder = nil
}
