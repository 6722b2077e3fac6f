package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by OutboundQueue.Push after Close.
var ErrQueueClosed = errors.New("bridge: outbound queue closed")

// OutboundQueue is a bounded FIFO of outbound frames awaiting transmission to
// the phone line. On overflow the oldest frame is discarded first: stale audio
// is worse than a small gap. All methods are safe for concurrent use.
type OutboundQueue struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
	closed   bool
	dropped  atomic.Uint64
}

// NewOutboundQueue creates a queue holding at most capacity frames.
// capacity must be positive.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundQueue{
		frames:   make([]Frame, 0, capacity),
		capacity: capacity,
	}
}

// Push enqueues f, evicting the oldest frame when the queue is full. It
// returns the number of frames dropped by this call (0 or 1).
func (q *OutboundQueue) Push(f Frame) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	dropped := 0
	if len(q.frames) >= q.capacity {
		// Copy down instead of re-slicing so evicted frames do not pin the
		// backing array for the lifetime of the call.
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		dropped = 1
		q.dropped.Add(1)
	}
	q.frames = append(q.frames, f)
	return dropped, nil
}

// Pop dequeues the oldest frame. The second return is false when the queue is
// empty.
func (q *OutboundQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// Clear removes all queued frames and returns how many were removed.
// Used on barge-in to truncate agent playback.
func (q *OutboundQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	q.frames = q.frames[:0]
	return n
}

// Len returns the current queue depth.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the cumulative number of frames evicted by overflow.
func (q *OutboundQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close marks the queue closed. Subsequent Push calls fail; Pop drains the
// remaining frames. Safe to call more than once.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// EmitFunc delivers one paced frame to the phone line. filler is true for
// silence frames synthesized on an empty tick, so the caller can tell comfort
// noise apart from real agent audio. It must not block for longer than a
// small fraction of the frame interval; a returned error stops the pacer.
type EmitFunc func(f Frame, filler bool) error

// Pacer drains an OutboundQueue at a strict fixed cadence: exactly one frame
// per tick while the queue is non-empty. When the queue is empty it either
// emits a silence frame or skips the tick, per configuration. The tick is
// driven by its own goroutine (Run) and is never blocked by inbound
// processing.
type Pacer struct {
	queue       *OutboundQueue
	interval    time.Duration
	frameBytes  int
	paceSilence bool
	emit        EmitFunc

	seq       atomic.Uint64
	outFrames atomic.Uint64
	outBytes  atomic.Uint64
}

// PacerConfig configures a Pacer.
type PacerConfig struct {
	// Interval is the tick period, normally equal to the frame duration.
	Interval time.Duration

	// FrameBytes is the size of silence frames emitted when PaceSilence is set.
	FrameBytes int

	// PaceSilence emits zeroed frames on empty ticks instead of skipping them.
	PaceSilence bool
}

// NewPacer creates a Pacer draining queue through emit.
func NewPacer(queue *OutboundQueue, cfg PacerConfig, emit EmitFunc) *Pacer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameDuration
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = DefaultFrameBytes
	}
	return &Pacer{
		queue:       queue,
		interval:    cfg.Interval,
		frameBytes:  cfg.FrameBytes,
		paceSilence: cfg.PaceSilence,
		emit:        emit,
	}
}

// Run ticks until ctx is cancelled or emit returns an error. The first tick
// fires one interval after Run starts.
func (p *Pacer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick performs a single pacing step: pop-and-emit when a frame is queued,
// otherwise silence or nothing. Exposed so tests can drive the pacer
// deterministically without a running ticker.
func (p *Pacer) Tick() error {
	f, ok := p.queue.Pop()
	if !ok {
		if !p.paceSilence {
			return nil
		}
		f = Frame{Data: Silence(p.frameBytes), CapturedAt: time.Now()}
	}
	f.Seq = p.seq.Add(1)
	if err := p.emit(f, !ok); err != nil {
		return err
	}
	p.outFrames.Add(1)
	p.outBytes.Add(uint64(len(f.Data)))
	return nil
}

// Playing reports whether agent audio is pending transmission. The barge-in
// detector only runs while this is true.
func (p *Pacer) Playing() bool {
	return p.queue.Len() > 0
}

// EmittedFrames returns the cumulative count of frames delivered to the line.
func (p *Pacer) EmittedFrames() uint64 { return p.outFrames.Load() }

// EmittedBytes returns the cumulative payload bytes delivered to the line.
func (p *Pacer) EmittedBytes() uint64 { return p.outBytes.Load() }
