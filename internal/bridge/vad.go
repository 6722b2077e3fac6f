package bridge

import (
	"errors"
	"fmt"
	"time"
)

// CommitReason records which rule fired a commit.
type CommitReason int

const (
	// CommitSilence is an end-of-phrase commit: the caller stopped speaking
	// for the configured silence duration.
	CommitSilence CommitReason = iota

	// CommitMaxDuration is a forced commit: the accumulator reached the hard
	// maximum buffer duration. This is a latency ceiling and fires regardless
	// of speech or silence state.
	CommitMaxDuration
)

// String returns the reason label used in logs and metric attributes.
func (r CommitReason) String() string {
	switch r {
	case CommitSilence:
		return "silence"
	case CommitMaxDuration:
		return "max_duration"
	default:
		return "unknown"
	}
}

// Commit is one unit of accumulated inbound audio handed to the speech engine.
type Commit struct {
	// Payload is the entire accumulated PCM content, oldest frame first.
	Payload []byte

	// Frames is the number of frames in Payload.
	Frames int

	// Duration is Frames × the configured frame duration.
	Duration time.Duration

	// Reason records which trigger fired.
	Reason CommitReason
}

// VADConfig is the immutable configuration snapshot for one session's commit
// controller. Durations that govern commit decisions are converted to frame
// counts internally, so only multiples of FrameDuration are meaningful.
type VADConfig struct {
	// FrameDuration is the fixed duration of one frame.
	FrameDuration time.Duration

	// MinBufferDuration is the minimum accumulated audio, measured from the
	// first speech frame, before an end-of-phrase commit may fire.
	MinBufferDuration time.Duration

	// SafetyMargin is added to MinBufferDuration when applying the guard.
	SafetyMargin time.Duration

	// MaxBufferDuration forces a commit once the accumulator reaches this
	// total duration, regardless of speech state.
	MaxBufferDuration time.Duration

	// SilenceCommitDuration is the consecutive-silence duration that ends a
	// phrase and triggers a commit.
	SilenceCommitDuration time.Duration

	// BaseOffset is the steady-state RMS offset above the noise floor.
	BaseOffset float64

	// MinSpeechFrames is the consecutive above-threshold frame count required
	// to confirm speech in steady state.
	MinSpeechFrames int

	// BootstrapWindow is the initial period after session start during which
	// the more sensitive bootstrap thresholds apply, to catch the caller's
	// first utterance quickly.
	BootstrapWindow time.Duration

	// BootstrapOffset replaces BaseOffset during the bootstrap window.
	BootstrapOffset float64

	// BootstrapMinSpeechFrames replaces MinSpeechFrames during the bootstrap
	// window.
	BootstrapMinSpeechFrames int

	// DecayStep is subtracted from the active offset after every
	// DecayInterval of continuous non-speech, down to DecayFloor, increasing
	// sensitivity while hunting for quiet speech. Zero disables decay.
	DecayStep float64

	// DecayInterval is the silence duration between decay steps.
	DecayInterval time.Duration

	// DecayFloor is the lowest offset decay may reach.
	DecayFloor float64

	// AllowShortCommit lets an end-of-phrase commit fire before
	// MinBufferDuration+SafetyMargin has elapsed since the first speech
	// frame. When false (the default) the commit is deferred until the guard
	// is met; the forced MaxBufferDuration commit is never deferred.
	AllowShortCommit bool

	// NoiseFloorAlpha is the EMA coefficient applied to silence-classified
	// frames when tracking the noise floor. Defaults to 0.05.
	NoiseFloorAlpha float64
}

// DefaultVADConfig returns the tuning used for 16 kHz telephony audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		FrameDuration:            DefaultFrameDuration,
		MinBufferDuration:        160 * time.Millisecond,
		SafetyMargin:             40 * time.Millisecond,
		MaxBufferDuration:        6 * time.Second,
		SilenceCommitDuration:    600 * time.Millisecond,
		BaseOffset:               300,
		MinSpeechFrames:          5,
		BootstrapWindow:          3 * time.Second,
		BootstrapOffset:          80,
		BootstrapMinSpeechFrames: 2,
		DecayStep:                40,
		DecayInterval:            2 * time.Second,
		DecayFloor:               120,
		NoiseFloorAlpha:          0.05,
	}
}

// Validate reports every invariant violation in cfg as a joined error.
// A non-nil result is fatal at session start: no frame may be processed
// with an invalid configuration.
func (cfg VADConfig) Validate() error {
	var errs []error

	if cfg.FrameDuration <= 0 {
		errs = append(errs, errors.New("vad: frame duration must be positive"))
	}
	if cfg.MaxBufferDuration < cfg.FrameDuration {
		errs = append(errs, fmt.Errorf("vad: max buffer duration %v is below one frame (%v)", cfg.MaxBufferDuration, cfg.FrameDuration))
	}
	if cfg.MaxBufferDuration < cfg.MinBufferDuration {
		errs = append(errs, fmt.Errorf("vad: max buffer duration %v is below min buffer duration %v", cfg.MaxBufferDuration, cfg.MinBufferDuration))
	}
	if cfg.SilenceCommitDuration <= 0 {
		errs = append(errs, errors.New("vad: silence commit duration must be positive"))
	}
	if cfg.MinSpeechFrames < 1 {
		errs = append(errs, errors.New("vad: min speech frames must be at least 1"))
	}
	if cfg.BootstrapWindow > 0 && cfg.BootstrapMinSpeechFrames < 1 {
		errs = append(errs, errors.New("vad: bootstrap min speech frames must be at least 1"))
	}
	if cfg.BaseOffset < 0 || cfg.BootstrapOffset < 0 {
		errs = append(errs, errors.New("vad: RMS offsets must not be negative"))
	}
	if cfg.DecayStep < 0 {
		errs = append(errs, errors.New("vad: decay step must not be negative"))
	}
	if cfg.DecayStep > 0 {
		if cfg.DecayInterval <= 0 {
			errs = append(errs, errors.New("vad: decay interval must be positive when decay is enabled"))
		}
		if cfg.DecayFloor > cfg.BaseOffset {
			errs = append(errs, fmt.Errorf("vad: decay floor %v exceeds base offset %v", cfg.DecayFloor, cfg.BaseOffset))
		}
	}
	if cfg.NoiseFloorAlpha < 0 || cfg.NoiseFloorAlpha > 1 {
		errs = append(errs, errors.New("vad: noise floor alpha must be in [0, 1]"))
	}

	return errors.Join(errs...)
}

// thresholdState is the adaptive-threshold record updated each frame: the
// active offset above the noise floor and the silence run driving decay.
// Kept as an explicit value owned by the controller, never shared.
type thresholdState struct {
	offset      float64
	sinceSpeech int // frames since the last above-threshold frame
}

// CommitController consumes inbound frames for one session and decides the
// instant accumulated audio should be committed upstream. It owns the inbound
// accumulator exclusively; callers must serialize Process invocations
// (a single logical writer, per the session's concurrency model).
type CommitController struct {
	cfg VADConfig

	// Accumulator: payload plus the frame count it represents.
	buf       []byte
	bufFrames int

	// Detection state.
	noiseFloor  float64
	noiseInit   bool
	thr         thresholdState
	elapsed     int // frames since session start
	bootstrapOn bool
	speechRun   int
	silenceRun  int
	inSpeech    bool
	firstSpeech int // accumulator index of the first confirmed-speech frame, -1 when none

	// Running statistics for the status surface.
	frameCount uint64
	energySum  float64
	nonSilent  uint64
}

// NewCommitController validates cfg and returns a controller ready for the
// first frame.
func NewCommitController(cfg VADConfig) (*CommitController, error) {
	if cfg.NoiseFloorAlpha == 0 {
		cfg.NoiseFloorAlpha = 0.05
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &CommitController{
		cfg:         cfg,
		bootstrapOn: cfg.BootstrapWindow > 0,
		firstSpeech: -1,
	}
	c.thr.offset = c.baseOffset()
	return c, nil
}

// frames converts a duration to a whole frame count (floor).
func (c *CommitController) framesIn(d time.Duration) int {
	return int(d / c.cfg.FrameDuration)
}

func (c *CommitController) duration(frames int) time.Duration {
	return time.Duration(frames) * c.cfg.FrameDuration
}

// baseOffset returns the pre-decay baseline for the current phase.
func (c *CommitController) baseOffset() float64 {
	if c.bootstrapOn {
		return c.cfg.BootstrapOffset
	}
	return c.cfg.BaseOffset
}

func (c *CommitController) minSpeechFrames() int {
	if c.bootstrapOn {
		return c.cfg.BootstrapMinSpeechFrames
	}
	return c.cfg.MinSpeechFrames
}

// Threshold returns the current effective detection threshold
// (noise floor + active offset). Exposed for the status surface and tests.
func (c *CommitController) Threshold() float64 {
	return c.noiseFloor + c.thr.offset
}

// Buffer appends one validated frame payload to the accumulator without
// running detection, so no commit can be produced. Used while the media
// transport is still being confirmed; the buffered audio is included in the
// first commit once Process takes over.
func (c *CommitController) Buffer(data []byte) {
	c.frameCount++
	c.energySum += RMS(data)
	c.buf = append(c.buf, data...)
	c.bufFrames++
}

// Process ingests one validated frame payload and returns a non-nil Commit
// when the accumulated audio must be flushed upstream. The returned payload
// is handed off: the accumulator is cleared atomically and all run counters
// reset before Process returns.
func (c *CommitController) Process(data []byte) *Commit {
	energy := RMS(data)
	c.elapsed++
	c.frameCount++
	c.energySum += energy

	c.buf = append(c.buf, data...)
	c.bufFrames++

	// Bootstrap window is measured in frames since session start. Crossing
	// the boundary switches to steady-state thresholds and restores the
	// pre-decay baseline.
	if c.bootstrapOn && c.duration(c.elapsed) > c.cfg.BootstrapWindow {
		c.bootstrapOn = false
		c.thr.offset = c.cfg.BaseOffset
	}

	if energy > c.Threshold() {
		c.thr.sinceSpeech = 0
		c.speechRun++
		c.silenceRun = 0
		c.nonSilent++

		if !c.inSpeech && c.speechRun >= c.minSpeechFrames() {
			c.inSpeech = true
			first := c.bufFrames - c.speechRun
			if first < 0 {
				first = 0
			}
			if c.firstSpeech < 0 {
				c.firstSpeech = first
			}
			// Confirmed speech ends the hunt: restore the baseline offset.
			c.thr.offset = c.baseOffset()
		}
	} else {
		c.speechRun = 0
		c.thr.sinceSpeech++
		if c.inSpeech {
			c.silenceRun++
		}

		if !c.noiseInit {
			c.noiseFloor = energy
			c.noiseInit = true
		} else {
			c.noiseFloor += c.cfg.NoiseFloorAlpha * (energy - c.noiseFloor)
		}

		// Decay only while hunting for speech, never mid-phrase.
		if !c.inSpeech && c.cfg.DecayStep > 0 {
			interval := c.framesIn(c.cfg.DecayInterval)
			if interval > 0 && c.thr.sinceSpeech%interval == 0 {
				c.thr.offset -= c.cfg.DecayStep
				if c.thr.offset < c.cfg.DecayFloor {
					c.thr.offset = c.cfg.DecayFloor
				}
			}
		}
	}

	// Forced commit: the hard maximum is a latency ceiling and wins over
	// every other condition, including the minimum-duration guard.
	if c.duration(c.bufFrames) >= c.cfg.MaxBufferDuration {
		return c.commit(CommitMaxDuration)
	}

	// End of phrase: silence has lasted long enough after confirmed speech.
	if c.inSpeech && c.duration(c.silenceRun) >= c.cfg.SilenceCommitDuration {
		sinceFirst := c.duration(c.bufFrames - c.firstSpeech)
		if c.cfg.AllowShortCommit || sinceFirst >= c.cfg.MinBufferDuration+c.cfg.SafetyMargin {
			return c.commit(CommitSilence)
		}
	}

	return nil
}

// commit hands off the whole accumulator and resets detection state. The
// active offset returns to its pre-decay baseline.
func (c *CommitController) commit(reason CommitReason) *Commit {
	out := &Commit{
		Payload:  c.buf,
		Frames:   c.bufFrames,
		Duration: c.duration(c.bufFrames),
		Reason:   reason,
	}
	c.buf = nil
	c.bufFrames = 0
	c.speechRun = 0
	c.silenceRun = 0
	c.inSpeech = false
	c.firstSpeech = -1
	c.thr = thresholdState{offset: c.baseOffset()}
	return out
}

// Reset clears the accumulator and all detection state without touching the
// cumulative statistics. Used when a session drains.
func (c *CommitController) Reset() {
	c.buf = nil
	c.bufFrames = 0
	c.speechRun = 0
	c.silenceRun = 0
	c.inSpeech = false
	c.firstSpeech = -1
	c.thr = thresholdState{offset: c.baseOffset()}
}

// BufferedFrames returns the current accumulator depth in frames.
func (c *CommitController) BufferedFrames() int { return c.bufFrames }

// BufferedDuration returns the current accumulator depth as a duration.
func (c *CommitController) BufferedDuration() time.Duration { return c.duration(c.bufFrames) }

// NoiseFloor returns the current tracked noise floor.
func (c *CommitController) NoiseFloor() float64 { return c.noiseFloor }

// AvgEnergy returns the rolling average RMS energy over all processed frames.
func (c *CommitController) AvgEnergy() float64 {
	if c.frameCount == 0 {
		return 0
	}
	return c.energySum / float64(c.frameCount)
}

// NonSilentFrames returns the count of frames classified above threshold.
func (c *CommitController) NonSilentFrames() uint64 { return c.nonSilent }
