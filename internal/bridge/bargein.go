package bridge

import (
	"errors"
	"fmt"
)

// BargeInConfig tunes the interruption detector. Its thresholds are
// independent of the commit controller's: barge-in runs more sensitive so a
// caller can cut off agent speech without waiting for full speech
// confirmation.
type BargeInConfig struct {
	// Offset is the RMS offset above the noise floor a frame must exceed to
	// count toward an interruption.
	Offset float64

	// MinFrames is the consecutive above-threshold frame count required to
	// call an interruption.
	MinFrames int
}

// DefaultBargeInConfig returns the tuning used for 16 kHz telephony audio.
func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{Offset: 150, MinFrames: 4}
}

// Validate reports invariant violations in cfg.
func (cfg BargeInConfig) Validate() error {
	var errs []error
	if cfg.Offset < 0 {
		errs = append(errs, errors.New("bargein: offset must not be negative"))
	}
	if cfg.MinFrames < 1 {
		errs = append(errs, fmt.Errorf("bargein: min frames must be at least 1, got %d", cfg.MinFrames))
	}
	return errors.Join(errs...)
}

// BargeInDetector watches inbound frame energy while outbound playback is
// active and signals when the caller interrupts the agent. It keeps its own
// consecutive-frame bookkeeping, in parallel with and independent of the
// commit controller's state on the same frame stream.
//
// The detector fires at most once per playback burst: after a trigger it
// stays latched until playback goes inactive, so a single interruption costs
// at most one truncated agent utterance.
//
// Not safe for concurrent use; the session serializes Observe with the rest
// of the inbound path.
type BargeInDetector struct {
	cfg     BargeInConfig
	run     int
	latched bool
}

// NewBargeInDetector validates cfg and returns a detector.
func NewBargeInDetector(cfg BargeInConfig) (*BargeInDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BargeInDetector{cfg: cfg}, nil
}

// Observe inspects one inbound frame's energy. It returns true exactly when
// an interruption is called: playback is active and the configured number of
// consecutive frames exceeded noiseFloor+Offset. While playback is inactive
// the detector idles and its state unwinds.
func (d *BargeInDetector) Observe(energy, noiseFloor float64, playing bool) bool {
	if !playing {
		d.run = 0
		d.latched = false
		return false
	}
	if d.latched {
		return false
	}

	if energy > noiseFloor+d.cfg.Offset {
		d.run++
		if d.run >= d.cfg.MinFrames {
			d.latched = true
			d.run = 0
			return true
		}
	} else {
		d.run = 0
	}
	return false
}

// Reset clears the consecutive-frame run and the latch.
func (d *BargeInDetector) Reset() {
	d.run = 0
	d.latched = false
}
