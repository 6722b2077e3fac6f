package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidEngineProviders lists the engine provider names shipped with caredial.
// Used by [Validate] to warn about unrecognised names; third-party providers
// registered at runtime are still allowed.
var ValidEngineProviders = []string{"voicelive", "gemini-live", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the standard telephony tuning.
// Boolean options keep their zero value as the default: silence pacing off,
// drain flush off, short commits deferred.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Telephony.OutboundFormat == "" {
		cfg.Telephony.OutboundFormat = FormatJSONSimple
	}

	if cfg.Media.FrameBytes == 0 {
		cfg.Media.FrameBytes = 640
	}
	if cfg.Media.FrameDuration == 0 {
		cfg.Media.FrameDuration = Duration(20 * time.Millisecond)
	}
	if cfg.Media.QueueCapacity == 0 {
		cfg.Media.QueueCapacity = 500
	}

	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = "voicelive"
	}

	v := &cfg.VAD
	if v.MinBufferDuration == 0 {
		v.MinBufferDuration = Duration(160 * time.Millisecond)
	}
	if v.SafetyMargin == 0 {
		v.SafetyMargin = Duration(40 * time.Millisecond)
	}
	if v.MaxBufferDuration == 0 {
		v.MaxBufferDuration = Duration(6 * time.Second)
	}
	if v.SilenceCommitDuration == 0 {
		v.SilenceCommitDuration = Duration(600 * time.Millisecond)
	}
	if v.BaseOffset == 0 {
		v.BaseOffset = 300
	}
	if v.MinSpeechFrames == 0 {
		v.MinSpeechFrames = 5
	}
	if v.BootstrapWindow == 0 {
		v.BootstrapWindow = Duration(3 * time.Second)
	}
	if v.BootstrapOffset == 0 {
		v.BootstrapOffset = 80
	}
	if v.BootstrapMinSpeechFrames == 0 {
		v.BootstrapMinSpeechFrames = 2
	}
	if v.DecayStep == 0 {
		v.DecayStep = 40
	}
	if v.DecayInterval == 0 {
		v.DecayInterval = Duration(2 * time.Second)
	}
	if v.DecayFloor == 0 {
		v.DecayFloor = 120
	}

	if cfg.BargeIn.Offset == 0 {
		cfg.BargeIn.Offset = 150
	}
	if cfg.BargeIn.MinFrames == 0 {
		cfg.BargeIn.MinFrames = 4
	}

	c := &cfg.Call
	if c.AbsoluteTimeout == 0 {
		c.AbsoluteTimeout = Duration(90 * time.Second)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(90 * time.Second)
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = Duration(2 * time.Second)
	}
	if c.CommitRetries == 0 {
		c.CommitRetries = 1
	}
	if c.CommitErrorLimit == 0 {
		c.CommitErrorLimit = 3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Telephony.OutboundFormat.IsValid() {
		errs = append(errs, fmt.Errorf("telephony.outbound_format %q is invalid; valid values: json_simple, binary", cfg.Telephony.OutboundFormat))
	}
	if cfg.Telephony.ConnectionString == "" {
		slog.Warn("telephony.connection_string is empty; outbound call placement will be unavailable")
	} else if cfg.Telephony.SourceNumber == "" {
		errs = append(errs, errors.New("telephony.source_number is required when a connection string is configured"))
	}

	if cfg.Media.FrameBytes <= 0 || cfg.Media.FrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("media.frame_bytes %d must be positive and even (16-bit samples)", cfg.Media.FrameBytes))
	}
	if cfg.Media.FrameDuration <= 0 {
		errs = append(errs, errors.New("media.frame_duration must be positive"))
	}
	if cfg.Media.QueueCapacity <= 0 {
		errs = append(errs, errors.New("media.queue_capacity must be positive"))
	}

	if cfg.Engine.Provider != "" && !slices.Contains(ValidEngineProviders, cfg.Engine.Provider) {
		slog.Warn("unknown engine provider — may be a typo or third-party provider",
			"name", cfg.Engine.Provider,
			"known", ValidEngineProviders,
		)
	}

	if cfg.VAD.MaxBufferDuration < cfg.VAD.MinBufferDuration {
		errs = append(errs, fmt.Errorf("vad.max_buffer_duration %v is below vad.min_buffer_duration %v",
			time.Duration(cfg.VAD.MaxBufferDuration), time.Duration(cfg.VAD.MinBufferDuration)))
	}
	if cfg.VAD.MaxBufferDuration < cfg.VAD.SilenceCommitDuration {
		errs = append(errs, fmt.Errorf("vad.max_buffer_duration %v is below vad.silence_commit_duration %v",
			time.Duration(cfg.VAD.MaxBufferDuration), time.Duration(cfg.VAD.SilenceCommitDuration)))
	}
	if cfg.VAD.DecayStep > 0 && cfg.VAD.DecayFloor > cfg.VAD.BaseOffset {
		errs = append(errs, fmt.Errorf("vad.decay_floor %v exceeds vad.base_offset %v", cfg.VAD.DecayFloor, cfg.VAD.BaseOffset))
	}
	if cfg.VAD.MinSpeechFrames < 1 {
		errs = append(errs, errors.New("vad.min_speech_frames must be at least 1"))
	}

	if cfg.BargeIn.MinFrames < 1 {
		errs = append(errs, errors.New("barge_in.min_frames must be at least 1"))
	}
	if cfg.BargeIn.Offset < 0 {
		errs = append(errs, errors.New("barge_in.offset must not be negative"))
	}

	if cfg.Call.AbsoluteTimeout <= 0 || cfg.Call.IdleTimeout <= 0 {
		errs = append(errs, errors.New("call timeouts must be positive"))
	}
	if cfg.Call.DrainGrace <= 0 {
		errs = append(errs, errors.New("call.drain_grace must be positive"))
	}

	return errors.Join(errs...)
}
