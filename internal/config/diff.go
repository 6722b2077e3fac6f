package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// takes effect immediately, tuning changes apply to calls started after the
// reload. Structural fields (listen address, engine provider, storage DSN)
// require a restart and are not diffed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is true when the VAD, barge-in, call timeout, or media
	// queue settings differ. In-flight calls keep their resolved snapshot.
	TuningChanged bool
}

// Changed reports whether the diff carries any applicable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TuningChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD ||
		old.BargeIn != new.BargeIn ||
		old.Call != new.Call ||
		old.Media != new.Media {
		d.TuningChanged = true
	}

	return d
}
