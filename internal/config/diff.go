package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; agent, translate,
// and archive endpoints require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AudioChanged is true when a capture or playback command changed. The
	// new commands take effect on the next recording / playback start.
	AudioChanged bool

	// LanguagesChanged is true when the practice/native pair changed. The
	// new pair applies to the next session connect.
	LanguagesChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AudioChanged || d.LanguagesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio != new.Audio {
		d.AudioChanged = true
	}
	if old.Languages != new.Languages {
		d.LanguagesChanged = true
	}

	return d
}
