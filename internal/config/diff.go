package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// JudgeChanged is true when either LLM tier behind the jury changed.
	JudgeChanged bool

	// ExtractChanged is true when the extraction command template changed.
	ExtractChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.JudgeChanged || d.ExtractChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !judgeTierEqual(old.Providers.Judge.Primary, new.Providers.Judge.Primary) ||
		!judgeTierEqual(old.Providers.Judge.Secondary, new.Providers.Judge.Secondary) {
		d.JudgeChanged = true
	}

	if !slices.Equal(old.Extract.Command, new.Extract.Command) {
		d.ExtractChanged = true
	}

	return d
}

// judgeTierEqual compares two optional judge tiers field-wise, ignoring the
// free-form Options map.
func judgeTierEqual(a, b *ProviderEntry) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
