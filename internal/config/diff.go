package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields relevant to hot-reload decisions are tracked.
type ConfigDiff struct {
	// MatchingChanged is true when any phrase-pipeline tuning changed.
	// Safe to apply live: the pipeline is rebuilt between utterances.
	MatchingChanged bool

	// LogLevelChanged is true when the log level changed. Applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StoreChanged is true when the store backend changed. Requires a
	// restart; the watcher only logs it.
	StoreChanged bool

	// TranscribeChanged is true when the transcriber provider changed.
	// Requires a restart.
	TranscribeChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Matching, new.Matching) {
		d.MatchingChanged = true
	}

	if old.Store != new.Store {
		d.StoreChanged = true
	}

	// ProviderEntry carries the Fallbacks slice, so compare deeply.
	if !reflect.DeepEqual(old.Transcribe, new.Transcribe) {
		d.TranscribeChanged = true
	}

	return d
}
