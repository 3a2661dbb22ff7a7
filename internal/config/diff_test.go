package config_test

import (
	"testing"

	"github.com/calm-recall/calmrecall/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Store:    config.StoreConfig{PostgresDSN: "postgres://localhost/calmrecall"},
		Matching: config.MatchingConfig{CooldownMs: 8000, PhoneticAssist: true},
	}
	d := config.Diff(cfg, cfg)
	if d.MatchingChanged || d.LogLevelChanged || d.StoreChanged || d.TranscribeChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.MatchingChanged || d.StoreChanged || d.TranscribeChanged {
		t.Errorf("only the log level changed, got %+v", d)
	}
}

func TestDiff_MatchingSynonymsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Matching: config.MatchingConfig{
			Synonyms: map[string][]string{"keys": {"key", "car"}},
		},
	}
	new := &config.Config{
		Matching: config.MatchingConfig{
			Synonyms: map[string][]string{"keys": {"key", "car", "house"}},
		},
	}

	d := config.Diff(old, new)
	if !d.MatchingChanged {
		t.Error("expected MatchingChanged=true for synonym table change")
	}
}

func TestDiff_MatchingCooldownChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Matching: config.MatchingConfig{CooldownMs: 8000}}
	new := &config.Config{Matching: config.MatchingConfig{CooldownMs: 12000}}

	d := config.Diff(old, new)
	if !d.MatchingChanged {
		t.Error("expected MatchingChanged=true for cooldown change")
	}
	if d.LogLevelChanged || d.StoreChanged || d.TranscribeChanged {
		t.Errorf("only matching changed, got %+v", d)
	}
}

func TestDiff_StoreChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Store: config.StoreConfig{PostgresDSN: "postgres://a/db"}}
	new := &config.Config{Store: config.StoreConfig{PostgresDSN: "postgres://b/db"}}

	d := config.Diff(old, new)
	if !d.StoreChanged {
		t.Error("expected StoreChanged=true")
	}
}

func TestDiff_TranscribeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Transcribe: config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:9000"}}
	new := &config.Config{Transcribe: config.ProviderEntry{Name: "openai", APIKey: "sk-test"}}

	d := config.Diff(old, new)
	if !d.TranscribeChanged {
		t.Error("expected TranscribeChanged=true")
	}
	if d.MatchingChanged || d.LogLevelChanged || d.StoreChanged {
		t.Errorf("only transcribe changed, got %+v", d)
	}
}

func TestDiff_TranscribeFallbacksChanged(t *testing.T) {
	t.Parallel()
	primary := config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:9000"}

	old := &config.Config{Transcribe: primary}
	new := &config.Config{Transcribe: primary}
	new.Transcribe.Fallbacks = []config.ProviderEntry{{Name: "openai", APIKey: "sk-test"}}

	d := config.Diff(old, new)
	if !d.TranscribeChanged {
		t.Error("expected TranscribeChanged=true when only the fallback chain differs")
	}

	// Identical chains, including fallbacks, report no change.
	old.Transcribe.Fallbacks = []config.ProviderEntry{{Name: "openai", APIKey: "sk-test"}}
	if d := config.Diff(old, new); d.TranscribeChanged {
		t.Error("expected TranscribeChanged=false for identical fallback chains")
	}
}
