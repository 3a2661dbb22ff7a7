package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTranscriberNames lists the known transcriber provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidTranscriberNames = []string{"whisper", "whisper-native", "openai", "none"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Matching durations: zero means "use default", negatives are mistakes.
	for _, d := range []struct {
		name string
		ms   int
	}{
		{"matching.cooldown_ms", cfg.Matching.CooldownMs},
		{"matching.batch_delay_ms", cfg.Matching.BatchDelayMs},
		{"matching.watchdog_interval_ms", cfg.Matching.WatchdogIntervalMs},
		{"matching.stale_after_ms", cfg.Matching.StaleAfterMs},
	} {
		if d.ms < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", d.name, d.ms))
		}
	}
	if cfg.Matching.WatchdogIntervalMs > 0 && cfg.Matching.StaleAfterMs > 0 &&
		cfg.Matching.StaleAfterMs < cfg.Matching.WatchdogIntervalMs {
		errs = append(errs, fmt.Errorf(
			"matching.stale_after_ms (%d) must be at least matching.watchdog_interval_ms (%d)",
			cfg.Matching.StaleAfterMs, cfg.Matching.WatchdogIntervalMs))
	}

	// Synonym table entries must not be empty.
	for token, syns := range cfg.Matching.Synonyms {
		if len(syns) == 0 {
			errs = append(errs, fmt.Errorf("matching.synonyms[%q] has no entries", token))
		}
	}

	// Transcriber, plus any failover entries.
	errs = append(errs, validateProviderEntry("transcribe", cfg.Transcribe)...)
	for i, fb := range cfg.Transcribe.Fallbacks {
		prefix := fmt.Sprintf("transcribe.fallbacks[%d]", i)
		if fb.Name == "" || fb.Name == "none" {
			errs = append(errs, fmt.Errorf("%s.name must name a transcriber", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s must not have nested fallbacks", prefix))
		}
		errs = append(errs, validateProviderEntry(prefix, fb)...)
	}

	// Store availability warning
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; questions live in memory and are lost on restart")
	}
	if cfg.Transcribe.Name == "" || cfg.Transcribe.Name == "none" {
		slog.Warn("no transcriber configured; recorded answers keep their typed text instead of a transcript")
	}

	return errors.Join(errs...)
}

// validateProviderEntry checks the per-provider required fields of one
// transcriber entry. prefix names the entry's position in the config tree
// for error messages.
func validateProviderEntry(prefix string, e ProviderEntry) []error {
	if e.Name != "" && !slices.Contains(ValidTranscriberNames, e.Name) {
		slog.Warn("unknown transcriber name — may be a typo or third-party provider",
			"name", e.Name,
			"known", ValidTranscriberNames,
		)
	}

	var errs []error
	switch e.Name {
	case "whisper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the whisper provider (whisper-server address)", prefix))
		}
	case "whisper-native":
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for the whisper-native provider (model file path)", prefix))
		}
	case "openai":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for the openai provider", prefix))
		}
	}
	return errs
}
