// Package config provides the configuration schema, loader, and provider
// registry for the Calm Recall server.
package config

// LogLevel controls log verbosity for the Calm Recall server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Calm Recall.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Store      StoreConfig    `yaml:"store"`
	Matching   MatchingConfig `yaml:"matching"`
	Transcribe ProviderEntry  `yaml:"transcribe"`
}

// ServerConfig holds network and logging settings for the Calm Recall server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StoreConfig selects the question repository backend.
type StoreConfig struct {
	// PostgresDSN is the connection string for the PostgreSQL-backed store.
	// When empty the server keeps questions in memory, losing them on
	// restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MatchingConfig tunes the phrase pipeline. Every field is optional; zero
// values fall back to the built-in defaults, which are tuned for the
// repeated-question patterns this system was built around.
type MatchingConfig struct {
	// DenyList replaces the echo deny-list: raw transcripts containing any
	// of these substrings are discarded as playback echo.
	DenyList []string `yaml:"deny_list"`

	// GreetingTokens replaces the leading name/greeting/filler tokens
	// stripped before matching.
	GreetingTokens []string `yaml:"greeting_tokens"`

	// QuestionStarts replaces the tokens that mark a question inside a long
	// concatenated transcript.
	QuestionStarts []string `yaml:"question_starts"`

	// Synonyms replaces the question-token synonym table, mapping a
	// question token to candidate tokens that count as matching it.
	Synonyms map[string][]string `yaml:"synonyms"`

	// CoreWords replaces the core question structure word set.
	CoreWords []string `yaml:"core_words"`

	// PhoneticAssist enables second-chance phonetic token matching for
	// misheard words.
	PhoneticAssist bool `yaml:"phonetic_assist"`

	// CooldownMs is the per-question re-trigger cooldown in milliseconds.
	CooldownMs int `yaml:"cooldown_ms"`

	// BatchDelayMs is the quiet period after an accepted phrase before
	// matching runs, in milliseconds.
	BatchDelayMs int `yaml:"batch_delay_ms"`

	// WatchdogIntervalMs is the stuck-state sweep interval in milliseconds.
	WatchdogIntervalMs int `yaml:"watchdog_interval_ms"`

	// StaleAfterMs is how long held pipeline state may sit without
	// transcript activity before a full reset, in milliseconds.
	StaleAfterMs int `yaml:"stale_after_ms"`
}

// ProviderEntry configures the answer-transcription backend. The Name field
// is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered transcriber implementation
	// (e.g., "whisper", "whisper-native", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint, or points at
	// the whisper-server for the "whisper" provider.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1",
	// "base.en"), or the model file path for "whisper-native".
	Model string `yaml:"model"`

	// Language is the BCP-47 language code for transcription.
	Language string `yaml:"language"`

	// Fallbacks lists backup transcribers tried in order when this one
	// fails. Fallback entries cannot themselves carry fallbacks.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}
