// Package config provides the configuration schema, loader, and provider registry
// for the kaiwa conversation engine.
package config

import "time"

// LogLevel controls log verbosity for the kaiwa process.
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

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr       = "127.0.0.1:8765"
	DefaultRealtimeModel    = "gpt-realtime"
	DefaultScoringModel     = "gpt-4.1-mini"
	DefaultSessionDuration  = time.Minute
	DefaultTick             = 100 * time.Millisecond
	DefaultScenario         = "teacher"
	DefaultMicGain          = 2.0
	DefaultStopTimeout      = 2 * time.Second
	DefaultSearchResults    = 3
	DefaultScoringTimeout   = 90 * time.Second
	DefaultAggregateTimeout = 60 * time.Second
	DefaultArchiveDir       = "records"
	DefaultProgressPath     = "progress.db"
)

// Config is the root configuration structure for kaiwa.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds the control listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control, health and metrics
	// listener (e.g., "127.0.0.1:8765"). Keep it on loopback: the session
	// endpoints are unauthenticated.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation serves each role.
// Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Realtime is the duplex speech agent.
	Realtime ProviderEntry `yaml:"realtime"`

	// LLM scores finished sessions.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback is tried when LLM fails. Optional.
	LLMFallback ProviderEntry `yaml:"llm_fallback"`

	// Search backs the agent's information lookup tool. Optional; when
	// empty the tool is not offered.
	Search ProviderEntry `yaml:"search"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "openrouter").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-realtime").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes one conversation session.
type SessionConfig struct {
	// Duration is the activity budget of a session.
	Duration time.Duration `yaml:"duration"`

	// Tick is the clock's status update period.
	Tick time.Duration `yaml:"tick"`

	// Scenario is the default scenario ID.
	Scenario string `yaml:"scenario"`

	// MicGain multiplies captured samples before gating.
	MicGain float64 `yaml:"mic_gain"`

	// StopTimeout bounds each join during session teardown.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// SearchResults caps the results returned by the search tool.
	SearchResults int `yaml:"search_results"`

	Gate     GateConfig     `yaml:"gate"`
	Playback PlaybackConfig `yaml:"playback"`
	Agent    AgentConfig    `yaml:"agent"`
}

// GateConfig configures the local voice activity gate. Zero values use the
// gate defaults.
type GateConfig struct {
	// Threshold is the RMS level, on a 0-1 scale, that counts as speech.
	Threshold float64 `yaml:"threshold"`

	// PreRoll is the number of chunks replayed when speech starts.
	PreRoll int `yaml:"pre_roll"`

	// PostRoll is the number of quiet chunks still sent after speech.
	PostRoll int `yaml:"post_roll"`
}

// PlaybackConfig configures the agent audio buffer.
type PlaybackConfig struct {
	Gain      float64 `yaml:"gain"`
	NoiseGate float64 `yaml:"noise_gate"`

	// Ceiling is the largest block, in samples, written to the device at once.
	Ceiling int `yaml:"ceiling"`
}

// AgentConfig tunes the realtime agent.
type AgentConfig struct {
	Temperature        float64 `yaml:"temperature"`
	MaxOutputTokens    int     `yaml:"max_output_tokens"`
	TranscriptionModel string  `yaml:"transcription_model"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig tunes the agent's server-side end-of-turn detector.
type TurnDetectionConfig struct {
	Threshold       float64       `yaml:"threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

// EvaluationConfig tunes the scoring pipeline.
type EvaluationConfig struct {
	// ScoringTimeout bounds the session scoring phase.
	ScoringTimeout time.Duration `yaml:"scoring_timeout"`
	// AggregateTimeout bounds the aggregate prediction phase.
	AggregateTimeout time.Duration `yaml:"aggregate_timeout"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Language is the language feedback is written in.
	Language string `yaml:"language"`

	// AggregateMin and AggregateMax bound the predicted aggregate score.
	// Both zero uses the pipeline defaults.
	AggregateMin int `yaml:"aggregate_min"`
	AggregateMax int `yaml:"aggregate_max"`
}

// StorageConfig locates persisted session artifacts.
type StorageConfig struct {
	// ArchiveDir holds one TestRecord_* folder per finished session.
	ArchiveDir string `yaml:"archive_dir"`

	// ProgressPath is the sqlite database of per-activity progress.
	ProgressPath string `yaml:"progress_path"`
}

// ApplyDefaults fills unset fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Providers.Realtime.Name == "" {
		cfg.Providers.Realtime.Name = "openai"
	}
	if cfg.Providers.Realtime.Model == "" {
		cfg.Providers.Realtime.Model = DefaultRealtimeModel
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "openai"
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = DefaultScoringModel
	}

	s := &cfg.Session
	if s.Duration <= 0 {
		s.Duration = DefaultSessionDuration
	}
	if s.Tick <= 0 {
		s.Tick = DefaultTick
	}
	if s.Scenario == "" {
		s.Scenario = DefaultScenario
	}
	if s.MicGain == 0 {
		s.MicGain = DefaultMicGain
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.SearchResults <= 0 {
		s.SearchResults = DefaultSearchResults
	}

	if cfg.Evaluation.ScoringTimeout <= 0 {
		cfg.Evaluation.ScoringTimeout = DefaultScoringTimeout
	}
	if cfg.Evaluation.AggregateTimeout <= 0 {
		cfg.Evaluation.AggregateTimeout = DefaultAggregateTimeout
	}

	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = DefaultArchiveDir
	}
	if cfg.Storage.ProgressPath == "" {
		cfg.Storage.ProgressPath = DefaultProgressPath
	}
}
