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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"llm":      {"openai", "openrouter", "anthropic", "gemini", "ollama", "groq", "mistral"},
	"search":   {"duckduckgo"},
}

// envKeys lists, per provider name, the environment variables consulted by
// [ApplyEnv] in order of preference.
var envKeys = map[string][]string{
	"openai":     {"OPENAI_API_KEY", "OPENAI_API"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"gemini":     {"GEMINI_API_KEY"},
	"groq":       {"GROQ_API_KEY"},
	"mistral":    {"MISTRAL_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied and missing API keys taken from the process
// environment. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		ApplyEnv(cfg, os.LookupEnv)
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. It does not consult the environment.
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

// ApplyEnv fills empty API keys of the configured providers from the
// environment variables conventional for each provider name.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, entry := range []*ProviderEntry{
		&cfg.Providers.Realtime,
		&cfg.Providers.LLM,
		&cfg.Providers.LLMFallback,
	} {
		if entry.Name == "" || entry.APIKey != "" {
			continue
		}
		for _, key := range envKeys[entry.Name] {
			if v, ok := lookup(key); ok && v != "" {
				entry.APIKey = v
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.Realtime.Name == "" {
		errs = append(errs, errors.New("providers.realtime.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("search", cfg.Providers.Search.Name)
	if fb := cfg.Providers.LLMFallback; fb.Name != "" && fb.Name == cfg.Providers.LLM.Name && fb.Model == cfg.Providers.LLM.Model {
		slog.Warn("providers.llm_fallback is identical to providers.llm; it will not help when the primary fails",
			"name", fb.Name,
			"model", fb.Model,
		)
	}

	// Session
	s := cfg.Session
	if s.Duration < 0 {
		errs = append(errs, fmt.Errorf("session.duration %s must not be negative", s.Duration))
	}
	if s.Tick < 0 || (s.Duration > 0 && s.Tick > s.Duration) {
		errs = append(errs, fmt.Errorf("session.tick %s must be positive and no longer than session.duration", s.Tick))
	}
	if s.MicGain < 0 {
		errs = append(errs, fmt.Errorf("session.mic_gain %.2f must not be negative", s.MicGain))
	}
	if s.Gate.Threshold < 0 || s.Gate.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.gate.threshold %.3f is out of range [0, 1]", s.Gate.Threshold))
	}
	if s.Gate.PreRoll < 0 || s.Gate.PostRoll < 0 {
		errs = append(errs, errors.New("session.gate.pre_roll and post_roll must not be negative"))
	}
	if s.Playback.Gain < 0 || s.Playback.NoiseGate < 0 || s.Playback.Ceiling < 0 {
		errs = append(errs, errors.New("session.playback values must not be negative"))
	}
	if t := s.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("session.agent.temperature %.2f is out of range [0, 2]", t))
	}
	if td := s.Agent.TurnDetection; td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.agent.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}

	// Evaluation
	e := cfg.Evaluation
	if e.Temperature < 0 || e.Temperature > 2 {
		errs = append(errs, fmt.Errorf("evaluation.temperature %.2f is out of range [0, 2]", e.Temperature))
	}
	if e.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("evaluation.max_tokens %d must not be negative", e.MaxTokens))
	}
	if (e.AggregateMin != 0 || e.AggregateMax != 0) && e.AggregateMin >= e.AggregateMax {
		errs = append(errs, fmt.Errorf("evaluation.aggregate_min %d must be below aggregate_max %d", e.AggregateMin, e.AggregateMax))
	}

	// Storage
	if cfg.Storage.ArchiveDir != "" && cfg.Storage.ArchiveDir == cfg.Storage.ProgressPath {
		errs = append(errs, errors.New("storage.archive_dir and storage.progress_path must differ"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a provider registered at runtime",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
