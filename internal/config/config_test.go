package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/config"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	llmmock "github.com/kaiwa-lab/kaiwa/pkg/provider/llm/mock"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	rtmock "github.com/kaiwa-lab/kaiwa/pkg/provider/realtime/mock"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
	searchmock "github.com/kaiwa-lab/kaiwa/pkg/provider/search/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug

providers:
  realtime:
    name: openai
    api_key: sk-test
    model: gpt-realtime
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4.1-mini
  llm_fallback:
    name: openrouter
    api_key: or-test
    model: openai/gpt-4.1-mini
  search:
    name: duckduckgo

session:
  duration: 5m
  tick: 250ms
  scenario: directions
  mic_gain: 1.5
  search_results: 5
  gate:
    threshold: 0.02
    pre_roll: 8
    post_roll: 16
  playback:
    gain: 1.2
    noise_gate: 0.001
  agent:
    temperature: 0.8
    max_output_tokens: 800
    transcription_model: whisper-1
    turn_detection:
      threshold: 0.5
      prefix_padding: 300ms
      silence_duration: 700ms

evaluation:
  scoring_timeout: 45s
  aggregate_timeout: 30s
  temperature: 0.3
  max_tokens: 2000
  language: Japanese

storage:
  archive_dir: /var/lib/kaiwa/records
  progress_path: /var/lib/kaiwa/progress.db
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLMFallback.Name != "openrouter" {
		t.Errorf("llm_fallback.name: got %q", cfg.Providers.LLMFallback.Name)
	}
	if cfg.Session.Duration != 5*time.Minute {
		t.Errorf("session.duration: got %s", cfg.Session.Duration)
	}
	if cfg.Session.Gate.PreRoll != 8 || cfg.Session.Gate.PostRoll != 16 {
		t.Errorf("session.gate: got %+v", cfg.Session.Gate)
	}
	if cfg.Session.Agent.TurnDetection.SilenceDuration != 700*time.Millisecond {
		t.Errorf("turn_detection.silence_duration: got %s", cfg.Session.Agent.TurnDetection.SilenceDuration)
	}
	if cfg.Evaluation.ScoringTimeout != 45*time.Second {
		t.Errorf("evaluation.scoring_timeout: got %s", cfg.Evaluation.ScoringTimeout)
	}
	if cfg.Evaluation.AggregateTimeout != 30*time.Second {
		t.Errorf("evaluation.aggregate_timeout: got %s", cfg.Evaluation.AggregateTimeout)
	}
	if cfg.Storage.ProgressPath != "/var/lib/kaiwa/progress.db" {
		t.Errorf("storage.progress_path: got %q", cfg.Storage.ProgressPath)
	}
	// Explicit values survive defaulting.
	if cfg.Session.MicGain != 1.5 {
		t.Errorf("session.mic_gain: got %v", cfg.Session.MicGain)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, "")
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.Realtime.Name != "openai" || cfg.Providers.Realtime.Model != config.DefaultRealtimeModel {
		t.Errorf("realtime: got %+v", cfg.Providers.Realtime)
	}
	if cfg.Session.Duration != config.DefaultSessionDuration {
		t.Errorf("session.duration: got %s", cfg.Session.Duration)
	}
	if cfg.Session.Scenario != config.DefaultScenario {
		t.Errorf("session.scenario: got %q", cfg.Session.Scenario)
	}
	if cfg.Session.MicGain != config.DefaultMicGain {
		t.Errorf("session.mic_gain: got %v", cfg.Session.MicGain)
	}
	if cfg.Storage.ArchiveDir != config.DefaultArchiveDir {
		t.Errorf("storage.archive_dir: got %q", cfg.Storage.ArchiveDir)
	}
	if cfg.Providers.Search.Name != "" {
		t.Errorf("search should stay disabled by default, got %q", cfg.Providers.Search.Name)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := load(t, "session:\n  minutes: 5\n")
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "log_level"},
		{"tls without key", "server:\n  tls:\n    cert_file: cert.pem\n", "server.tls"},
		{"negative duration", "session:\n  duration: -1m\n", "session.duration"},
		{"tick longer than duration", "session:\n  duration: 10s\n  tick: 1m\n", "session.tick"},
		{"negative mic gain", "session:\n  mic_gain: -2\n", "mic_gain"},
		{"gate threshold", "session:\n  gate:\n    threshold: 1.5\n", "gate.threshold"},
		{"negative pre-roll", "session:\n  gate:\n    pre_roll: -1\n", "pre_roll"},
		{"negative playback", "session:\n  playback:\n    ceiling: -1\n", "playback"},
		{"agent temperature", "session:\n  agent:\n    temperature: 3\n", "agent.temperature"},
		{"turn detection threshold", "session:\n  agent:\n    turn_detection:\n      threshold: 2\n", "turn_detection.threshold"},
		{"evaluation temperature", "evaluation:\n  temperature: -0.1\n", "evaluation.temperature"},
		{"aggregate bounds", "evaluation:\n  aggregate_min: 500\n  aggregate_max: 100\n", "aggregate_min"},
		{"same storage path", "storage:\n  archive_dir: data\n  progress_path: data\n", "must differ"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tc.yaml)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	_, err := load(t, "server:\n  log_level: loud\nsession:\n  mic_gain: -1\n")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "mic_gain"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"OPENAI_API":         "sk-legacy",
		"OPENROUTER_API_KEY": "or-env",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := load(t, `
providers:
  llm:
    name: openai
    api_key: sk-explicit
  llm_fallback:
    name: openrouter
    model: openai/gpt-4.1-mini
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config.ApplyEnv(cfg, lookup)

	if got := cfg.Providers.Realtime.APIKey; got != "sk-legacy" {
		t.Errorf("realtime key: got %q, want fallback to OPENAI_API", got)
	}
	if got := cfg.Providers.LLM.APIKey; got != "sk-explicit" {
		t.Errorf("explicit llm key was overwritten: %q", got)
	}
	if got := cfg.Providers.LLMFallback.APIKey; got != "or-env" {
		t.Errorf("fallback key: got %q", got)
	}

	env["OPENAI_API_KEY"] = "sk-primary"
	cfg.Providers.Realtime.APIKey = ""
	config.ApplyEnv(cfg, lookup)
	if got := cfg.Providers.Realtime.APIKey; got != "sk-primary" {
		t.Errorf("OPENAI_API_KEY should win over OPENAI_API, got %q", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateRealtime(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("realtime: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("llm: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateSearch(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("search: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	wantRT := &rtmock.Provider{}
	wantLLM := &llmmock.Provider{}
	wantSearch := &searchmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterRealtime("stub", func(e config.ProviderEntry) (realtime.Provider, error) {
		gotEntry = e
		return wantRT, nil
	})
	reg.RegisterLLM("stub", func(config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	reg.RegisterSearch("stub", func(config.ProviderEntry) (search.Provider, error) { return wantSearch, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "m1"}
	if got, err := reg.CreateRealtime(entry); err != nil || got != wantRT {
		t.Errorf("CreateRealtime = %v, %v", got, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if got, err := reg.CreateLLM(entry); err != nil || got != wantLLM {
		t.Errorf("CreateLLM = %v, %v", got, err)
	}
	if got, err := reg.CreateSearch(entry); err != nil || got != wantSearch {
		t.Errorf("CreateSearch = %v, %v", got, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factoryErr := errors.New("missing api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, factoryErr
	})
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, factoryErr) {
		t.Errorf("expected factory error, got %v", err)
	}
}
