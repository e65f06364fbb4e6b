package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/config"
)

func TestOptDuration(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"timeout": "45s", "bad": "soon", "number": 30}
	tests := []struct {
		key  string
		want time.Duration
	}{
		{"timeout", 45 * time.Second},
		{"bad", 0},
		{"number", 0},
		{"missing", 0},
	}
	for _, tc := range tests {
		if got := optDuration(opts, tc.key); got != tc.want {
			t.Errorf("optDuration(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Providers.Realtime.APIKey = "sk-test"
	cfg.Providers.LLM.APIKey = "sk-test"
	cfg.Providers.LLMFallback = config.ProviderEntry{Name: "openrouter", APIKey: "or-test", Model: "openai/gpt-4.1-mini"}
	cfg.Providers.Search = config.ProviderEntry{Name: "duckduckgo", Options: map[string]any{"timeout": "5s"}}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Realtime == nil || ps.LLM == nil || ps.LLMFallback == nil || ps.Search == nil {
		t.Errorf("missing providers: %+v", ps)
	}
}

func TestBuildProviders_UnknownRealtime(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Providers.Realtime.Name = "nope"

	if _, err := buildProviders(cfg, reg); err == nil {
		t.Fatal("expected error for unregistered realtime provider")
	}
}
