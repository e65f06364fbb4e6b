package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4.1-mini", Options: map[string]any{"timeout": "30s"}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiff_SessionTuning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"duration", func(c *config.Config) { c.Session.Duration = 3 * time.Minute }},
		{"gate", func(c *config.Config) { c.Session.Gate.Threshold = 0.05 }},
		{"turn detection", func(c *config.Config) { c.Session.Agent.TurnDetection.SilenceDuration = time.Second }},
		{"scenario", func(c *config.Config) { c.Session.Scenario = "university" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !d.SessionChanged {
				t.Error("expected SessionChanged=true")
			}
			if d.EvaluationChanged || len(d.RestartRequired) != 0 {
				t.Errorf("unexpected changes: %+v", d)
			}
		})
	}
}

func TestDiff_EvaluationChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Evaluation.Language = "Japanese"

	d := config.Diff(old, new)
	if !d.EvaluationChanged || d.SessionChanged {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Providers.LLM.Options = map[string]any{"timeout": "60s"}
	new.Providers.Search.Name = "duckduckgo"
	new.Storage.ArchiveDir = "elsewhere"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "providers.llm", "providers.search", "storage"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("diff with restart-only changes should not be empty")
	}
}
