// Command kaiwa runs the English conversation practice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kaiwa-lab/kaiwa/internal/apicheck"
	"github.com/kaiwa-lab/kaiwa/internal/app"
	"github.com/kaiwa-lab/kaiwa/internal/config"
	"github.com/kaiwa-lab/kaiwa/internal/display"
	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/pkg/audio"
	"github.com/kaiwa-lab/kaiwa/pkg/audio/portaudio"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm/anyllm"
	oaillm "github.com/kaiwa-lab/kaiwa/pkg/provider/llm/openai"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	oairt "github.com/kaiwa-lab/kaiwa/pkg/provider/realtime/openai"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search/duckduckgo"
)

const defaultConfigPath = "config.yaml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file with API keys; ignored when missing")
	check := flag.Bool("check", false, "check the configured API keys and exit")
	selfTest := flag.Bool("selftest", false, "record three seconds from the microphone, play it back and exit")
	flag.Parse()

	// Keys from the environment win over the dotenv file.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "kaiwa: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	path := *configPath
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		// Running without a config file is fine; defaults plus env keys apply.
		path = ""
		cfg, err = config.Load(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaiwa: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *check {
		return runCheck(ctx, cfg)
	}

	backend, err := portaudio.New()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer backend.Close()
	devices := audio.NewIO(backend)

	if *selfTest {
		return runSelfTest(ctx, devices)
	}

	slog.Info("kaiwa starting",
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	telemetry, err := observe.Setup(ctx, observe.ProviderConfig{ServiceName: "kaiwa", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithDevices(devices), app.WithTelemetry(telemetry))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if path != "" {
		watcher, err := config.NewWatcher(path, func(_, next *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.SessionChanged || d.EvaluationChanged {
				application.Reconfigure(next)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runCheck lists the models of every configured key and prints the outcome.
func runCheck(ctx context.Context, cfg *config.Config) int {
	checker := apicheck.New(0, app.CheckTargets(cfg)...)
	results := checker.CheckAll(ctx)
	fmt.Println(display.APIChecks(results))
	if err := checker.Ready(ctx); err != nil {
		return 1
	}
	return 0
}

func runSelfTest(ctx context.Context, devices *audio.IO) int {
	fmt.Println("Speak now for three seconds...")
	peak, err := app.SelfTest(ctx, devices)
	name := "(none)"
	if dev, ok := devices.Selector().LastGood(audio.Input); ok {
		name = dev.Name
	}
	fmt.Println(display.SelfTest(peak, name, err))
	if err != nil {
		return 1
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []oairt.Option
		if entry.Model != "" {
			opts = append(opts, oairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairt.WithBaseURL(entry.BaseURL))
		}
		return oairt.New(entry.APIKey, opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai and openrouter speak the same chat completions protocol.
	for name, baseURL := range map[string]string{
		"openai":     "",
		"openrouter": oaillm.OpenRouterBaseURL,
	} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []oaillm.Option
			if entry.BaseURL != "" {
				opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
			} else if baseURL != "" {
				opts = append(opts, oaillm.WithBaseURL(baseURL))
			}
			if d := optDuration(entry.Options, "timeout"); d > 0 {
				opts = append(opts, oaillm.WithTimeout(d))
			}
			if n, ok := entry.Options["max_retries"].(int); ok && n >= 0 {
				opts = append(opts, oaillm.WithMaxRetries(n))
			}
			return oaillm.New(entry.APIKey, entry.Model, opts...)
		})
	}

	for _, name := range []string{"anthropic", "gemini", "groq", "mistral", "ollama"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it has no API key.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Search ────────────────────────────────────────────────────────────────

	reg.RegisterSearch("duckduckgo", func(entry config.ProviderEntry) (search.Provider, error) {
		var opts []duckduckgo.Option
		if entry.BaseURL != "" {
			opts = append(opts, duckduckgo.WithBaseURL(entry.BaseURL))
		}
		if ua := optString(entry.Options, "user_agent"); ua != "" {
			opts = append(opts, duckduckgo.WithUserAgent(ua))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, duckduckgo.WithTimeout(d))
		}
		return duckduckgo.New(opts...), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	rt, err := reg.CreateRealtime(cfg.Providers.Realtime)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", cfg.Providers.Realtime.Name, err)
	}
	ps.Realtime = rt
	slog.Info("provider created", "kind", "realtime", "name", cfg.Providers.Realtime.Name)

	scorer, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = scorer
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if name := cfg.Providers.LLMFallback.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not available, skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm fallback provider %q: %w", name, err)
		} else {
			ps.LLMFallback = p
			slog.Info("provider created", "kind", "llm_fallback", "name", name)
		}
	}

	if name := cfg.Providers.Search.Name; name != "" {
		p, err := reg.CreateSearch(cfg.Providers.Search)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("search provider not available, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create search provider %q: %w", name, err)
		} else {
			ps.Search = p
			slog.Info("provider created", "kind", "search", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Kaiwa startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Realtime", cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model)
	printProvider("Scoring", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	printProvider("Search", cfg.Providers.Search.Name, "")
	fmt.Printf("║  Scenario        : %-19s ║\n", cfg.Session.Scenario)
	fmt.Printf("║  Duration        : %-19s ║\n", cfg.Session.Duration)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from Options. Invalid
// or missing values yield zero.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
