// Package app wires the kaiwa subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the evaluation
// pipeline, storage and conversation orchestrator, Run serves the control
// listener until the context ends, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithProgressStore, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kaiwa-lab/kaiwa/internal/apicheck"
	"github.com/kaiwa-lab/kaiwa/internal/config"
	"github.com/kaiwa-lab/kaiwa/internal/conversation"
	"github.com/kaiwa-lab/kaiwa/internal/display"
	"github.com/kaiwa-lab/kaiwa/internal/evaluation"
	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/internal/playback"
	"github.com/kaiwa-lab/kaiwa/internal/resilience"
	"github.com/kaiwa-lab/kaiwa/internal/session"
	"github.com/kaiwa-lab/kaiwa/internal/storage"
	"github.com/kaiwa-lab/kaiwa/pkg/audio"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	oaillm "github.com/kaiwa-lab/kaiwa/pkg/provider/llm/openai"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
	"github.com/kaiwa-lab/kaiwa/pkg/vad"
)

// siblingReadTimeout bounds the progress lookup feeding the aggregate phase.
const siblingReadTimeout = 2 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Realtime realtime.Provider
	LLM      llm.Provider

	// LLMFallback scores when LLM fails or its breaker is open. Optional.
	LLMFallback llm.Provider

	// Search backs the agent's lookup tool. Optional.
	Search search.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	devices  conversation.Devices
	clock    session.Clock
	metrics  *observe.Metrics
	scrape   http.Handler
	progress *storage.ProgressStore
	archive  *storage.Archive
	checker  *apicheck.Checker
	scorer   llm.Provider
	search   search.Provider
	breakers map[string]func() map[string]resilience.State
	out      io.Writer

	mu       sync.RWMutex
	pipeline *evaluation.Pipeline
	orch     *conversation.Orchestrator
	pending  *config.Config

	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects the audio devices instead of requiring the caller to
// open a backend.
func WithDevices(d conversation.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithProgressStore injects a progress store instead of opening the
// configured database.
func WithProgressStore(s *storage.ProgressStore) Option {
	return func(a *App) { a.progress = s }
}

// WithArchive injects the session archive.
func WithArchive(ar *storage.Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into t.Metrics and serves t's scrape endpoint on
// /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.scrape = t.Handler()
	}
}

// WithClock drives session timers from c instead of the wall clock.
func WithClock(c session.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithAPIChecker overrides the checker built from the provider config.
func WithAPIChecker(c *apicheck.Checker) Option {
	return func(a *App) { a.checker = c }
}

// WithOutput sets where finished-session reports are printed. Default
// os.Stdout; nil disables them.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// New creates an App by wiring all subsystems together. Devices must be
// injected with [WithDevices]; everything else is built from cfg when not
// injected.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}

	if providers == nil || providers.Realtime == nil {
		return nil, errors.New("app: realtime provider is required")
	}
	if providers.LLM == nil {
		return nil, errors.New("app: llm provider is required")
	}
	if a.devices == nil {
		return nil, errors.New("app: audio devices are required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Providers with fallbacks ──────────────────────────────────────
	a.initProviders()

	// ── 3. Evaluation + orchestrator ─────────────────────────────────────
	a.pipeline = a.newPipeline(cfg)
	orch, err := a.newOrchestrator(cfg, a.pipeline)
	if err != nil {
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}
	a.orch = orch

	// ── 4. API check + HTTP surface ──────────────────────────────────────
	if a.checker == nil {
		a.checker = apicheck.New(0, CheckTargets(cfg)...)
	}
	a.handler = a.routes()

	if ok, err := a.progress.HasAny(ctx); err == nil && ok {
		slog.Info("previous progress found", "path", cfg.Storage.ProgressPath)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStorage() error {
	if a.progress == nil {
		ps, err := storage.OpenProgress(a.cfg.Storage.ProgressPath)
		if err != nil {
			return err
		}
		a.progress = ps
		a.closers = append(a.closers, ps.Close)
	}
	if a.archive == nil {
		a.archive = storage.NewArchive(a.cfg.Storage.ArchiveDir, nil)
	}
	return nil
}

// initProviders puts the scoring model and the search backend behind
// circuit breakers. The scoring model falls back to LLMFallback when set.
func (a *App) initProviders() {
	scorer := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, a.fallbackConfig("llm"))
	if a.providers.LLMFallback != nil {
		scorer.AddFallback(a.cfg.Providers.LLMFallback.Name, a.providers.LLMFallback)
	}
	a.scorer = scorer
	a.breakers = map[string]func() map[string]resilience.State{"llm": scorer.States}

	if a.providers.Search != nil {
		sf := resilience.NewSearchFallback(a.providers.Search, a.cfg.Providers.Search.Name, a.fallbackConfig("search"))
		a.search = sf
		a.breakers["search"] = sf.States
	}
}

// fallbackConfig reports every backend call and breaker transition of kind
// to the metrics.
func (a *App) fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		OnAttempt: func(name string, err error) {
			a.metrics.RecordProviderAttempt(context.Background(), name, kind, err)
		},
	}
}

func (a *App) newPipeline(cfg *config.Config) *evaluation.Pipeline {
	e := cfg.Evaluation
	return evaluation.New(a.scorer, evaluation.Config{
		ScoringTimeout:   e.ScoringTimeout,
		AggregateTimeout: e.AggregateTimeout,
		Temperature:      e.Temperature,
		MaxTokens:        e.MaxTokens,
		Language:         e.Language,
		AggregateMin:     e.AggregateMin,
		AggregateMax:     e.AggregateMax,
		OnPhase: func(phase evaluation.Phase, d time.Duration, err error) {
			a.metrics.RecordEvaluationPhase(context.Background(), string(phase), d, err)
		},
	})
}

func (a *App) newOrchestrator(cfg *config.Config, pipeline *evaluation.Pipeline) (*conversation.Orchestrator, error) {
	s := cfg.Session
	td := s.Agent.TurnDetection
	return conversation.New(conversation.Config{
		Agent:         a.providers.Realtime,
		AgentName:     cfg.Providers.Realtime.Name,
		Devices:       a.devices,
		Evaluator:     pipeline,
		Search:        a.search,
		SearchResults: s.SearchResults,
		Clock:         a.clock,
		Duration:      s.Duration,
		Tick:          s.Tick,
		Scenario:      s.Scenario,
		MicGain:       s.MicGain,
		Gate: vad.Config{
			Threshold: s.Gate.Threshold,
			PreRoll:   s.Gate.PreRoll,
			PostRoll:  s.Gate.PostRoll,
		},
		Playback: playback.BufferConfig{
			Gain:      s.Playback.Gain,
			NoiseGate: s.Playback.NoiseGate,
			Ceiling:   s.Playback.Ceiling,
		},
		Tuning: conversation.AgentTuning{
			Temperature:        s.Agent.Temperature,
			MaxOutputTokens:    s.Agent.MaxOutputTokens,
			TranscriptionModel: s.Agent.TranscriptionModel,
			TurnDetection: realtime.TurnDetection{
				Threshold:       td.Threshold,
				PrefixPadding:   td.PrefixPadding,
				SilenceDuration: td.SilenceDuration,
			},
		},
		StopTimeout: s.StopTimeout,
		Aggregate:   a.aggregateInput,
		OnResult:    a.onResult,
		Metrics:     a.metrics,
	})
}

// CheckTargets lists the OpenAI-compatible endpoints whose keys are checked.
func CheckTargets(cfg *config.Config) []apicheck.Target {
	var targets []apicheck.Target
	seen := make(map[string]bool)
	for _, e := range []struct {
		entry    config.ProviderEntry
		required bool
	}{
		{cfg.Providers.Realtime, true},
		{cfg.Providers.LLM, true},
		{cfg.Providers.LLMFallback, false},
	} {
		var name, baseURL string
		switch e.entry.Name {
		case "openai":
			name, baseURL = "OpenAI", e.entry.BaseURL
		case "openrouter":
			name, baseURL = "OpenRouter", e.entry.BaseURL
			if baseURL == "" {
				baseURL = oaillm.OpenRouterBaseURL
			}
		default:
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		targets = append(targets, apicheck.Target{
			Name:     name,
			APIKey:   e.entry.APIKey,
			BaseURL:  baseURL,
			Required: e.required,
		})
	}
	return targets
}

// ─── Session results ─────────────────────────────────────────────────────────

// aggregateInput reads the sibling assessments from the progress store.
func (a *App) aggregateInput() evaluation.AggregateInput {
	ctx, cancel := context.WithTimeout(context.Background(), siblingReadTimeout)
	defer cancel()

	var in evaluation.AggregateInput
	if p, ok, err := a.progress.Load(ctx, storage.ActivityListening); err != nil {
		slog.Warn("read listening progress", "err", err)
	} else if ok {
		in.ListeningDone, in.Listening = p.Completed, p.Results
	}
	if p, ok, err := a.progress.Load(ctx, storage.ActivityGrammar); err != nil {
		slog.Warn("read grammar progress", "err", err)
	} else if ok {
		in.GrammarDone, in.Grammar = p.Completed, p.Results
	}
	return in
}

// onResult archives an evaluated session, records conversation progress and
// prints the report.
func (a *App) onResult(rec conversation.Record) {
	log := slog.With("session_id", rec.SessionID)

	dir, err := a.archive.Save(storage.Session{
		ID:           rec.SessionID,
		Scenario:     rec.Scenario,
		Persona:      rec.Persona,
		Voice:        rec.Voice,
		StartedAt:    rec.StartedAt,
		Activity:     rec.Activity,
		EndReason:    string(rec.Reason),
		Turns:        rec.Turns,
		Notes:        rec.Notes,
		History:      rec.History,
		Result:       rec.Result,
		AIAudio:      rec.AIAudio,
		StudentAudio: rec.StudentAudio,
	})
	if err != nil {
		log.Error("archive session", "dir", dir, "err", err)
	} else {
		log.Info("session archived", "dir", dir)
	}

	score := rec.Result.OverallScore
	p := storage.Progress{
		Activity:  storage.ActivityConversation,
		Completed: true,
		FinalTime: session.FormatElapsed(rec.Activity),
		Score:     &score,
	}
	if rec.Result.Placeholder {
		p.Score = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), siblingReadTimeout)
	defer cancel()
	if err := a.progress.Save(ctx, p); err != nil {
		log.Error("save conversation progress", "err", err)
	}

	if a.out != nil {
		fmt.Fprintln(a.out, display.Result(rec.Result, 0))
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reconfigure queues cfg for the next session. Session and evaluation tuning
// are applied when a session is started while the previous one is fully
// finished; provider and storage changes need a restart.
func (a *App) Reconfigure(cfg *config.Config) {
	a.mu.Lock()
	a.pending = cfg
	a.mu.Unlock()
}

// orchestrator returns the current orchestrator after applying a queued
// config, if one is waiting and no session is live.
func (a *App) orchestrator() *conversation.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil || a.orch.State() != conversation.StateIdle || a.orch.Status().Evaluating {
		return a.orch
	}
	next := a.pending
	a.pending = nil

	d := config.Diff(a.cfg, next)
	pipeline := a.pipeline
	if d.EvaluationChanged {
		pipeline = a.newPipeline(next)
	}
	orch, err := a.newOrchestrator(next, pipeline)
	if err != nil {
		slog.Warn("reloaded session settings rejected; keeping previous", "err", err)
		return a.orch
	}
	a.cfg, a.pipeline, a.orch = next, pipeline, orch
	slog.Info("session settings reloaded",
		"duration", next.Session.Duration,
		"scenario", next.Session.Scenario,
		"evaluation_changed", d.EvaluationChanged,
	)
	return a.orch
}

// Orchestrator returns the live orchestrator.
func (a *App) Orchestrator() *conversation.Orchestrator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.orch
}

// Handler returns the control, health and metrics routes.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control listener and blocks until ctx is cancelled or the
// listener fails. On cancellation the listener is drained and Run returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	a.mu.RLock()
	addr := a.cfg.Server.ListenAddr
	a.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.mu.RLock()
	tls := a.cfg.Server.TLS
	a.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "listen_addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels a live session, waits for its evaluation to be archived
// and then runs the closers. It respects the context deadline: if ctx
// expires first, the remaining closers still run and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		orch := a.Orchestrator()
		if st := orch.State(); st == conversation.StateRunning || st == conversation.StatePaused {
			if err := orch.Cancel(); err != nil {
				slog.Warn("cancel session", "err", err)
			}
		}
		if err := orch.Wait(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded before evaluation finished", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Self-test ───────────────────────────────────────────────────────────────

// SelfTestDuration and SelfTestGain match the launcher's device check.
const (
	SelfTestDuration = 3 * time.Second
	SelfTestGain     = 10.0
)

// SelfTest records from the microphone, plays the recording back amplified
// and returns the recorded peak on a 0-1 scale.
func SelfTest(ctx context.Context, dev *audio.IO) (float64, error) {
	samples, err := dev.Record(ctx, SelfTestDuration, audio.AgentSampleRate)
	if err != nil {
		return 0, fmt.Errorf("app: self-test record: %w", err)
	}
	peak := audio.Peak(samples)
	if _, err := dev.Play(ctx, samples, audio.AgentSampleRate, SelfTestGain); err != nil {
		return peak, fmt.Errorf("app: self-test playback: %w", err)
	}
	return peak, nil
}
