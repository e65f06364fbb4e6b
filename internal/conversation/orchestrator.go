// Package conversation runs one timed roleplay session between the student
// and the realtime agent.
//
// The [Orchestrator] owns the session lifecycle:
//
//	Idle -> Running <-> Paused
//	Running|Paused -> Stopping -> Idle   (cancel, deadline, lost connection)
//
// While running, microphone audio flows capture callback -> hand-off channel
// -> worker (mic gain, loudness gate) -> agent, and agent audio flows event
// loop -> playback buffer -> drain loop -> speaker. Transcript fragments and
// tool-recorded notes accumulate until the session ends, when the evaluation
// pipeline scores them in the background.
//
// Exactly one terminal transition happens per session. Every failure path
// releases the devices and the agent connection.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaiwa-lab/kaiwa/internal/evaluation"
	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/internal/playback"
	"github.com/kaiwa-lab/kaiwa/internal/session"
	"github.com/kaiwa-lab/kaiwa/internal/tools"
	notestool "github.com/kaiwa-lab/kaiwa/internal/tools/notes"
	searchtool "github.com/kaiwa-lab/kaiwa/internal/tools/search"
	"github.com/kaiwa-lab/kaiwa/internal/transcript"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
	"github.com/kaiwa-lab/kaiwa/pkg/vad"
)

// Defaults for [Config].
const (
	DefaultMicGain     = 2.0
	DefaultStopTimeout = 2 * time.Second
	DefaultAgentName   = "openai"
)

var (
	// ErrSessionActive is returned by Start while a session or its
	// evaluation is unfinished.
	ErrSessionActive = errors.New("conversation: a session is already active")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the current state.
	ErrInvalidTransition = errors.New("conversation: invalid state transition")

	// ErrUnknownScenario is returned by Start for an unknown scenario ID.
	ErrUnknownScenario = errors.New("conversation: unknown scenario")
)

// ConnectionError reports that the agent link could not be established or
// was lost. The session cannot continue until it is started again.
type ConnectionError struct {
	Err error
}

// Error implements error.
func (e *ConnectionError) Error() string { return "conversation: agent connection: " + e.Err.Error() }

// Unwrap returns the transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the session phase.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EndReason records why a session ended.
type EndReason string

const (
	EndCancelled     EndReason = "cancelled"
	EndDeadline      EndReason = "deadline"
	EndDisconnected  EndReason = "disconnected"
)

// Devices opens the capture and playback streams. *audio.IO satisfies it.
type Devices interface {
	Input
	playback.Output
}

// Evaluator scores a finished session. *evaluation.Pipeline satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req evaluation.Request, deliver func(evaluation.FinalResult))
	History() *evaluation.History
}

// AgentTuning holds the per-session agent parameters.
type AgentTuning struct {
	Temperature        float64
	MaxOutputTokens    int
	TranscriptionModel string
	TurnDetection      realtime.TurnDetection
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	// Agent opens the realtime session. Required.
	Agent realtime.Provider

	// AgentName labels connect metrics. Default "openai".
	AgentName string

	// Devices opens the microphone and speaker. Required.
	Devices Devices

	// Evaluator scores finished sessions. Required.
	Evaluator Evaluator

	// Search backs the search_information tool. Nil leaves the tool out.
	Search        search.Provider
	SearchResults int

	// Clock drives the session timers. Nil uses the wall clock.
	Clock session.Clock

	// Duration is the activity time limit. Default 1 minute.
	Duration time.Duration

	// Tick is the status refresh interval. Default 1 s.
	Tick time.Duration

	// Scenario is the default scenario ID. Default "teacher".
	Scenario string

	// MicGain multiplies microphone samples before gating. Default 2.0.
	MicGain float64

	// Gate tunes the loudness gate. The zero value uses vad.DefaultConfig.
	Gate vad.Config

	// Playback tunes agent audio shaping.
	Playback playback.BufferConfig

	// Tuning holds the agent session parameters.
	Tuning AgentTuning

	// StopTimeout bounds each join during teardown. Default 2 s.
	StopTimeout time.Duration

	// Rand picks the persona and voice. Nil uses a randomly seeded source.
	Rand *rand.Rand

	// Aggregate reports the sibling assessment state for phase 2. Nil means
	// neither sibling is complete.
	Aggregate func() evaluation.AggregateInput

	// OnResult receives the archived view of every evaluated session. It
	// runs on the evaluation goroutine.
	OnResult func(Record)

	// OnStatus receives a snapshot after every transition and clock tick. It
	// must return quickly.
	OnStatus func(Status)

	// Metrics is optional.
	Metrics *observe.Metrics

	// Now stamps records and notes. Nil uses time.Now.
	Now func() time.Time
}

// Record is everything kept about one finished, evaluated session.
type Record struct {
	SessionID string
	Scenario  string
	Persona   string
	Voice     string
	StartedAt time.Time
	Overall   time.Duration
	Activity  time.Duration
	Reason    EndReason

	Turns   []transcript.Turn
	Notes   []transcript.Note
	History []evaluation.Snapshot
	Result  evaluation.FinalResult

	// AIAudio and StudentAudio are mono PCM16 at 24 kHz.
	AIAudio      []int16
	StudentAudio []int16
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State      State                   `json:"state"`
	SessionID  string                  `json:"session_id,omitempty"`
	Scenario   string                  `json:"scenario,omitempty"`
	Persona    string                  `json:"persona,omitempty"`
	Voice      string                  `json:"voice,omitempty"`
	Overall    string                  `json:"overall"`
	Activity   string                  `json:"activity"`
	Remaining  string                  `json:"remaining"`
	Turns      int                     `json:"turns"`
	Notes      int                     `json:"notes"`
	Evaluating bool                    `json:"evaluating"`
	EndReason  EndReason               `json:"end_reason,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Result     *evaluation.FinalResult `json:"result,omitempty"`
}

// run holds the resources of one session.
type run struct {
	id        string
	ctx       context.Context
	span      trace.Span
	scenario  Scenario
	cast      Cast
	startedAt time.Time

	sess     realtime.Session
	capture  *capture
	clock    *session.SessionClock
	loopDone chan struct{}
	reopens  int64

	once   sync.Once
	reason EndReason
}

// Orchestrator coordinates one session at a time. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	tools   *tools.Registry
	buffer  *playback.Buffer
	player  *playback.Player
	pending atomic.Int32

	transcript *transcript.Transcript
	notes      *transcript.Notes
	aiRec      Recording
	studentRec Recording

	mu              sync.Mutex
	state           State
	run             *run
	last            *run
	lastErr         string
	lastResult      *evaluation.FinalResult
	lastFeedbackLen int
}

// New validates cfg and returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agent == nil {
		return nil, errors.New("conversation: agent provider is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("conversation: audio devices are required")
	}
	if cfg.Evaluator == nil {
		return nil, errors.New("conversation: evaluator is required")
	}
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	if cfg.Scenario == "" {
		cfg.Scenario = ScenarioTeacher
	}
	if _, ok := LookupScenario(cfg.Scenario); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, cfg.Scenario)
	}
	if cfg.MicGain <= 0 {
		cfg.MicGain = DefaultMicGain
	}
	if cfg.Gate == (vad.Config{}) {
		cfg.Gate = vad.DefaultConfig()
	}
	if err := cfg.Gate.Validate(); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:        cfg,
		transcript: transcript.New(),
		notes:      &transcript.Notes{},
	}

	var ts []tools.Tool
	if cfg.Search != nil {
		ts = append(ts, searchtool.Tool(cfg.Search, cfg.SearchResults))
	}
	ts = append(ts, notestool.Tool(o.notes, cfg.Now))
	reg, err := tools.NewRegistry(ts...)
	if err != nil {
		return nil, fmt.Errorf("conversation: tools: %w", err)
	}
	reg.SetObserver(func(name string, d time.Duration, err error) {
		cfg.Metrics.RecordToolCall(context.Background(), name, d, err)
	})
	o.tools = reg

	o.buffer = playback.NewBuffer(cfg.Playback)
	o.player = playback.NewPlayer(o.buffer, cfg.Devices, playback.PlayerConfig{
		OnWrite: func(_ int, d time.Duration) {
			cfg.Metrics.RecordPlaybackWrite(context.Background(), d)
		},
	})
	return o, nil
}

// StartOption customises one Start call.
type StartOption func(*startOptions)

type startOptions struct {
	scenario string
}

// WithScenario selects the scenario for this session.
func WithScenario(id string) StartOption {
	return func(o *startOptions) { o.scenario = id }
}

// Start opens a session: it connects to the agent, resets the session state,
// starts playback, capture and the clock, and sends the scenario trigger.
func (o *Orchestrator) Start(ctx context.Context, opts ...StartOption) error {
	if err := o.start(ctx, opts); err != nil {
		return err
	}
	o.publish()
	return nil
}

func (o *Orchestrator) start(ctx context.Context, opts []StartOption) (err error) {
	r, gate, err := o.claim(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			o.mu.Lock()
			o.lastErr = err.Error()
			o.state = StateIdle
			o.run = nil
			o.mu.Unlock()
			observe.EndSpan(r.span, err)
		}
	}()
	log := observe.Logger(r.ctx)

	// o.mu is not held from here on; StateStarting keeps other transitions out.
	duration := o.cfg.Duration
	if duration <= 0 {
		duration = session.DefaultDuration
	}
	connectStart := time.Now()
	sess, err := o.cfg.Agent.Connect(ctx, realtime.SessionConfig{
		Instructions:       r.scenario.Instructions(r.cast.Persona, duration),
		Voice:              r.cast.Voice,
		Tools:              o.tools.Definitions(),
		TurnDetection:      o.cfg.Tuning.TurnDetection,
		Temperature:        o.cfg.Tuning.Temperature,
		MaxOutputTokens:    o.cfg.Tuning.MaxOutputTokens,
		TranscriptionModel: o.cfg.Tuning.TranscriptionModel,
		ToolHandler:        o.tools.Handle,
	})
	o.cfg.Metrics.RecordConnect(ctx, o.cfg.AgentName, time.Since(connectStart), err)
	if err != nil {
		log.Error("conversation: connect failed", "err", err)
		return &ConnectionError{Err: err}
	}
	r.sess = sess

	if err := o.startPlayback(r); err != nil {
		_ = sess.Close()
		return fmt.Errorf("conversation: start playback: %w", err)
	}
	r.reopens = o.player.Reopens()

	r.capture = newCapture(sess, gate, o.cfg.MicGain, &o.studentRec, o.cfg.Metrics)
	if err := r.capture.start(o.cfg.Devices); err != nil {
		if perr := o.player.Stop(false, o.cfg.StopTimeout); perr != nil {
			log.Warn("conversation: stop playback", "err", perr)
		}
		_ = sess.Close()
		return fmt.Errorf("conversation: start capture: %w", err)
	}

	r.clock = session.NewSessionClock(o.cfg.Clock, session.ClockConfig{
		Duration:   duration,
		Tick:       o.cfg.Tick,
		OnTick:     func(_, _ time.Duration) { o.publish() },
		OnDeadline: func() { o.finish(r, EndDeadline) },
	})
	if err := r.clock.Start(); err != nil {
		close(r.loopDone)
		o.teardown(r)
		return fmt.Errorf("conversation: start clock: %w", err)
	}

	o.mu.Lock()
	if o.run == r {
		o.state = StateRunning
	}
	o.mu.Unlock()
	go o.eventLoop(r)

	if err := sess.SendText(r.scenario.Trigger); err != nil {
		log.Warn("conversation: send trigger", "err", err)
	}
	o.cfg.Metrics.RecordSessionStart(r.ctx, r.scenario.ID)
	log.Info("conversation: session started",
		"scenario", r.scenario.ID,
		"persona", r.cast.Persona,
		"voice", r.cast.Voice,
		"duration", duration,
	)
	return nil
}

// claim checks that a session may start, resets the session state and moves
// to StateStarting with a fresh run.
func (o *Orchestrator) claim(ctx context.Context, opts []StartOption) (*run, *vad.Gate, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return nil, nil, ErrSessionActive
	}
	if o.pending.Load() > 0 {
		return nil, nil, fmt.Errorf("%w: previous evaluation still running", ErrSessionActive)
	}

	so := startOptions{scenario: o.cfg.Scenario}
	for _, opt := range opts {
		opt(&so)
	}
	sc, ok := LookupScenario(so.scenario)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownScenario, so.scenario)
	}
	gate, err := vad.NewGate(o.cfg.Gate)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: %w", err)
	}

	o.resetLocked()
	r := &run{
		id:        uuid.NewString(),
		scenario:  sc,
		cast:      PickCast(o.cfg.Rand),
		startedAt: o.cfg.Now(),
		loopDone:  make(chan struct{}),
	}
	r.ctx, r.span = observe.StartSession(context.WithoutCancel(ctx), r.id, sc.ID)
	o.state = StateStarting
	o.run = r
	o.last = r
	return r, gate, nil
}

// resetLocked clears the session-scoped state in place.
func (o *Orchestrator) resetLocked() {
	o.transcript.Reset()
	o.notes.Reset()
	o.cfg.Evaluator.History().Reset()
	o.aiRec.Reset()
	o.studentRec.Reset()
	o.buffer.Clear()
	o.lastErr = ""
	o.lastResult = nil
	o.lastFeedbackLen = 0
}

// Pause freezes the timers, stops forwarding microphone audio and silences
// playback. The agent connection stays open.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, o.state)
	}
	r := o.run
	r.clock.Pause()
	r.capture.setForwarding(false)
	o.player.Pause()
	o.state = StatePaused
	o.mu.Unlock()

	observe.Logger(r.ctx).Info("conversation: paused")
	o.publish()
	return nil
}

// Resume continues a paused session.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("%w: resume while %s", ErrInvalidTransition, o.state)
	}
	r := o.run
	r.clock.Resume()
	o.player.Resume()
	var restartErr error
	if !o.player.Running() {
		restartErr = o.startPlayback(r)
	}
	r.capture.setForwarding(true)
	o.state = StateRunning
	if restartErr != nil {
		o.lastErr = restartErr.Error()
	}
	o.mu.Unlock()

	log := observe.Logger(r.ctx)
	if restartErr != nil {
		log.Warn("conversation: playback still unavailable", "err", restartErr)
	}
	log.Info("conversation: resumed")
	o.publish()
	return nil
}

// Cancel ends the session early. The transcript is evaluated only if it is
// non-empty. Cancel returns after the devices and connection are released.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	r := o.run
	if r == nil || (o.state != StateRunning && o.state != StatePaused) {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, st)
	}
	o.mu.Unlock()

	o.finish(r, EndCancelled)
	return nil
}

// Reset clears the transcript, notes, score history, recordings and status
// of the previous session. It is only allowed while idle with no evaluation
// pending.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state != StateIdle || o.pending.Load() > 0 {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: reset while %s", ErrInvalidTransition, st)
	}
	o.resetLocked()
	o.last = nil
	o.mu.Unlock()

	o.publish()
	return nil
}

// RequestInlineFeedback asks the agent to comment on the student's English
// so far. It reports false without sending when nothing was said since the
// previous request.
func (o *Orchestrator) RequestInlineFeedback() (bool, error) {
	o.mu.Lock()
	if o.state != StateRunning {
		st := o.state
		o.mu.Unlock()
		return false, fmt.Errorf("%w: feedback while %s", ErrInvalidTransition, st)
	}
	n := o.transcript.Len()
	if n <= o.lastFeedbackLen {
		o.mu.Unlock()
		return false, nil
	}
	prev := o.lastFeedbackLen
	o.lastFeedbackLen = n
	sess := o.run.sess
	o.mu.Unlock()

	if err := sess.SendText(inlineFeedbackRequest); err != nil {
		o.mu.Lock()
		o.lastFeedbackLen = prev
		o.mu.Unlock()
		return false, &ConnectionError{Err: err}
	}
	return true, nil
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Transcript returns the turns of the current or last session.
func (o *Orchestrator) Transcript() []transcript.Turn { return o.transcript.Turns() }

// Notes returns the observation notes of the current or last session.
func (o *Orchestrator) Notes() []transcript.Note { return o.notes.All() }

// ToolNames lists the tools offered to the agent.
func (o *Orchestrator) ToolNames() []string { return o.tools.Names() }

// Wait blocks until no evaluation is pending or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for o.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		State:      o.state,
		Turns:      o.transcript.Len(),
		Notes:      o.notes.Len(),
		Evaluating: o.pending.Load() > 0,
		Error:      o.lastErr,
		Result:     o.lastResult,
		Overall:    session.FormatElapsed(0),
		Activity:   session.FormatElapsed(0),
		Remaining:  session.FormatElapsed(0),
	}
	if r := o.last; r != nil {
		s.SessionID = r.id
		s.Scenario = r.scenario.ID
		s.Persona = r.cast.Persona
		s.Voice = r.cast.Voice
		s.EndReason = r.reason
		if r.clock != nil {
			s.Overall = session.FormatElapsed(r.clock.Overall())
			s.Activity = session.FormatElapsed(r.clock.Activity())
			s.Remaining = session.FormatElapsed(r.clock.Remaining())
		}
	}
	return s
}

func (o *Orchestrator) publish() {
	if o.cfg.OnStatus != nil {
		o.cfg.OnStatus(o.Status())
	}
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
	o.publish()
}

// current reports whether r is the live session and not already stopping.
func (o *Orchestrator) current(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run == r && o.state != StateStopping
}

func (o *Orchestrator) eventLoop(r *run) {
	defer close(r.loopDone)
	log := observe.Logger(r.ctx)

loop:
	for evt := range r.sess.Events() {
		switch evt.Kind {
		case realtime.EventAudio:
			// The agent's voice is still recorded while playback is down.
			if o.player.Running() {
				o.buffer.Ingest(evt.Audio)
			}
			o.aiRec.AppendPCM(evt.Audio)
		case realtime.EventTextDelta:
			o.transcript.AppendAIDelta(evt.Text)
		case realtime.EventStudentTranscript:
			o.transcript.AppendStudent(evt.Text)
		case realtime.EventTurnComplete:
			o.transcript.CommitAI()
		case realtime.EventToolCall:
			log.Debug("conversation: tool call", "tool", evt.Name)
		case realtime.EventError:
			log.Warn("conversation: agent error", "err", evt.Err)
			if evt.Err != nil {
				o.setError(evt.Err)
			}
		case realtime.EventClosed:
			if evt.Err != nil {
				log.Error("conversation: agent connection lost", "err", evt.Err)
				o.setError(&ConnectionError{Err: evt.Err})
			}
			break loop
		}
	}

	if o.current(r) {
		go o.finish(r, EndDisconnected)
	}
}

// startPlayback starts the drain loop with failures reported against r.
func (o *Orchestrator) startPlayback(r *run) error {
	return o.player.StartNotify(func(err error) { o.onPlaybackError(r, err) })
}

// onPlaybackError handles a playback loop that stopped because no output
// device works. Only playback stops; the conversation goes on and the next
// Resume tries the devices again. Errors from a loop of an earlier session
// are ignored.
func (o *Orchestrator) onPlaybackError(r *run, err error) {
	if !o.current(r) {
		observe.Logger(r.ctx).Debug("conversation: playback error from a finished session", "err", err)
		return
	}
	o.buffer.Clear()
	observe.Logger(r.ctx).Error("conversation: playback stopped, session continues", "err", err)
	o.setError(err)
}

// finish performs the single terminal transition of r.
func (o *Orchestrator) finish(r *run, reason EndReason) {
	r.once.Do(func() {
		o.mu.Lock()
		if o.run != r {
			o.mu.Unlock()
			return
		}
		o.state = StateStopping
		r.reason = reason
		o.mu.Unlock()
		o.publish()

		o.teardown(r)

		overall, activity := r.clock.Overall(), r.clock.Activity()
		turns := o.transcript.Turns()
		notes := o.notes.All()
		evaluate := reason == EndDeadline || len(turns) > 0

		o.mu.Lock()
		if evaluate {
			o.pending.Add(1)
		}
		if reason == EndCancelled {
			r.clock.Reset()
		}
		o.state = StateIdle
		o.run = nil
		o.mu.Unlock()

		observe.EndSession(r.span, string(reason), len(turns))
		o.cfg.Metrics.RecordSessionEnd(r.ctx, string(reason), activity)
		observe.Logger(r.ctx).Info("conversation: session ended",
			"reason", reason,
			"activity", session.FormatElapsed(activity),
			"turns", len(turns),
			"notes", len(notes),
			"evaluate", evaluate,
		)

		if evaluate {
			o.evaluate(r, turns, notes, overall, activity)
		}
		o.publish()
	})
}

// teardown releases every resource of r. Each join is bounded by
// StopTimeout. It must not be called with o.mu held: the clock goroutine
// takes o.mu when it publishes a tick.
func (o *Orchestrator) teardown(r *run) {
	log := observe.Logger(r.ctx)
	timeout := o.cfg.StopTimeout

	r.clock.Stop()
	r.capture.shutdown()
	if !r.capture.wait(timeout) {
		log.Warn("conversation: capture worker did not stop in time")
	}
	if err := r.sess.Close(); err != nil {
		log.Warn("conversation: close agent session", "err", err)
	}
	select {
	case <-r.loopDone:
	case <-time.After(timeout):
		log.Warn("conversation: event loop did not stop in time")
	}
	if err := o.player.Stop(false, timeout); err != nil {
		log.Warn("conversation: stop playback", "err", err)
	}
	o.buffer.Clear()
	o.cfg.Metrics.RecordPlaybackReopens(r.ctx, o.player.Reopens()-r.reopens)
}

func (o *Orchestrator) evaluate(r *run, turns []transcript.Turn, notes []transcript.Note, overall, activity time.Duration) {
	var agg evaluation.AggregateInput
	if o.cfg.Aggregate != nil {
		agg = o.cfg.Aggregate()
	}
	o.cfg.Metrics.EvaluationPending(r.ctx, 1)

	o.cfg.Evaluator.Evaluate(r.ctx, evaluation.Request{Turns: turns, Notes: notes, Aggregate: agg}, func(res evaluation.FinalResult) {
		defer func() {
			o.pending.Add(-1)
			o.cfg.Metrics.EvaluationPending(r.ctx, -1)
			o.publish()
		}()

		o.mu.Lock()
		o.lastResult = &res
		o.mu.Unlock()

		observe.Logger(r.ctx).Info("conversation: evaluation delivered",
			"overall", res.OverallScore,
			"placeholder", res.Placeholder,
		)
		if o.cfg.OnResult == nil {
			return
		}
		o.cfg.OnResult(Record{
			SessionID:    r.id,
			Scenario:     r.scenario.ID,
			Persona:      r.cast.Persona,
			Voice:        r.cast.Voice,
			StartedAt:    r.startedAt,
			Overall:      overall,
			Activity:     activity,
			Reason:       r.reason,
			Turns:        turns,
			Notes:        notes,
			History:      o.cfg.Evaluator.History().All(),
			Result:       res,
			AIAudio:      o.aiRec.Samples(),
			StudentAudio: o.studentRec.Samples(),
		})
	})
}
