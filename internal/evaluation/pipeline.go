package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/internal/transcript"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
)

// Defaults for [Config].
const (
	DefaultScoringTimeout   = 90 * time.Second
	DefaultAggregateTimeout = 60 * time.Second
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1500
	DefaultLanguage         = "English"
	DefaultAggregateMin     = 10
	DefaultAggregateMax     = 990
)

// Feedback texts for degraded results.
const (
	NoSpeechFeedback       = "No speech was captured during the session. Check the microphone connection or try speaking for longer."
	siblingsPendingNote    = "The listening or grammar assessment is not complete yet, so no aggregate score is shown."
	aggregateTimeoutNote   = "The aggregate score prediction timed out."
	aggregateErrorNote     = "The aggregate score prediction failed: %v"
	scoringFailureFeedback = "The conversation could not be scored automatically: %v"
)

// Config tunes a [Pipeline].
type Config struct {
	// ScoringTimeout bounds phase 1. Default 90 s.
	ScoringTimeout time.Duration
	// AggregateTimeout bounds phase 2. Default 60 s.
	AggregateTimeout time.Duration

	Temperature float64
	MaxTokens   int

	// Language is the language feedback is written in.
	Language string

	// AggregateMin and AggregateMax bound the predicted aggregate score.
	AggregateMin int
	AggregateMax int

	// Filter recognises recogniser artifacts. Nil uses the default filter.
	Filter *transcript.HallucinationFilter

	// Now stamps snapshots and results. Nil uses time.Now.
	Now func() time.Time

	// OnPhase, if set, is called after each phase with its duration and
	// error (nil on success).
	OnPhase func(phase Phase, d time.Duration, err error)
}

// Pipeline runs the two scoring phases against one scoring model.
type Pipeline struct {
	scorer  llm.Provider
	cfg     Config
	history *History

	wg sync.WaitGroup
}

// New returns a Pipeline scoring with scorer.
func New(scorer llm.Provider, cfg Config) *Pipeline {
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = DefaultScoringTimeout
	}
	if cfg.AggregateTimeout <= 0 {
		cfg.AggregateTimeout = DefaultAggregateTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.AggregateMin == 0 && cfg.AggregateMax == 0 {
		cfg.AggregateMin, cfg.AggregateMax = DefaultAggregateMin, DefaultAggregateMax
	}
	if cfg.Filter == nil {
		cfg.Filter = transcript.NewHallucinationFilter()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{scorer: scorer, cfg: cfg, history: &History{}}
}

// History returns the snapshot history of the current session.
func (p *Pipeline) History() *History { return p.history }

// ScoreSession runs phase 1. Transcripts without a substantive student turn
// score zero without contacting the model. A failed or malformed reply yields
// a zero placeholder result together with a *[ScoringError], as does a reply
// that misses the configured scoring timeout. A snapshot is appended in every
// case.
func (p *Pipeline) ScoreSession(ctx context.Context, turns []transcript.Turn, notes []transcript.Note) (Result, error) {
	start := time.Now()
	ctx, span := observe.StartPhase(ctx, string(PhaseSession))
	res, err := p.scoreSession(ctx, turns, notes)
	observe.EndSpan(span, err)
	p.history.Append(Snapshot{Phase: PhaseSession, Scores: res.Scores, At: p.cfg.Now()})
	if p.cfg.OnPhase != nil {
		p.cfg.OnPhase(PhaseSession, time.Since(start), err)
	}
	return res, err
}

func (p *Pipeline) scoreSession(ctx context.Context, turns []transcript.Turn, notes []transcript.Note) (Result, error) {
	if !p.cfg.Filter.Substantive(turns) {
		observe.Logger(ctx).Info("evaluation: no substantive student speech, scoring zero", "turns", len(turns))
		return Result{Feedback: NoSpeechFeedback, Placeholder: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ScoringTimeout)
	defer cancel()

	resp, err := p.scorer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: scoringSystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(scoringPrompt(transcript.Format(turns, notes), p.cfg.Language))},
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", p.cfg.ScoringTimeout, err)
		}
		return placeholder(err), &ScoringError{Phase: PhaseSession, Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		err := errors.New("empty response")
		return placeholder(err), &ScoringError{Phase: PhaseSession, Err: err}
	}

	res, err := parseScores(resp.Content)
	if err != nil {
		observe.Logger(ctx).Warn("evaluation: malformed scoring reply", "err", err, "reply_len", len(resp.Content))
		return placeholder(err), &ScoringError{Phase: PhaseSession, Raw: resp.Content, Err: err}
	}
	return res, nil
}

func placeholder(err error) Result {
	return Result{Feedback: fmt.Sprintf(scoringFailureFeedback, err), Placeholder: true}
}

// PredictAggregate runs phase 2 under the configured timeout. It refuses to
// run with [ErrSiblingsIncomplete] unless in.Ready(). On timeout it returns a
// zero prediction and a *[TimeoutError]; on other failures a zero prediction
// and a *[ScoringError]. Completed attempts append a snapshot.
func (p *Pipeline) PredictAggregate(ctx context.Context, turns []transcript.Turn, notes []transcript.Note, in AggregateInput) (Prediction, error) {
	if !in.Ready() {
		return Prediction{}, ErrSiblingsIncomplete
	}

	start := time.Now()
	ctx, span := observe.StartPhase(ctx, string(PhaseAggregate))
	pred, err := p.predictAggregate(ctx, turns, notes, in)
	observe.EndSpan(span, err)
	score := pred.Score
	p.history.Append(Snapshot{Phase: PhaseAggregate, Predicted: &score, At: p.cfg.Now()})
	if p.cfg.OnPhase != nil {
		p.cfg.OnPhase(PhaseAggregate, time.Since(start), err)
	}
	return pred, err
}

func (p *Pipeline) predictAggregate(ctx context.Context, turns []transcript.Turn, notes []transcript.Note, in AggregateInput) (Prediction, error) {
	listening, err := json.Marshal(orEmpty(in.Listening))
	if err != nil {
		return Prediction{}, &ScoringError{Phase: PhaseAggregate, Err: fmt.Errorf("encode listening results: %w", err)}
	}
	grammar, err := json.Marshal(orEmpty(in.Grammar))
	if err != nil {
		return Prediction{}, &ScoringError{Phase: PhaseAggregate, Err: fmt.Errorf("encode grammar results: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AggregateTimeout)
	defer cancel()

	prompt := predictionPrompt(transcript.Format(turns, notes), string(listening), string(grammar),
		p.cfg.AggregateMin, p.cfg.AggregateMax, p.cfg.Language)
	resp, err := p.scorer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: aggregateSystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(prompt)},
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Prediction{}, &TimeoutError{After: p.cfg.AggregateTimeout}
		}
		return Prediction{}, &ScoringError{Phase: PhaseAggregate, Err: err}
	}
	if resp == nil {
		return Prediction{}, &ScoringError{Phase: PhaseAggregate, Err: errors.New("empty response")}
	}

	pred, err := parsePrediction(resp.Content, p.cfg.AggregateMin, p.cfg.AggregateMax)
	if err != nil {
		return Prediction{}, &ScoringError{Phase: PhaseAggregate, Raw: resp.Content, Err: err}
	}
	return pred, nil
}

func orEmpty(v []map[string]any) []map[string]any {
	if v == nil {
		return []map[string]any{}
	}
	return v
}

// Request is the input of [Pipeline.Evaluate].
type Request struct {
	Turns     []transcript.Turn
	Notes     []transcript.Note
	Aggregate AggregateInput
}

// Evaluate runs both phases on a background goroutine and passes the final
// result to deliver exactly once. The work is detached from ctx cancellation
// (values are kept), so cancelling the session does not discard the scoring.
func (p *Pipeline) Evaluate(ctx context.Context, req Request, deliver func(FinalResult)) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Go(func() {
		var once sync.Once
		send := func(r FinalResult) {
			once.Do(func() {
				if deliver != nil {
					deliver(r)
				}
			})
		}
		defer func() {
			if r := recover(); r != nil {
				observe.Logger(ctx).Error("evaluation: panic during scoring", "panic", r)
				send(FinalResult{Feedback: fmt.Sprintf(scoringFailureFeedback, r), Placeholder: true, Timestamp: p.cfg.Now()})
			}
		}()
		send(p.run(ctx, req))
	})
}

func (p *Pipeline) run(ctx context.Context, req Request) FinalResult {
	res, err := p.ScoreSession(ctx, req.Turns, req.Notes)
	if err != nil {
		observe.Logger(ctx).Warn("evaluation: session scoring degraded", "err", err)
	}

	final := FinalResult{
		GrammarScore:     res.Grammar,
		VocabularyScore:  res.Scores.Vocabulary,
		NaturalnessScore: res.Naturalness,
		FluencyScore:     res.Fluency,
		OverallScore:     res.Overall,
		Feedback:         res.Feedback,
		VocabularyInfo:   res.Vocabulary,
		Placeholder:      res.Placeholder,
	}

	if !req.Aggregate.Ready() {
		final.Feedback = appendNote(final.Feedback, siblingsPendingNote)
		final.Timestamp = p.cfg.Now()
		return final
	}

	pred, err := p.PredictAggregate(ctx, req.Turns, req.Notes, req.Aggregate)
	score := pred.Score
	final.PredictedTotalScore = &score
	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		observe.Logger(ctx).Warn("evaluation: aggregate prediction timed out", "after", timeout.After)
		final.Feedback = appendNote(final.Feedback, aggregateTimeoutNote)
	case err != nil:
		observe.Logger(ctx).Warn("evaluation: aggregate prediction failed", "err", err)
		final.Feedback = appendNote(final.Feedback, fmt.Sprintf(aggregateErrorNote, err))
	case pred.Reasoning != "":
		final.Feedback = appendNote(final.Feedback, "### Aggregate score reasoning\n"+pred.Reasoning)
	}
	final.Timestamp = p.cfg.Now()
	return final
}

func appendNote(feedback, note string) string {
	if feedback == "" {
		return note
	}
	return feedback + "\n\n" + note
}

// Wait blocks until every background evaluation has delivered or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Reply parsing ─────────────────────────────────────────────────────────────

func parseScores(content string) (Result, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}

	var res Result
	fields := []struct {
		key string
		dst *float64
	}{
		{"grammar_score", &res.Grammar},
		{"vocabulary_score", &res.Scores.Vocabulary},
		{"naturalness_score", &res.Naturalness},
		{"fluency_score", &res.Fluency},
		{"overall_score", &res.Overall},
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		n, err := number(v)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = clamp(n, 0, 100)
	}
	if _, ok := raw["overall_score"]; !ok {
		return Result{}, errors.New("reply has no overall_score")
	}

	res.Valid, _ = raw["is_valid"].(bool)
	res.Feedback, _ = raw["feedback"].(string)
	if items, ok := raw["vocabulary_info"].([]any); ok {
		for _, it := range items {
			switch v := it.(type) {
			case string:
				res.Vocabulary = append(res.Vocabulary, VocabularyItem{Expression: v})
			case map[string]any:
				item := VocabularyItem{}
				item.Expression, _ = v["expression"].(string)
				item.Suggestion, _ = v["suggestion"].(string)
				item.Explanation, _ = v["explanation"].(string)
				if item.Expression != "" {
					res.Vocabulary = append(res.Vocabulary, item)
				}
			}
		}
	}
	return res, nil
}

func parsePrediction(content string, lo, hi int) (Prediction, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Prediction{}, fmt.Errorf("decode reply: %w", err)
	}
	v, ok := raw["predicted_score"]
	if !ok {
		return Prediction{}, errors.New("reply has no predicted_score")
	}
	n, err := number(v)
	if err != nil {
		return Prediction{}, fmt.Errorf("predicted_score: %w", err)
	}
	reasoning, _ := raw["reasoning"].(string)
	return Prediction{Score: clamp(n, float64(lo), float64(hi)), Reasoning: reasoning}, nil
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
