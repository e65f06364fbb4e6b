// Package evaluation scores a finished conversation in two phases.
//
// Phase 1 ([Pipeline.ScoreSession]) asks the scoring model for four
// sub-scores, an overall score and written feedback. Phase 2
// ([Pipeline.PredictAggregate]) combines the conversation with the results of
// the sibling listening and grammar assessments into one predicted aggregate
// score. Every completed phase appends a [Snapshot] to the session's
// [History]. [Pipeline.Evaluate] runs both phases off the caller's goroutine
// and hands a flat [FinalResult] to a callback exactly once.
//
// Scoring failures never surface as a missing result: malformed replies and
// timeouts degrade to placeholder scores with an explanation in the feedback.
package evaluation

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Scores holds the phase-1 numbers, each in [0, 100].
type Scores struct {
	Grammar     float64 `json:"grammar"`
	Vocabulary  float64 `json:"vocabulary"`
	Naturalness float64 `json:"naturalness"`
	Fluency     float64 `json:"fluency"`
	Overall     float64 `json:"overall"`
}

// VocabularyItem is an expression the scoring model called out.
type VocabularyItem struct {
	Expression  string `json:"expression"`
	Suggestion  string `json:"suggestion,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// Result is the outcome of phase 1.
type Result struct {
	Scores
	// Valid reports whether the model judged the exchange a real conversation.
	Valid      bool             `json:"is_valid"`
	Feedback   string           `json:"feedback"`
	Vocabulary []VocabularyItem `json:"vocabulary_info,omitempty"`
	// Placeholder is set when the scores were not produced by the model.
	Placeholder bool `json:"placeholder,omitempty"`
}

// AggregateInput carries the sibling assessments phase 2 consumes. The
// completion flags are explicit inputs; phase 2 runs only when both are set.
type AggregateInput struct {
	ListeningDone bool
	GrammarDone   bool

	// Listening and Grammar are the sibling results as reported by their
	// owners. They are serialised into the prompt verbatim.
	Listening []map[string]any
	Grammar   []map[string]any
}

// Ready reports whether both sibling assessments are complete.
func (in AggregateInput) Ready() bool { return in.ListeningDone && in.GrammarDone }

// Prediction is the outcome of phase 2.
type Prediction struct {
	Score     float64 `json:"predicted_score"`
	Reasoning string  `json:"reasoning"`
}

// FinalResult is the flat object handed to the result display and the
// session archive.
type FinalResult struct {
	GrammarScore        float64          `json:"grammar_score"`
	VocabularyScore     float64          `json:"vocabulary_score"`
	NaturalnessScore    float64          `json:"naturalness_score"`
	FluencyScore        float64          `json:"fluency_score"`
	OverallScore        float64          `json:"overall_score"`
	PredictedTotalScore *float64         `json:"predicted_total_score"`
	Feedback            string           `json:"feedback"`
	VocabularyInfo      []VocabularyItem `json:"vocabulary_info,omitempty"`
	Placeholder         bool             `json:"placeholder,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
}

// Phase identifies which evaluation step produced a snapshot.
type Phase string

const (
	PhaseSession   Phase = "session"
	PhaseAggregate Phase = "aggregate"
)

// Snapshot is one immutable history entry. Scores stays on the 0 to 100
// scale in every phase; an aggregate snapshot leaves it zero and carries the
// prediction, on its own scale, in Predicted.
type Snapshot struct {
	Phase     Phase     `json:"phase"`
	Scores    Scores    `json:"scores"`
	Predicted *float64  `json:"predicted,omitempty"`
	At        time.Time `json:"at"`
}

// History is the ordered, append-only record of a session's snapshots.
type History struct {
	mu    sync.Mutex
	items []Snapshot
}

// Append adds s.
func (h *History) Append(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, s)
}

// All returns a copy of every snapshot in order.
func (h *History) All() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.items)
}

// Len returns the number of snapshots.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Reset starts a fresh history.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
}

// ErrSiblingsIncomplete is returned by PredictAggregate when either sibling
// assessment has not been reported complete.
var ErrSiblingsIncomplete = errors.New("evaluation: listening or grammar assessment incomplete")

// ScoringError reports that the scoring model failed or returned data that
// could not be used.
type ScoringError struct {
	Phase Phase
	// Raw is the unusable reply, if any.
	Raw string
	Err error
}

// Error implements error.
func (e *ScoringError) Error() string {
	return fmt.Sprintf("evaluation: %s scoring: %v", e.Phase, e.Err)
}

// Unwrap returns the cause.
func (e *ScoringError) Unwrap() error { return e.Err }

// TimeoutError reports that phase 2 exceeded its time budget.
type TimeoutError struct {
	After time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("evaluation: aggregate prediction timed out after %s", e.After)
}
