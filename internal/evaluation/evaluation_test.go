package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/transcript"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm/mock"
)

var conversation = []transcript.Turn{
	{Role: transcript.RoleAI, Text: "Hello, how can I help you today?"},
	{Role: transcript.RoleStudent, Text: "I'd like to ask about the homework for next week."},
	{Role: transcript.RoleAI, Text: "Sure, what would you like to know?"},
	{Role: transcript.RoleStudent, Text: "When is the deadline, and can I submit it online?"},
}

const goodReply = `{
	"is_valid": true,
	"grammar_score": 75,
	"vocabulary_score": "70",
	"naturalness_score": 82,
	"fluency_score": 78,
	"overall_score": 80,
	"feedback": "Clear questions.",
	"vocabulary_info": [{"expression": "ask about", "suggestion": "enquire about"}, "deadline"]
}`

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestScoreSession(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: goodReply}}
	p := New(scorer, Config{Now: fixedNow})

	res, err := p.ScoreSession(context.Background(), conversation, []transcript.Note{
		{Category: transcript.CategoryGrammar, Text: "article dropped"},
	})
	if err != nil {
		t.Fatalf("ScoreSession: %v", err)
	}
	if res.Overall != 80 || res.Grammar != 75 || res.Scores.Vocabulary != 70 {
		t.Errorf("scores = %+v", res.Scores)
	}
	if !res.Valid || res.Placeholder {
		t.Errorf("valid=%v placeholder=%v", res.Valid, res.Placeholder)
	}
	if len(res.Vocabulary) != 2 || res.Vocabulary[0].Suggestion != "enquire about" || res.Vocabulary[1].Expression != "deadline" {
		t.Errorf("vocabulary = %+v", res.Vocabulary)
	}

	hist := p.History().All()
	if len(hist) != 1 || hist[0].Phase != PhaseSession || hist[0].Scores.Overall != 80 {
		t.Errorf("history = %+v", hist)
	}
	if !hist[0].At.Equal(fixedNow()) {
		t.Errorf("snapshot time = %v", hist[0].At)
	}

	calls := scorer.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if !req.JSONMode || req.SystemPrompt != scoringSystemPrompt {
		t.Errorf("request = %+v", req)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"student「When is the deadline", "[grammar] article dropped", "written in English"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestScoreSession_NoSubstantiveSpeech(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		turns []transcript.Turn
	}{
		{"empty", nil},
		{"ai only", []transcript.Turn{{Role: transcript.RoleAI, Text: "Hello?"}}},
		{"artifacts only", []transcript.Turn{
			{Role: transcript.RoleAI, Text: "Hello?"},
			{Role: transcript.RoleStudent, Text: "Thank you for watching!"},
			{Role: transcript.RoleStudent, Text: "Bye."},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: goodReply}}
			p := New(scorer, Config{})

			res, err := p.ScoreSession(context.Background(), tc.turns, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Scores != (Scores{}) {
				t.Errorf("scores = %+v, want zero", res.Scores)
			}
			if res.Feedback != NoSpeechFeedback {
				t.Errorf("feedback = %q", res.Feedback)
			}
			if n := len(scorer.Calls()); n != 0 {
				t.Errorf("scoring model called %d times", n)
			}
			if p.History().Len() != 1 {
				t.Errorf("history len = %d, want 1", p.History().Len())
			}
		})
	}
}

func TestScoreSession_MalformedReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "I think the student did well."},
		{"missing overall", `{"grammar_score": 50}`},
		{"bad number", `{"overall_score": "high"}`},
		{"blank", "  "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tc.content}}
			p := New(scorer, Config{})

			res, err := p.ScoreSession(context.Background(), conversation, nil)
			var se *ScoringError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *ScoringError", err)
			}
			if se.Phase != PhaseSession {
				t.Errorf("phase = %q", se.Phase)
			}
			if !res.Placeholder || res.Overall != 0 {
				t.Errorf("result = %+v, want zero placeholder", res)
			}
		})
	}
}

func TestScoreSession_ClampsScores(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"grammar_score": 140, "fluency_score": -5, "overall_score": 100.5}`,
	}}
	res, err := New(scorer, Config{}).ScoreSession(context.Background(), conversation, nil)
	if err != nil {
		t.Fatalf("ScoreSession: %v", err)
	}
	if res.Grammar != 100 || res.Fluency != 0 || res.Overall != 100 {
		t.Errorf("scores = %+v", res.Scores)
	}
}

func TestScoreSession_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	scorer := &mock.Provider{CompleteErr: boom}
	res, err := New(scorer, Config{}).ScoreSession(context.Background(), conversation, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if !res.Placeholder || !strings.Contains(res.Feedback, "rate limited") {
		t.Errorf("result = %+v", res)
	}
}

func TestScoreSession_Timeout(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := New(scorer, Config{ScoringTimeout: 20 * time.Millisecond})

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = p.ScoreSession(context.Background(), conversation, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ScoreSession did not return after its timeout")
	}

	var se *ScoringError
	if !errors.As(err, &se) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want *ScoringError wrapping DeadlineExceeded", err)
	}
	if !res.Placeholder || res.Overall != 0 || !strings.Contains(res.Feedback, "timed out") {
		t.Errorf("result = %+v", res)
	}
	if p.History().Len() != 1 {
		t.Errorf("history len = %d, want 1", p.History().Len())
	}
}

func TestPredictAggregate_SiblingsIncomplete(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{}
	p := New(scorer, Config{})
	for _, in := range []AggregateInput{
		{},
		{ListeningDone: true},
		{GrammarDone: true},
	} {
		if _, err := p.PredictAggregate(context.Background(), conversation, nil, in); !errors.Is(err, ErrSiblingsIncomplete) {
			t.Errorf("input %+v: err = %v", in, err)
		}
	}
	if len(scorer.Calls()) != 0 || p.History().Len() != 0 {
		t.Error("incomplete siblings must not reach the model or the history")
	}
}

func TestPredictAggregate(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"predicted_score": 1200, "reasoning": "Strong across the board."}`,
	}}
	p := New(scorer, Config{})
	pred, err := p.PredictAggregate(context.Background(), conversation, nil, AggregateInput{
		ListeningDone: true,
		GrammarDone:   true,
		Listening:     []map[string]any{{"question": 1, "correct": true}},
	})
	if err != nil {
		t.Fatalf("PredictAggregate: %v", err)
	}
	if pred.Score != DefaultAggregateMax {
		t.Errorf("score = %v, want clamped to %d", pred.Score, DefaultAggregateMax)
	}

	prompt := scorer.Calls()[0].Req.Messages[0].Content
	if !strings.Contains(prompt, `"correct":true`) || !strings.Contains(prompt, "Grammar test results (JSON):\n[]") {
		t.Errorf("prompt does not carry sibling results:\n%s", prompt)
	}

	hist := p.History().All()
	if len(hist) != 1 || hist[0].Phase != PhaseAggregate || hist[0].Predicted == nil || *hist[0].Predicted != DefaultAggregateMax {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Scores != (Scores{}) {
		t.Errorf("aggregate snapshot scores = %+v, want zero", hist[0].Scores)
	}
}

func TestHistory_ScoresStayInRange(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.Messages[0].Content, "predicted_score") {
			return &llm.CompletionResponse{Content: `{"predicted_score": 620}`}, nil
		}
		return &llm.CompletionResponse{Content: goodReply}, nil
	}}
	p := New(scorer, Config{})
	if _, err := p.ScoreSession(context.Background(), conversation, nil); err != nil {
		t.Fatalf("ScoreSession: %v", err)
	}
	if _, err := p.PredictAggregate(context.Background(), conversation, nil, AggregateInput{ListeningDone: true, GrammarDone: true}); err != nil {
		t.Fatalf("PredictAggregate: %v", err)
	}

	for _, s := range p.History().All() {
		for name, v := range map[string]float64{
			"grammar":     s.Scores.Grammar,
			"vocabulary":  s.Scores.Vocabulary,
			"naturalness": s.Scores.Naturalness,
			"fluency":     s.Scores.Fluency,
			"overall":     s.Scores.Overall,
		} {
			if v < 0 || v > 100 {
				t.Errorf("%s snapshot %s = %v, outside [0,100]", s.Phase, name, v)
			}
		}
	}
}

func TestPredictAggregate_Timeout(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := New(scorer, Config{AggregateTimeout: 20 * time.Millisecond})
	pred, err := p.PredictAggregate(context.Background(), conversation, nil, AggregateInput{ListeningDone: true, GrammarDone: true})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.After != 20*time.Millisecond {
		t.Errorf("After = %v", te.After)
	}
	if pred.Score != 0 {
		t.Errorf("score = %v, want 0", pred.Score)
	}
}

func TestEvaluate_DeliversOnce(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if req.SystemPrompt == aggregateSystemPrompt {
				return &llm.CompletionResponse{Content: `{"predicted_score": 640, "reasoning": "Solid."}`}, nil
			}
			return &llm.CompletionResponse{Content: goodReply}, nil
		},
	}
	p := New(scorer, Config{Now: fixedNow})

	var (
		mu  sync.Mutex
		got []FinalResult
	)
	p.Evaluate(context.Background(), Request{
		Turns:     conversation,
		Aggregate: AggregateInput{ListeningDone: true, GrammarDone: true},
	}, func(r FinalResult) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d times, want 1", len(got))
	}
	r := got[0]
	if r.OverallScore != 80 || r.VocabularyScore != 70 {
		t.Errorf("scores = %+v", r)
	}
	if r.PredictedTotalScore == nil || *r.PredictedTotalScore != 640 {
		t.Errorf("predicted = %v", r.PredictedTotalScore)
	}
	if !strings.Contains(r.Feedback, "Clear questions.") || !strings.Contains(r.Feedback, "Solid.") {
		t.Errorf("feedback = %q", r.Feedback)
	}
	if !r.Timestamp.Equal(fixedNow()) {
		t.Errorf("timestamp = %v", r.Timestamp)
	}
	if p.History().Len() != 2 {
		t.Errorf("history len = %d, want 2", p.History().Len())
	}
}

func TestEvaluate_SkipsAggregateWithoutSiblings(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: goodReply}}
	p := New(scorer, Config{})

	done := make(chan FinalResult, 1)
	p.Evaluate(context.Background(), Request{
		Turns:     conversation,
		Aggregate: AggregateInput{ListeningDone: true},
	}, func(r FinalResult) { done <- r })

	select {
	case r := <-done:
		if r.PredictedTotalScore != nil {
			t.Errorf("predicted = %v, want nil", *r.PredictedTotalScore)
		}
		if !strings.Contains(r.Feedback, siblingsPendingNote) {
			t.Errorf("feedback = %q", r.Feedback)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	if n := len(scorer.Calls()); n != 1 {
		t.Errorf("model calls = %d, want 1", n)
	}
}

func TestEvaluate_SurvivesParentCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var sawCancel atomic.Bool
	scorer := &mock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			if ctx.Err() != nil {
				sawCancel.Store(true)
			}
			return &llm.CompletionResponse{Content: goodReply}, nil
		},
	}
	p := New(scorer, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan FinalResult, 1)
	p.Evaluate(ctx, Request{Turns: conversation}, func(r FinalResult) { done <- r })
	cancel()
	close(release)

	select {
	case r := <-done:
		if r.OverallScore != 80 {
			t.Errorf("overall = %v, want 80", r.OverallScore)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	if sawCancel.Load() {
		t.Error("scoring context was cancelled with the parent")
	}
}

func TestEvaluate_EmptyTranscript(t *testing.T) {
	t.Parallel()

	scorer := &mock.Provider{}
	p := New(scorer, Config{})
	done := make(chan FinalResult, 2)
	p.Evaluate(context.Background(), Request{}, func(r FinalResult) { done <- r })

	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Fatalf("delivered %d times, want 1", len(done))
	}
	r := <-done
	if r.OverallScore != 0 || !r.Placeholder || !strings.HasPrefix(r.Feedback, NoSpeechFeedback) {
		t.Errorf("result = %+v", r)
	}
	if len(scorer.Calls()) != 0 {
		t.Error("empty transcript must not reach the scoring model")
	}
}
