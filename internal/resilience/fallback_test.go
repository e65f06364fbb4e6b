package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	llmmock "github.com/kaiwa-lab/kaiwa/pkg/provider/llm/mock"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
	searchmock "github.com/kaiwa-lab/kaiwa/pkg/provider/search/mock"
)

// scorers builds a Failover over named fake scoring models. down lists the
// models that fail; tried records every model that was called.
func scorers(cfg FallbackConfig, down map[string]bool, names ...string) (*Failover[string], func(context.Context, string) (string, error), *[]string) {
	f := NewFailover[string](cfg)
	for _, n := range names {
		f.Add(n, n)
	}
	var tried []string
	fn := func(_ context.Context, model string) (string, error) {
		tried = append(tried, model)
		if down[model] {
			return "", errTest
		}
		return "scored by " + model, nil
	}
	return f, fn, &tried
}

func TestCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		down      map[string]bool
		want      string
		wantTried []string
		wantErr   error
	}{
		{name: "primary answers", want: "scored by gpt", wantTried: []string{"gpt"}},
		{name: "fails over", down: map[string]bool{"gpt": true}, want: "scored by claude", wantTried: []string{"gpt", "claude"}},
		{name: "all down", down: map[string]bool{"gpt": true, "claude": true}, wantTried: []string{"gpt", "claude"}, wantErr: ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, fn, tried := scorers(FallbackConfig{}, tt.down, "gpt", "claude")
			got, err := Call(context.Background(), f, fn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want || !slices.Equal(*tried, tt.wantTried) {
				t.Errorf("got %q after %v, want %q after %v", got, *tried, tt.want, tt.wantTried)
			}
		})
	}
}

func TestCall_ErrorNamesEveryBackend(t *testing.T) {
	t.Parallel()
	f, fn, _ := scorers(FallbackConfig{}, map[string]bool{"gpt": true, "claude": true}, "gpt", "claude")
	_, err := Call(context.Background(), f, fn)
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the backend error", err)
	}
	for _, name := range []string{"gpt:", "claude:"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("err %q does not mention %s", err, name)
		}
	}
}

func TestCall_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}
	f, fn, tried := scorers(cfg, map[string]bool{"gpt": true}, "gpt", "claude")

	for range 2 {
		if _, err := Call(context.Background(), f, fn); err != nil {
			t.Fatal(err)
		}
	}
	*tried = nil
	if got, _ := Call(context.Background(), f, fn); got != "scored by claude" || !slices.Equal(*tried, []string{"claude"}) {
		t.Errorf("got %q after %v; open primary should be skipped", got, *tried)
	}

	states := f.States()
	if states["gpt"] != StateOpen || states["claude"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestCall_ContextEndsFailover(t *testing.T) {
	t.Parallel()
	f := NewFailover[int](FallbackConfig{}).Add("first", 1).Add("second", 2)

	ctx, cancel := context.WithCancel(context.Background())
	var tried []int
	_, err := Call(ctx, f, func(_ context.Context, v int) (struct{}, error) {
		tried = append(tried, v)
		cancel()
		return struct{}{}, context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want a plain cancellation", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only the first backend", tried)
	}
	if f.States()["first"] != StateClosed {
		t.Error("cancellation counted against the backend")
	}
}

func TestCall_OnAttempt(t *testing.T) {
	t.Parallel()
	type attempt struct {
		name string
		ok   bool
	}
	var got []attempt
	cfg := FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		OnAttempt:      func(name string, err error) { got = append(got, attempt{name, err == nil}) },
	}
	f, fn, _ := scorers(cfg, map[string]bool{"gpt": true}, "gpt", "claude")

	_, _ = Call(context.Background(), f, fn)
	// gpt's breaker is open now and the rejected call is not reported.
	_, _ = Call(context.Background(), f, fn)

	want := []attempt{{"gpt", false}, {"claude", true}, {"claude", true}}
	if !slices.Equal(got, want) {
		t.Errorf("attempts = %v, want %v", got, want)
	}
}

func TestLLMFallback(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("503 overloaded")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"overall_score":64}`}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", backup)

	req := llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("score")}, JSONMode: true}
	resp, err := fb.Complete(context.Background(), req)
	if err != nil || resp.Content != `{"overall_score":64}` {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
	if calls := backup.Calls(); len(calls) != 1 || !calls[0].Req.JSONMode {
		t.Errorf("backup calls = %+v", calls)
	}
	if s := fb.States(); len(s) != 2 {
		t.Errorf("States = %v", s)
	}
}

func TestLLMFallback_DeadlineStopsFailover(t *testing.T) {
	t.Parallel()
	slow := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "late"}}
	fb := NewLLMFallback(slow, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", backup)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := fb.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if n := len(backup.Calls()); n != 0 {
		t.Errorf("backup called %d times after the deadline", n)
	}
}

func TestSearchFallback_SingleBackendBreaker(t *testing.T) {
	t.Parallel()
	ddg := &searchmock.Provider{Err: errors.New("rate limited")}
	fb := NewSearchFallback(ddg, "duckduckgo", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 4 {
		if _, err := fb.Search(context.Background(), "weather in osaka", 3); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	}
	if n := len(ddg.Calls()); n != 2 {
		t.Errorf("backend called %d times, want 2 before the breaker opened", n)
	}
	if fb.States()["duckduckgo"] != StateOpen {
		t.Errorf("states = %v", fb.States())
	}
}

func TestSearchFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &searchmock.Provider{Err: errors.New("down")}
	backup := &searchmock.Provider{Results: []search.Result{{Title: "Osaka forecast"}, {Title: "more"}}}
	fb := NewSearchFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("backup", backup)

	got, err := fb.Search(context.Background(), "weather in osaka", 1)
	if err != nil || len(got) != 1 || got[0].Title != "Osaka forecast" {
		t.Fatalf("Search = %+v, %v", got, err)
	}
}
