package resilience

import (
	"context"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
)

// LLMFallback is an [llm.Provider] that scores with the first healthy model.
// A configured fallback model takes over while the primary's breaker is
// open, so a session is still evaluated when one backend is down.
type LLMFallback struct {
	f *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback with primary tried first.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{f: NewFailover[llm.Provider](cfg).Add(name, primary)}
}

// AddFallback appends a model tried after those already added.
func (l *LLMFallback) AddFallback(name string, p llm.Provider) { l.f.Add(name, p) }

// States reports each model's breaker state.
func (l *LLMFallback) States() map[string]State { return l.f.States() }

// Complete implements [llm.Provider]. A deadline or cancellation on ctx ends
// the call without trying the next model.
func (l *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, l.f, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// SearchFallback is a [search.Provider] behind per-backend breakers. With a
// single backend it still stops querying a search endpoint that keeps failing
// during a session.
type SearchFallback struct {
	f *Failover[search.Provider]
}

var _ search.Provider = (*SearchFallback)(nil)

// NewSearchFallback returns a SearchFallback with primary tried first.
func NewSearchFallback(primary search.Provider, name string, cfg FallbackConfig) *SearchFallback {
	return &SearchFallback{f: NewFailover[search.Provider](cfg).Add(name, primary)}
}

// AddFallback appends a backend tried after those already added.
func (s *SearchFallback) AddFallback(name string, p search.Provider) { s.f.Add(name, p) }

// States reports each backend's breaker state.
func (s *SearchFallback) States() map[string]State { return s.f.States() }

// Search implements [search.Provider].
func (s *SearchFallback) Search(ctx context.Context, query string, max int) ([]search.Result, error) {
	return Call(ctx, s.f, func(ctx context.Context, p search.Provider) ([]search.Result, error) {
		return p.Search(ctx, query, max)
	})
}
