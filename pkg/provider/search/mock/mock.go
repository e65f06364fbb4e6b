// Package mock provides a test double for the search.Provider interface.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Query string
	Max   int
}

// Provider is a mock implementation of search.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is returned by Search, truncated to max.
	Results []search.Result

	// Err, if non-nil, is returned instead of Results.
	Err error

	calls []SearchCall
}

// Search records the call and returns the configured result.
func (p *Provider) Search(_ context.Context, query string, max int) ([]search.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, SearchCall{Query: query, Max: max})
	if p.Err != nil {
		return nil, p.Err
	}
	out := slices.Clone(p.Results)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []SearchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

var _ search.Provider = (*Provider)(nil)
