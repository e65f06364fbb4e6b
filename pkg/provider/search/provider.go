// Package search defines the web-search collaborator used by the agent's
// search tool.
//
// Implementations return a handful of ranked results for a free-text query.
// Summarising them into text for the agent is the caller's job.
package search

import "context"

// DefaultMaxResults is the number of results the search tool asks for.
const DefaultMaxResults = 3

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Provider runs web searches.
type Provider interface {
	// Search returns at most max results for query. An empty result slice with
	// a nil error means nothing matched.
	Search(ctx context.Context, query string, max int) ([]Result, error)
}
