// Package search provides the "search_information" tool, which lets the agent
// look up proper nouns it does not recognise.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaiwa-lab/kaiwa/internal/tools"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
)

// Name is the function name the agent calls.
const Name = "search_information"

type args struct {
	Query string `json:"query"`
}

// Tool returns the search tool backed by p. maxResults <= 0 uses
// [search.DefaultMaxResults].
func Tool(p search.Provider, maxResults int) tools.Tool {
	if maxResults <= 0 {
		maxResults = search.DefaultMaxResults
	}
	return tools.Tool{
		Name:        Name,
		Description: "Search for information about unknown topics (games, anime, specific places, current events, etc.) on the web. Use this whenever the user mentions a proper noun you don't recognize.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query (e.g., 'latest One Piece episode', 'history of Kinkakuji')",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", fmt.Errorf("search: decode arguments: %w", err)
			}
			if strings.TrimSpace(a.Query) == "" {
				return "No query provided.", nil
			}
			results, err := p.Search(ctx, a.Query, maxResults)
			if err != nil {
				// The agent gets a readable reply and the conversation goes on.
				return fmt.Sprintf("Search error: %v", err), nil
			}
			return Summarise(results), nil
		},
	}
}

// Summarise renders results as the short text the agent reads.
func Summarise(results []search.Result) string {
	if len(results) == 0 {
		return "No search results found."
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("Result %d:\nTitle: %s\nURL: %s\nSummary: %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.Join(parts, "\n")
}
