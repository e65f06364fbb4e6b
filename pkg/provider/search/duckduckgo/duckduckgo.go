// Package duckduckgo provides a search provider backed by the DuckDuckGo
// HTML endpoint.
//
// The endpoint needs no API key. Results are scraped from the static HTML
// page: each hit is an anchor with class "result__a" followed by an element
// with class "result__snippet". Redirect links of the form
// "//duckduckgo.com/l/?uddg=<target>" are resolved to their target URL.
//
// Example usage:
//
//	p := duckduckgo.New(duckduckgo.WithTimeout(10 * time.Second))
//	results, err := p.Search(ctx, "weather in Tokyo", 3)
package duckduckgo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
)

// DefaultBaseURL is the DuckDuckGo HTML search endpoint.
const DefaultBaseURL = "https://html.duckduckgo.com/html/"

// DefaultUserAgent is sent with every request; the endpoint rejects empty
// user agents.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) kaiwa/1.0"

var _ search.Provider = (*Provider)(nil)

// Provider implements search.Provider against DuckDuckGo. It is safe for
// concurrent use.
type Provider struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type config struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides [DefaultBaseURL]. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithUserAgent overrides [DefaultUserAgent].
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

// WithTimeout sets a per-request HTTP timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New returns a Provider.
func New(opts ...Option) *Provider {
	cfg := config{baseURL: DefaultBaseURL, userAgent: DefaultUserAgent}
	for _, o := range opts {
		o(&cfg)
	}
	return &Provider{
		baseURL:    cfg.baseURL,
		userAgent:  cfg.userAgent,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}
}

// Search implements search.Provider.
func (p *Provider) Search(ctx context.Context, query string, max int) ([]search.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("duckduckgo: empty query")
	}
	if max <= 0 {
		max = search.DefaultMaxResults
	}

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("duckduckgo: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse html: %w", err)
	}
	return extractResults(doc, max), nil
}

// extractResults walks the document in order, opening a result at each
// "result__a" anchor and attaching the next "result__snippet" to it.
func extractResults(doc *html.Node, max int) []search.Result {
	var (
		out []search.Result
		cur *search.Result
	)
	flush := func() {
		if cur != nil && cur.Title != "" {
			out = append(out, *cur)
		}
		cur = nil
	}

	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				flush()
				if len(out) >= max {
					return false
				}
				cur = &search.Result{
					Title: textContent(n),
					URL:   resolveRedirect(attr(n, "href")),
				}
				return true
			case hasClass(n, "result__snippet"):
				if cur != nil && cur.Snippet == "" {
					cur.Snippet = textContent(n)
				}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)
	if len(out) < max {
		flush()
	}
	return out
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), class)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// resolveRedirect unwraps DuckDuckGo's click-tracking links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasSuffix(u.Path, "/l/") {
		return target
	}
	return href
}
