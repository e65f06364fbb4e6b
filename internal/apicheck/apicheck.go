// Package apicheck verifies that the configured API keys work by listing the
// models each endpoint offers.
package apicheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single endpoint check.
const DefaultTimeout = 10 * time.Second

// Status is the outcome of checking one endpoint.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusError        Status = "error"
	StatusUnconfigured Status = "unconfigured"
)

// Target is one OpenAI-compatible endpoint to check.
type Target struct {
	Name    string
	APIKey  string
	BaseURL string

	// Required targets fail [Checker.Ready] when not available.
	Required bool
}

// Result reports the check of one target.
type Result struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message"`
	Models  int           `json:"models,omitempty"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// Checker checks a fixed set of targets.
type Checker struct {
	targets []Target
	timeout time.Duration
}

// New returns a Checker over targets. timeout bounds each check; zero uses
// [DefaultTimeout].
func New(timeout time.Duration, targets ...Target) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{targets: append([]Target(nil), targets...), timeout: timeout}
}

// Check lists the models of t.
func (c *Checker) Check(ctx context.Context, t Target) Result {
	res := Result{Name: t.Name}
	if t.APIKey == "" {
		res.Status = StatusUnconfigured
		res.Message = "API key is not set"
		return res
	}

	opts := []option.RequestOption{option.WithAPIKey(t.APIKey), option.WithMaxRetries(0)}
	if t.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(t.BaseURL))
	}
	client := oai.NewClient(opts...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	page, err := client.Models.List(ctx)
	res.Latency = time.Since(start)
	if err != nil {
		res.Status = StatusError
		res.Message = fmt.Sprintf("connection error: %v", err)
		slog.Warn("apicheck: endpoint unavailable", "name", t.Name, "err", err)
		return res
	}

	res.Status = StatusAvailable
	res.Models = len(page.Data)
	res.Message = "API key is valid"
	slog.Debug("apicheck: endpoint available", "name", t.Name, "models", res.Models, "latency", res.Latency)
	return res
}

// CheckAll checks every target concurrently and returns the results in
// target order.
func (c *Checker) CheckAll(ctx context.Context) []Result {
	out := make([]Result, len(c.targets))
	var g errgroup.Group
	for i, t := range c.targets {
		g.Go(func() error {
			out[i] = c.Check(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Ready returns an error naming every required target that is not
// available. It suits a readiness check.
func (c *Checker) Ready(ctx context.Context) error {
	var errs []error
	for i, res := range c.CheckAll(ctx) {
		if c.targets[i].Required && res.Status != StatusAvailable {
			errs = append(errs, fmt.Errorf("%s: %s", res.Name, res.Message))
		}
	}
	return errors.Join(errs...)
}
