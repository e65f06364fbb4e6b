package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Call] when no backend produced a result,
// either because each one failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is shared by every backend of a [Failover].
type FallbackConfig struct {
	// CircuitBreaker is the template for each backend's breaker. Its Name is
	// replaced by the backend name.
	CircuitBreaker CircuitBreakerConfig

	// OnAttempt, if set, is called after every call that reached a backend,
	// with the backend's name and the call's error. Calls rejected by an open
	// breaker are not reported.
	OnAttempt func(name string, err error)
}

type backend[T any] struct {
	name    string
	impl    T
	breaker *CircuitBreaker
}

// Failover is an ordered list of interchangeable backends, each behind its
// own [CircuitBreaker]. Backends are added before first use; after that a
// Failover is safe for concurrent use.
type Failover[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFailover returns an empty Failover.
func NewFailover[T any](cfg FallbackConfig) *Failover[T] {
	return &Failover[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order they were added.
func (f *Failover[T]) Add(name string, impl T) *Failover[T] {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.backends = append(f.backends, backend[T]{name: name, impl: impl, breaker: NewCircuitBreaker(bc)})
	return f
}

// Len returns the number of backends.
func (f *Failover[T]) Len() int { return len(f.backends) }

// States reports each backend's breaker state by name.
func (f *Failover[T]) States() map[string]State {
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Call runs fn against each backend in order and returns the first success.
// Backends with an open breaker are skipped. When ctx ends, no further backend
// is tried and the context error is returned. If every backend fails the
// error wraps [ErrAllFailed] and each backend's error.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, b := range f.backends {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := b.breaker.Execute(func() (err error) {
			out, err = fn(ctx, b.impl)
			return err
		})
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: backend skipped, breaker open", "backend", b.name)
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			continue
		}
		if f.cfg.OnAttempt != nil {
			f.cfg.OnAttempt(b.name, err)
		}
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", b.name, err)
		}
		slog.Warn("resilience: backend failed", "backend", b.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
