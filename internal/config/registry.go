package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/llm"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/search"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider that has no registered factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name-keyed factory table of one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func (f *factories[T]) lookup(name string) (Factory[T], error) {
	build, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q (known: %v)", ErrProviderNotRegistered, f.kind, name, slices.Sorted(maps.Keys(f.byName)))
	}
	return build, nil
}

// create runs the factory outside the registry lock.
func create[T any](r *Registry, f *factories[T], entry ProviderEntry) (T, error) {
	r.mu.RLock()
	build, err := f.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return build(entry)
}

// Registry turns the provider entries of a [Config] into providers. main
// registers the built-in factories; tests register fakes. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime factories[realtime.Provider]
	llm      factories[llm.Provider]
	search   factories[search.Provider]
}

// NewRegistry returns a Registry without factories.
func NewRegistry() *Registry {
	return &Registry{
		realtime: factories[realtime.Provider]{kind: "realtime", byName: map[string]Factory[realtime.Provider]{}},
		llm:      factories[llm.Provider]{kind: "llm", byName: map[string]Factory[llm.Provider]{}},
		search:   factories[search.Provider]{kind: "search", byName: map[string]Factory[search.Provider]{}},
	}
}

// RegisterRealtime registers the realtime agent factory for name, replacing
// any earlier one.
func (r *Registry) RegisterRealtime(name string, f Factory[realtime.Provider]) {
	r.mu.Lock()
	r.realtime.byName[name] = f
	r.mu.Unlock()
}

// RegisterLLM registers the scoring model factory for name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

// RegisterSearch registers the web search factory for name.
func (r *Registry) RegisterSearch(name string, f Factory[search.Provider]) {
	r.mu.Lock()
	r.search.byName[name] = f
	r.mu.Unlock()
}

// CreateRealtime builds the realtime provider named by entry.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	return create(r, &r.realtime, entry)
}

// CreateLLM builds the scoring model named by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, &r.llm, entry)
}

// CreateSearch builds the search backend named by entry.
func (r *Registry) CreateSearch(entry ProviderEntry) (search.Provider, error) {
	return create(r, &r.search, entry)
}
