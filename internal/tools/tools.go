// Package tools maps the function names the agent may call to handlers with a
// declared JSON Schema for their arguments.
//
// Arguments are validated against the schema before the handler runs, so
// handlers can decode without re-checking required fields. Each built-in tool
// lives in its own sub-package and exports a constructor returning a [Tool].
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
)

// Tool is a callable function exposed to the agent.
type Tool struct {
	// Name is the function name the agent uses.
	Name string

	// Description tells the agent when to call the tool.
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any

	// Handler runs the tool with the raw JSON arguments and returns the text
	// sent back to the agent. It must be safe for concurrent use.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolError reports a failed tool invocation. Its message is what the agent
// hears, so it carries no tool name prefix.
type ToolError struct {
	Tool string
	Err  error
}

// Error implements error.
func (e *ToolError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error { return e.Err }

// ErrInvalidArguments is wrapped by a [ToolError] when the arguments do not
// match the tool's schema.
var ErrInvalidArguments = errors.New("invalid arguments")

// CallObserver is notified after every tool call. err is nil on success.
type CallObserver func(name string, d time.Duration, err error)

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry holds the tools of one session. Registration happens before the
// session connects; Handle is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	order    []string
	observer CallObserver
}

// NewRegistry returns a Registry holding ts. It fails if a schema does not
// compile or a name repeats.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: %s: handler must not be nil", t.Name)
	}
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("tools: %s: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[t.Name]; dup {
		return fmt.Errorf("tools: %s: already registered", t.Name)
	}
	t.Parameters = params
	r.entries[t.Name] = entry{tool: t, schema: schema}
	r.order = append(r.order, t.Name)
	return nil
}

// SetObserver installs fn as the post-call hook.
func (r *Registry) SetObserver(fn CallObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Definitions returns the agent-facing descriptors in registration order.
func (r *Registry) Definitions() []realtime.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]realtime.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.entries[name].tool
		defs = append(defs, realtime.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// NotFound is the reply for a tool name nobody registered.
func NotFound(name string) string {
	return fmt.Sprintf("Tool %s not found.", name)
}

// Handle validates args and runs the named tool. Unknown names produce the
// [NotFound] text rather than an error. Failures come back as *[ToolError].
// Handle satisfies [realtime.ToolHandler].
func (r *Registry) Handle(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	observer := r.observer
	r.mu.RUnlock()

	if !ok {
		slog.Warn("tools: unknown tool requested", "tool", name)
		return NotFound(name), nil
	}

	start := time.Now()
	out, err := r.call(ctx, e, args)
	if observer != nil {
		observer(name, time.Since(start), err)
	}
	if err != nil {
		slog.Warn("tools: call failed", "tool", name, "err", err)
		return "", err
	}
	slog.Debug("tools: call finished", "tool", name, "duration", time.Since(start))
	return out, nil
}

func (r *Registry) call(ctx context.Context, e entry, args string) (string, error) {
	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	res, err := e.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return "", &ToolError{Tool: e.tool.Name, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, d := range res.Errors() {
			msgs = append(msgs, d.String())
		}
		return "", &ToolError{Tool: e.tool.Name, Err: fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))}
	}

	out, err := e.tool.Handler(ctx, raw)
	if err != nil {
		return "", &ToolError{Tool: e.tool.Name, Err: err}
	}
	return out, nil
}
