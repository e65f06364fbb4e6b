// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to push inbound events with [Session.Emit], trigger tool calls
// with [Session.CallTool] and inspect what the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Kind: realtime.EventTextDelta, Text: "Hello"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Hold, if non-nil, makes Connect wait until it is closed or ctx ends.
	Hold <-chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr. The session
// remembers cfg so that CallTool can reach the tool handler.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hold := p.Hold
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	p.Session.setConfig(cfg)
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ConnectCalls)
}

// ToolResult records one tool call answered by the handler.
type ToolResult struct {
	Name   string
	Args   string
	Output string
}

// Session is a mock implementation of realtime.Session.
type Session struct {
	mu sync.Mutex

	cfg    realtime.SessionConfig
	events chan realtime.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by SendAudio while connected.
	SendAudioErr error

	audio       [][]byte
	texts       []string
	toolResults []ToolResult
	closeCalls  int
}

// NewSession returns a connected session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 256)}
}

func (s *Session) setConfig(cfg realtime.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Emit pushes evt to the event stream. It is a no-op after Close.
func (s *Session) Emit(evt realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// CallTool runs the configured tool handler synchronously, as the provider's
// tool goroutine would, and records the output.
func (s *Session) CallTool(ctx context.Context, name, args string) string {
	s.mu.Lock()
	h := s.cfg.ToolHandler
	s.mu.Unlock()

	out := "Tool " + name + " not found."
	if h != nil {
		res, err := h(ctx, name, args)
		if err != nil {
			res = "Tool " + name + " failed: " + err.Error()
		}
		out = res
	}

	s.mu.Lock()
	s.toolResults = append(s.toolResults, ToolResult{Name: name, Args: args, Output: out})
	s.mu.Unlock()
	return out
}

// SendAudio records the chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrNotConnected
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, slices.Clone(pcm))
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrNotConnected
	}
	s.texts = append(s.texts, text)
	return nil
}

// Events returns the event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Connected reports whether Close has not been called.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close emits EventClosed, closes the stream and records the call.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case s.events <- realtime.Event{Kind: realtime.EventClosed}:
	default:
	}
	close(s.events)
	return nil
}

// Config returns the SessionConfig passed to Connect.
func (s *Session) Config() realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Audio returns a copy of every chunk sent with SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

// Texts returns every text sent with SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.texts)
}

// ToolResults returns every tool call answered through CallTool.
func (s *Session) ToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.toolResults)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Session  = (*Session)(nil)
)
