// Package openai connects conversation sessions to the OpenAI Realtime API.
//
// A session is one WebSocket carrying JSON events. Microphone audio goes up
// as base64 PCM16 at 24 kHz and the agent's voice comes back the same way.
// Tool calls run on their own goroutine; their output is posted as a
// function_call_output item followed by response.create.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
)

var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Session  = (*session)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview-2024-12-17"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	eventBuffer = 256
	// Audio deltas can exceed the library's 32 KiB default.
	readLimit = 4 << 20
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the WebSocket endpoint, e.g. with a local test server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider opens Realtime sessions with one API key.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New returns a Provider using the default model and endpoint unless
// overridden by opts.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint, configures the session and starts reading
// events. ctx bounds the handshake only.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	endpoint := p.baseURL + "?model=" + url.QueryEscape(p.model)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + p.apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial realtime: %w", err)
	}
	conn.SetReadLimit(readLimit)

	s := newSession(conn, cfg.ToolHandler)
	if err := s.write(sessionUpdate(cfg)); err != nil {
		s.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: configure session: %w", err)
	}
	go s.read()
	return s, nil
}

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	onTool realtime.ToolHandler

	// wmu keeps multi-event writes adjacent on the wire.
	wmu  sync.Mutex
	live atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	inflight sync.WaitGroup // running tool calls
}

func newSession(conn *websocket.Conn, onTool realtime.ToolHandler) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
		onTool: onTool,
		ctx:    ctx,
		cancel: cancel,
	}
	s.live.Store(true)
	return s
}

// write sends evts back to back as text frames.
func (s *session) write(evts ...clientEvent) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("openai: encode %s: %w", e.Type, err)
		}
		if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) deliver(e realtime.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// read is the connection's only reader and the owner of the events channel,
// which it closes after a final EventClosed.
func (s *session) read() {
	var cause error
	defer func() {
		s.live.Store(false)
		s.inflight.Wait()
		if cause != nil {
			slog.Warn("openai realtime: connection lost", "err", cause)
		}
		// Nobody may be reading after Close.
		select {
		case s.events <- realtime.Event{Kind: realtime.EventClosed, Err: cause}:
		default:
		}
		close(s.events)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				cause = fmt.Errorf("openai: read: %w", err)
				s.live.Store(false)
				s.deliver(realtime.Event{Kind: realtime.EventError, Err: cause})
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai realtime: skipping undecodable event", "err", err)
			continue
		}
		s.dispatch(&evt)
	}
}

func (s *session) dispatch(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if pcm, err := base64.StdEncoding.DecodeString(evt.Delta); err == nil && len(pcm) > 0 {
			s.deliver(realtime.Event{Kind: realtime.EventAudio, Audio: pcm})
		}
	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			s.deliver(realtime.Event{Kind: realtime.EventTextDelta, Text: evt.Delta})
		}
	case "conversation.item.input_audio_transcription.completed":
		s.deliver(realtime.Event{Kind: realtime.EventStudentTranscript, Text: evt.Transcript})
	case "response.done":
		s.deliver(realtime.Event{Kind: realtime.EventTurnComplete})
	case "response.function_call_arguments.done":
		s.deliver(realtime.Event{Kind: realtime.EventToolCall, Name: evt.Name, Text: evt.Arguments})
		s.inflight.Go(func() { s.answerTool(evt.CallID, evt.Name, evt.Arguments) })
	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.deliver(realtime.Event{Kind: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// answerTool runs the handler and posts its output, or a failure notice the
// model can read aloud, followed by a response trigger.
func (s *session) answerTool(callID, name, args string) {
	out := fmt.Sprintf("Tool %s not found.", name)
	if s.onTool != nil {
		res, err := s.onTool(s.ctx, name, args)
		if err != nil {
			res = fmt.Sprintf("Tool %s failed: %v", name, err)
		}
		out = res
	}
	if err := s.write(toolOutput(callID, out), responseCreate); err != nil && s.ctx.Err() == nil {
		s.deliver(realtime.Event{Kind: realtime.EventError, Err: fmt.Errorf("openai: post %s output: %w", name, err)})
	}
}

// SendAudio appends one PCM16 chunk to the input buffer.
func (s *session) SendAudio(chunk []byte) error {
	return s.send(clientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(chunk)})
}

// SendText adds a user message and asks for a response.
func (s *session) SendText(text string) error {
	return s.send(userText(text), responseCreate)
}

func (s *session) send(evts ...clientEvent) error {
	if !s.live.Load() {
		return realtime.ErrNotConnected
	}
	if err := s.write(evts...); err != nil {
		if s.ctx.Err() != nil {
			return realtime.ErrNotConnected
		}
		s.live.Store(false)
		return errors.Join(realtime.ErrNotConnected, err)
	}
	return nil
}

func (s *session) Events() <-chan realtime.Event { return s.events }

func (s *session) Connected() bool { return s.live.Load() }

// Close ends the session. It is safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		s.live.Store(false)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
