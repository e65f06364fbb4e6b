// Package realtime defines the Provider interface for duplex voice-agent
// backends.
//
// A realtime provider wraps a conversational agent that accepts streaming
// microphone audio and text, and answers with streaming synthesised audio,
// transcript fragments and tool-call requests over one persistent connection.
// The OpenAI Realtime API is the reference backend.
//
// The central abstraction is Session: one connection for the lifetime of one
// conversation. Inbound traffic is surfaced as a single ordered stream of
// [Event] values so that consumers observe events in network delivery order.
// Tool calls are the exception: they are executed on their own goroutine via
// [SessionConfig.ToolHandler] so a slow tool never stalls the event stream.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Session send methods once the session has
// been closed or its transport has failed. Audio is best-effort, so callers
// usually drop the chunk and carry on.
var ErrNotConnected = errors.New("realtime: not connected")

// ToolDefinition describes a callable tool offered to the agent.
type ToolDefinition struct {
	// Name is the unique tool identifier the agent uses in tool-call requests.
	Name string

	// Description explains to the agent when and how to use the tool.
	Description string

	// Parameters is a JSON Schema object describing the tool arguments.
	Parameters map[string]any
}

// TurnDetection tunes the server-side end-of-turn detector.
type TurnDetection struct {
	// Threshold is the server VAD activation threshold in [0,1].
	Threshold float64

	// PrefixPadding is the lead-in audio kept before detected speech.
	PrefixPadding time.Duration

	// SilenceDuration is the trailing silence that ends a turn.
	SilenceDuration time.Duration
}

// ToolHandler executes one tool call. args is the raw JSON argument string
// produced by the agent. The returned string is sent back as the tool output.
// A returned error is reported to the agent as the output text.
type ToolHandler func(ctx context.Context, name, args string) (string, error)

// SessionConfig is the initial configuration sent when a session opens.
type SessionConfig struct {
	// Instructions is the system prompt defining the persona and scenario.
	Instructions string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Tools lists the tools the agent may call.
	Tools []ToolDefinition

	// TurnDetection tunes end-of-turn detection.
	TurnDetection TurnDetection

	// Temperature is the sampling temperature. Zero uses the provider default.
	Temperature float64

	// MaxOutputTokens caps each agent response. Zero uses the provider default.
	MaxOutputTokens int

	// TranscriptionModel names the model transcribing student audio.
	TranscriptionModel string

	// ToolHandler runs tool calls. Nil makes every tool call answer with a
	// "not found" text.
	ToolHandler ToolHandler
}

// EventKind enumerates the inbound event types surfaced by a Session.
type EventKind int

const (
	// EventAudio carries a decoded PCM16 audio delta in [Event.Audio].
	EventAudio EventKind = iota

	// EventTextDelta carries a fragment of the agent's spoken text.
	EventTextDelta

	// EventStudentTranscript carries the final transcript of one student
	// utterance.
	EventStudentTranscript

	// EventTurnComplete marks the end of one agent response.
	EventTurnComplete

	// EventToolCall reports that a tool call was dispatched. [Event.Name]
	// holds the tool name and [Event.Text] the raw arguments.
	EventToolCall

	// EventError carries a provider-reported or transport error.
	EventError

	// EventClosed is the last event on the stream. [Event.Err] is nil when the
	// session was closed by the caller.
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTextDelta:
		return "text_delta"
	case EventStudentTranscript:
		return "student_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a Session.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Name  string
	Err   error
}

// Session is one open connection to a realtime agent. Send methods serialise
// writes internally and may be called from any goroutine.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio forwards one PCM16 little-endian mono chunk. Returns
	// ErrNotConnected after Close or a transport failure.
	SendAudio(pcm []byte) error

	// SendText injects a user text message and asks the agent to respond.
	SendText(text string) error

	// Events returns the inbound event stream. It is closed after the
	// EventClosed event has been delivered.
	Events() <-chan Event

	// Connected reports whether sends can still succeed.
	Connected() bool

	// Close terminates the connection. It is idempotent and safe to call from
	// any goroutine.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect dials the agent and sends the initial session configuration.
	// On error no session exists and nothing needs closing.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
