package openai

import (
	"cmp"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
)

// clientEvent is every event the client sends. Fields a given type does not
// use are omitted from the wire.
type clientEvent struct {
	Type    string       `json:"type"`
	Session *wireSession `json:"session,omitempty"`
	Audio   string       `json:"audio,omitempty"` // base64 PCM16
	Item    *wireItem    `json:"item,omitempty"`
}

var responseCreate = clientEvent{Type: "response.create"}

type wireSession struct {
	Modalities              []string           `json:"modalities"`
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	Tools                   []wireTool         `json:"tools,omitempty"`
	ToolChoice              string             `json:"tool_choice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *wireTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *wireTurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64            `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                `json:"max_response_output_tokens,omitempty"`
}

type wireTranscription struct {
	Model string `json:"model"`
}

type wireTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// wireItem is a conversation item: a user text message or the output of a
// function call.
type wireItem struct {
	Type    string     `json:"type"`
	Role    string     `json:"role,omitempty"`
	Content []wirePart `json:"content,omitempty"`
	CallID  string     `json:"call_id,omitempty"`
	Output  string     `json:"output,omitempty"`
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverEvent is the union of the server events the session reacts to.
type serverEvent struct {
	Type string `json:"type"`

	Delta      string `json:"delta,omitempty"`      // response.audio.delta, response.audio_transcript.delta
	Transcript string `json:"transcript,omitempty"` // input transcription completed

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func sessionUpdate(cfg realtime.SessionConfig) clientEvent {
	s := &wireSession{
		Modalities:              []string{"text", "audio"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Temperature:             cfg.Temperature,
		InputAudioTranscription: &wireTranscription{Model: cmp.Or(cfg.TranscriptionModel, defaultTranscriptionModel)},
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
	}
	if td := cfg.TurnDetection; td != (realtime.TurnDetection{}) {
		s.TurnDetection = &wireTurnDetection{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPadding.Milliseconds(),
			SilenceDurationMs: td.SilenceDuration.Milliseconds(),
		}
	}
	for _, t := range cfg.Tools {
		s.Tools = append(s.Tools, wireTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(s.Tools) > 0 {
		s.ToolChoice = "auto"
	}
	return clientEvent{Type: "session.update", Session: s}
}

func userText(text string) clientEvent {
	return clientEvent{Type: "conversation.item.create", Item: &wireItem{
		Type:    "message",
		Role:    "user",
		Content: []wirePart{{Type: "input_text", Text: text}},
	}}
}

func toolOutput(callID, output string) clientEvent {
	return clientEvent{Type: "conversation.item.create", Item: &wireItem{Type: "function_call_output", CallID: callID, Output: output}}
}
