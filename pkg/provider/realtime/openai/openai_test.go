package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for the next event of kind on sess.
func nextEvent(t *testing.T, sess realtime.Session, kind realtime.EventKind) realtime.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sess.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type received struct {
		model string
		auth  string
		msg   map[string]any
	}
	got := make(chan received, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- received{model: r.URL.Query().Get("model"), auth: r.Header.Get("Authorization"), msg: msg}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithModel("gpt-test"), openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		Instructions: "Be a teacher.",
		Voice:        "alloy",
		Tools: []realtime.ToolDefinition{{
			Name:       "search_information",
			Parameters: map[string]any{"type": "object"},
		}},
		TurnDetection: realtime.TurnDetection{
			Threshold:       0.5,
			PrefixPadding:   300 * time.Millisecond,
			SilenceDuration: time.Second,
		},
		Temperature:     0.7,
		MaxOutputTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var r received
	select {
	case r = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}

	if r.model != "gpt-test" {
		t.Errorf("model = %q, want gpt-test", r.model)
	}
	if r.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", r.auth)
	}
	if r.msg["type"] != "session.update" {
		t.Fatalf("type = %v, want session.update", r.msg["type"])
	}
	s, _ := r.msg["session"].(map[string]any)
	if s["voice"] != "alloy" || s["instructions"] != "Be a teacher." {
		t.Errorf("voice/instructions not forwarded: %v", s)
	}
	if s["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", s["tool_choice"])
	}
	td, _ := s["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"] != float64(1000) || td["prefix_padding_ms"] != float64(300) {
		t.Errorf("turn_detection = %v", td)
	}
	tr, _ := s["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription model = %v, want whisper-1", tr["model"])
	}
	if s["max_response_output_tokens"] != float64(1000) {
		t.Errorf("max_response_output_tokens = %v", s["max_response_output_tokens"])
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestEvents_DeliveredInOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "some.future.event"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hi there"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []realtime.EventKind{
		realtime.EventAudio,
		realtime.EventTextDelta,
		realtime.EventTurnComplete,
		realtime.EventStudentTranscript,
		realtime.EventError,
	}
	var got []realtime.Event
	timeout := time.After(3 * time.Second)
	for len(got) < len(want) {
		select {
		case evt := <-sess.Events():
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timeout after %d events", len(got))
		}
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d: got %s, want %s", i, got[i].Kind, k)
		}
	}
	if string(got[0].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", got[0].Audio, pcm)
	}
	if got[1].Text != "Hello" || got[3].Text != "Hi there" {
		t.Errorf("texts = %q, %q", got[1].Text, got[3].Text)
	}
	if got[4].Err == nil || !strings.Contains(got[4].Err.Error(), "rate limited") {
		t.Errorf("error event = %v", got[4].Err)
	}
}

func TestToolCall_RunsHandlerAndRepliesWithOutput(t *testing.T) {
	t.Parallel()

	type reply struct {
		item     map[string]any
		response map[string]any
	}
	replies := make(chan reply, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_1",
			"name":      "note_student_performance",
			"arguments": `{"category":"grammar","note":"past tense"}`,
		})
		var item, resp map[string]any
		readJSON(t, conn, &item)
		readJSON(t, conn, &resp)
		replies <- reply{item: item, response: resp}
		<-conn.CloseRead(context.Background()).Done()
	})

	gotArgs := make(chan string, 1)
	handler := func(_ context.Context, name, args string) (string, error) {
		gotArgs <- name + " " + args
		return "Note recorded.", nil
	}

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{ToolHandler: handler})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evt := nextEvent(t, sess, realtime.EventToolCall)
	if evt.Name != "note_student_performance" {
		t.Errorf("tool event name = %q", evt.Name)
	}

	select {
	case a := <-gotArgs:
		if !strings.HasPrefix(a, "note_student_performance ") {
			t.Errorf("handler got %q", a)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}

	select {
	case r := <-replies:
		item, _ := r.item["item"].(map[string]any)
		if r.item["type"] != "conversation.item.create" || item["type"] != "function_call_output" {
			t.Errorf("unexpected item message: %v", r.item)
		}
		if item["call_id"] != "call_1" || item["output"] != "Note recorded." {
			t.Errorf("item = %v", item)
		}
		if r.response["type"] != "response.create" {
			t.Errorf("second message type = %v, want response.create", r.response["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive tool output")
	}
}

func TestToolCall_WithoutHandlerReportsNotFound(t *testing.T) {
	t.Parallel()

	outputs := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type": "response.function_call_arguments.done", "call_id": "c", "name": "launch", "arguments": "{}",
		})
		var msg struct {
			Item struct {
				Output string `json:"output"`
			} `json:"item"`
		}
		readJSON(t, conn, &msg)
		outputs <- msg.Item.Output
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case out := <-outputs:
		if out != "Tool launch not found." {
			t.Errorf("output = %q", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudioAndText(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 4 {
			var m map[string]any
			readJSON(t, conn, &m)
			msgs <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendText("Hello."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var got []map[string]any
	for range 4 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout after %d messages", len(got))
		}
	}
	if got[1]["type"] != "input_audio_buffer.append" || got[1]["audio"] != base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB}) {
		t.Errorf("audio message = %v", got[1])
	}
	if got[2]["type"] != "conversation.item.create" {
		t.Errorf("text message = %v", got[2])
	}
	item, _ := got[2]["item"].(map[string]any)
	content, _ := item["content"].([]any)
	if len(content) != 1 || content[0].(map[string]any)["text"] != "Hello." {
		t.Errorf("content = %v", content)
	}
	if got[3]["type"] != "response.create" {
		t.Errorf("trigger message = %v", got[3])
	}
}

func TestClose_IdempotentAndFailsSends(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := sess.SendAudio([]byte{1}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendAudio after Close = %v, want ErrNotConnected", err)
	}
	if err := sess.SendText("x"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendText after Close = %v, want ErrNotConnected", err)
	}

	// The stream must close.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event stream not closed after Close")
		}
	}
}

func TestTransportFailure_MarksDisconnected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	sess, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evt := nextEvent(t, sess, realtime.EventClosed)
	if evt.Err == nil {
		t.Error("EventClosed.Err = nil after transport failure")
	}
	if sess.Connected() {
		t.Error("Connected() = true after transport failure")
	}
	if err := sess.SendAudio([]byte{1}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
}
