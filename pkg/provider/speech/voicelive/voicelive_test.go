package voicelive_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/caredial/caredial/pkg/provider/speech"
	"github.com/caredial/caredial/pkg/provider/speech/voicelive"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVoiceLiveServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startVoiceLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
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

// readSessionUpdate consumes the session.update frame every session sends on
// connect and returns its raw decoded form.
func readSessionUpdate(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	if raw["type"] != "session.update" {
		t.Fatalf("first message type = %v; want session.update", raw["type"])
	}
	return raw
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	updates := make(chan map[string]any, 1)
	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		updates <- readSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{
		Voice:        "en-US-Ava:DragonHDLatestNeural",
		Instructions: "You are a scheduling assistant.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case raw := <-updates:
		sess, ok := raw["session"].(map[string]any)
		if !ok {
			t.Fatalf("session.update has no session object: %v", raw)
		}
		if sess["voice"] != "en-US-Ava:DragonHDLatestNeural" {
			t.Errorf("voice = %v; want en-US-Ava:DragonHDLatestNeural", sess["voice"])
		}
		if sess["instructions"] != "You are a scheduling assistant." {
			t.Errorf("instructions = %v", sess["instructions"])
		}
		if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
			t.Errorf("audio formats = %v / %v; want pcm16", sess["input_audio_format"], sess["output_audio_format"])
		}
		td, present := sess["turn_detection"]
		if !present || td != nil {
			t.Errorf("turn_detection = %v (present=%v); want explicit null", td, present)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_PassesModelAndVersionInURL(t *testing.T) {
	t.Parallel()

	queries := make(chan map[string]string, 1)
	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		queries <- map[string]string{
			"model":   r.URL.Query().Get("model"),
			"version": r.URL.Query().Get("api-version"),
			"api-key": r.Header.Get("api-key"),
		}
		readSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "secret-key",
		voicelive.WithModel("gpt-4o-mini-realtime"),
		voicelive.WithAPIVersion("2024-10-01-preview"))
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case q := <-queries:
		if q["model"] != "gpt-4o-mini-realtime" {
			t.Errorf("model = %q; want gpt-4o-mini-realtime", q["model"])
		}
		if q["version"] != "2024-10-01-preview" {
			t.Errorf("api-version = %q; want 2024-10-01-preview", q["version"])
		}
		if q["api-key"] != "secret-key" {
			t.Errorf("api-key header = %q; want secret-key", q["api-key"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := voicelive.New("ws://127.0.0.1:1", "key")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, speech.SessionConfig{}); err == nil {
		t.Fatal("Connect to unreachable endpoint succeeded")
	}
}

// ── Session events ────────────────────────────────────────────────────────────

func TestSession_ReadyEvent(t *testing.T) {
	t.Parallel()

	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case ev := <-handle.Events():
		if ev.Type != speech.EventReady {
			t.Errorf("event type = %v; want ready", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ready event")
	}
}

func TestSession_AudioDelta(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case chunk := <-handle.Audio():
		if string(chunk) != string(pcm) {
			t.Errorf("audio chunk = %v; want %v", chunk, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestSession_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad audio"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case ev := <-handle.Events():
		if ev.Type != speech.EventError {
			t.Fatalf("event type = %v; want error", ev.Type)
		}
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "bad audio") {
			t.Errorf("event error = %v; want to contain %q", ev.Err, "bad audio")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error event")
	}
}

func TestSession_ServerCloseEmitsClosedEvent(t *testing.T) {
	t.Parallel()

	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				t.Fatal("events channel closed without a closed event")
			}
			if ev.Type == speech.EventClosed {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for closed event")
		}
	}
}

// ── Audio path ────────────────────────────────────────────────────────────────

func TestSession_AppendCommitAndInterrupt(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	types := make(chan string, 8)
	audio := make(chan string, 1)

	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		for {
			var raw map[string]any
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			if err := json.Unmarshal(data, &raw); err != nil {
				continue
			}
			typ, _ := raw["type"].(string)
			types <- typ
			if typ == "input_audio_buffer.append" {
				a, _ := raw["audio"].(string)
				audio <- a
			}
		}
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := handle.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := handle.ClearInput(); err != nil {
		t.Fatalf("ClearInput: %v", err)
	}
	if err := handle.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	want := []string{
		"input_audio_buffer.append",
		"input_audio_buffer.commit",
		"response.create",
		"input_audio_buffer.clear",
		"response.cancel",
	}
	for _, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Fatalf("message type = %q; want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %q", w)
		}
	}

	select {
	case a := <-audio:
		if a != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("appended audio = %q; want base64 of %v", a, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for appended audio")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startVoiceLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		readSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := voicelive.New(wsURL(srv), "key")
	handle, err := p.Connect(context.Background(), speech.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.AppendAudio([]byte{1, 2}); err == nil {
		t.Error("AppendAudio after Close succeeded")
	}
}
