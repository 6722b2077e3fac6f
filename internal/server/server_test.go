package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/caredial/caredial/internal/app"
	"github.com/caredial/caredial/internal/config"
	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/internal/server"
	"github.com/caredial/caredial/pkg/provider/speech"
	speechmock "github.com/caredial/caredial/pkg/provider/speech/mock"
	"github.com/caredial/caredial/pkg/telephony"
	"github.com/caredial/caredial/pkg/telephony/acs"
)

// fakeDialer hands out sequential connection IDs.
type fakeDialer struct {
	mu      sync.Mutex
	n       int
	hangUps []string
}

func (d *fakeDialer) CreateCall(context.Context, acs.CallRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	return fmt.Sprintf("conn-%d", d.n), nil
}

func (d *fakeDialer) HangUp(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangUps = append(d.hangUps, id)
	return nil
}

type fixture struct {
	srv     *httptest.Server
	manager *app.CallManager
	engine  *speechmock.Session
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.PublicBaseURL = "https://bridge.example.com"
	cfg.Telephony.SourceNumber = "+15550001111"
	cfg.Engine.Provider = "mock"
	for _, opt := range opts {
		opt(cfg)
	}

	engine := speechmock.NewSession()
	reg := config.NewRegistry()
	reg.RegisterEngine("mock", func(config.EngineConfig) (speech.Provider, error) {
		return &speechmock.Provider{Session: engine}, nil
	})

	manager := app.NewCallManager(cfg, reg, &fakeDialer{}, nil, observe.DefaultMetrics())
	t.Cleanup(manager.Close)

	srv := httptest.NewServer(server.New(cfg, manager).Handler(observe.DefaultMetrics()))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, manager: manager, engine: engine}
}

func (f *fixture) startCall(t *testing.T) (callID, token string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"target_number": "+15551234567"})
	resp, err := http.Post(f.srv.URL+"/api/call", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d; want 201", resp.StatusCode)
	}
	var out struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	snap := f.manager.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v; want one call", snap)
	}
	// The media token is not exposed over the API; fish it out of the
	// manager for the websocket tests.
	mc := findCall(t, f.manager, out.CallID)
	return out.CallID, mc.Token
}

func findCall(t *testing.T, m *app.CallManager, callID string) *app.ManagedCall {
	t.Helper()
	mc, err := m.Lookup(callID)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", callID, err)
	}
	return mc
}

// dialMedia opens the media websocket and consumes the ack.
func dialMedia(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/media/" + token
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	_, ack, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !bytes.Equal(ack, telephony.Ack()) {
		t.Fatalf("first message = %s; want ack", ack)
	}
	return conn
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ── API routes ────────────────────────────────────────────────────────────────

func TestStartCall_ReturnsCallID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	callID, _ := f.startCall(t)
	if callID == "" {
		t.Fatal("empty call ID")
	}
}

func TestStartCall_RejectsBadBodies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for name, body := range map[string]string{
		"empty target": `{"target_number":""}`,
		"not JSON":     `target=+15551234567`,
	} {
		resp, err := http.Post(f.srv.URL+"/api/call", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d; want 400", name, resp.StatusCode)
		}
	}
}

func TestHangUp_UnknownCallIs404(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/call/bogus", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d; want 404", resp.StatusCode)
	}
}

func TestCallbacks_ActivateAttachedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.startCall(t)
	dialMedia(t, f, token)

	payload := `[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"conn-1"}}]`
	resp, err := http.Post(f.srv.URL+"/api/callbacks", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/callbacks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}

	waitFor(t, 3*time.Second, func() bool {
		snap := f.manager.Snapshot()
		return len(snap) == 1 && snap[0].Bridge.State == "active"
	})
}

func TestStatus_ReportsCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startCall(t)

	resp, err := http.Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string           `json:"status"`
		Calls  []app.CallStatus `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || len(body.Calls) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d; want 200", path, resp.StatusCode)
		}
	}
}

// ── Media websocket ───────────────────────────────────────────────────────────

func TestMedia_UnknownTokenIsRejectedAfterAck(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	conn := dialMedia(t, f, "bogus-token")

	// The server closes right after the ack when the token is unknown.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("read after rejection succeeded")
	}
}

func TestMedia_InboundAudioIsFramed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.startCall(t)
	conn := dialMedia(t, f, token)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Three full frames in one binary chunk plus a remainder.
	chunk := make([]byte, 3*640+100)
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write media: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		snap := f.manager.Snapshot()
		return len(snap) == 1 && snap[0].Bridge.InFrames == 3
	})
}

func TestMedia_JSONEnvelopeIsDecoded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.startCall(t)
	conn := dialMedia(t, f, token)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payload, text, err := telephony.EncodeOutbound(telephony.FormatJSONSimple, make([]byte, 640))
	if err != nil || !text {
		t.Fatalf("encode fixture: %v text=%v", err, text)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write media: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		snap := f.manager.Snapshot()
		return len(snap) == 1 && snap[0].Bridge.InFrames == 1
	})
}

func TestMedia_MetadataCountsAsTrafficForIdleTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Call.IdleTimeout = config.Duration(300 * time.Millisecond)
		cfg.Call.DrainGrace = config.Duration(20 * time.Millisecond)
	})
	_, token := f.startCall(t)
	conn := dialMedia(t, f, token)

	payload := `[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"conn-1"}}]`
	resp, err := http.Post(f.srv.URL+"/api/callbacks", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/callbacks: %v", err)
	}
	resp.Body.Close()
	waitFor(t, 3*time.Second, func() bool {
		snap := f.manager.Snapshot()
		return len(snap) == 1 && snap[0].Bridge.State == "active"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A steady stream of AudioMetadata envelopes, no audio at all. The
	// session must treat them as liveness and stay up well past the idle
	// timeout.
	for i := 0; i < 12; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"kind":"AudioMetadata"}`)); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	snap := f.manager.Snapshot()
	if len(snap) != 1 || snap[0].Bridge.State != "active" {
		t.Fatalf("snapshot = %+v; want one active call", snap)
	}

	// Once the metadata stops the idle timer ends the call.
	waitFor(t, 3*time.Second, func() bool {
		snap := f.manager.Snapshot()
		return len(snap) == 0 || snap[0].Bridge.State == "terminated"
	})
}

func TestMedia_EngineAudioIsWrittenOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.startCall(t)
	conn := dialMedia(t, f, token)

	// One exact frame of agent audio; the pacer emits it on the next tick.
	pcm := bytes.Repeat([]byte{0x42}, 640)
	f.engine.AudioCh <- pcm

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read outbound frame: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("message type = %v; want text (json_simple)", msgType)
	}
	in := telephony.DecodeText(data)
	if in.Kind != telephony.KindAudio || !bytes.Equal(in.PCM, pcm) {
		t.Errorf("decoded = kind %v, %d bytes; want the original frame", in.Kind, len(in.PCM))
	}
}

func TestMedia_SubprotocolIsEchoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.startCall(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/media/" + token
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"media.v1"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if got := conn.Subprotocol(); got != "media.v1" {
		t.Errorf("subprotocol = %q; want media.v1", got)
	}
}
