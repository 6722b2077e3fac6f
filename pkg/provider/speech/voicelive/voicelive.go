// Package voicelive implements the speech.Provider interface for the Azure
// Voice Live realtime API.
//
// It establishes a bidirectional WebSocket connection and exchanges JSON
// events: audio travels as base64-encoded PCM16 chunks, session configuration
// via session.update. Server-side turn detection is disabled — the caller
// decides when a turn ends and flushes it with an explicit
// input_audio_buffer.commit followed by response.create.
package voicelive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/caredial/caredial/pkg/provider/speech"
)

// Compile-time assertions that Provider and session satisfy the speech
// interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*session)(nil)

const (
	defaultModel      = "gpt-4o-realtime-preview"
	defaultAPIVersion = "2025-05-01-preview"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Voice Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAPIVersion overrides the API version query parameter.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// Provider implements speech.Provider for Azure Voice Live.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	apiVersion string
}

// New creates a Voice Live provider. endpoint is the resource websocket base
// (e.g., "wss://my-resource.services.ai.azure.com/voice-live/realtime").
func New(endpoint, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      defaultModel,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a Voice Live session. It sends the session.update
// immediately; readiness (session.updated) is reported asynchronously as an
// EventReady on the session's Events channel.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?api-version=%s&model=%s",
		p.endpoint, url.QueryEscape(p.apiVersion), url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"api-key": []string{p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("voicelive: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, 64),
		events:  make(chan speech.Event, 16),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("voicelive: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`

	// TurnDetection is always serialized, as an explicit null: the service
	// defaults to server VAD, and turn taking belongs to the caller.
	TurnDetection any `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail is the nested error object of an error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	events  chan speech.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(cfg speech.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("voicelive: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(speech.Event{Type: speech.EventClosed, Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		s.emit(speech.Event{Type: speech.EventReady})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(speech.Event{Type: speech.EventError, Err: fmt.Errorf("voicelive: %s", msg)})
	}
}

func (s *session) emit(ev speech.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.events)
	})
}

// ── SessionHandle methods ─────────────────────────────────────────────────────

// AppendAudio buffers a raw PCM16 chunk on the service side without ending
// the turn.
func (s *session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("voicelive: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit ends the turn: the buffered audio is committed and a response is
// requested.
func (s *session) Commit() error {
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// ClearInput discards audio buffered on the service side since the last
// commit.
func (s *session) ClearInput() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Audio returns the channel on which synthesized agent audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events returns the session lifecycle event channel.
func (s *session) Events() <-chan speech.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
