// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the audio/event streams and inspect which methods the
// bridge invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/caredial/caredial/pkg/provider/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg speech.SessionConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session speech.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// AppendCall records a single invocation of Session.AppendAudio.
type AppendCall struct {
	// PCM is a copy of the bytes passed to AppendAudio.
	PCM []byte
}

// Session is a mock implementation of speech.SessionHandle. Push response
// audio into AudioCh and control events into EventsCh; the zero value is not
// usable — construct with NewSession or populate the channels yourself.
type Session struct {
	mu sync.Mutex

	// AudioCh is returned by Audio. Close it to simulate session end.
	AudioCh chan []byte

	// EventsCh is returned by Events.
	EventsCh chan speech.Event

	// AppendErr, CommitErr, ClearErr, InterruptErr are returned by the
	// corresponding methods when non-nil.
	AppendErr    error
	CommitErr    error
	ClearErr     error
	InterruptErr error

	// CommitErrs, when non-empty, is consumed one element per Commit call
	// (nil entries mean success) before falling back to CommitErr. Use it to
	// script fail-then-succeed retry sequences.
	CommitErrs []error

	// ErrResult is returned by Err.
	ErrResult error

	// AppendCalls records every AppendAudio call in order.
	AppendCalls []AppendCall

	// CommitCount, ClearCount, InterruptCount, CloseCount count invocations.
	CommitCount    int
	ClearCount     int
	InterruptCount int
	CloseCount     int

	closeOnce sync.Once
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan speech.Event, 16),
	}
}

// AppendAudio records a copy of pcm and returns AppendErr.
func (s *Session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.AppendCalls = append(s.AppendCalls, AppendCall{PCM: cp})
	return s.AppendErr
}

// Commit records the call and returns the next scripted error, or CommitErr.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCount++
	if len(s.CommitErrs) > 0 {
		err := s.CommitErrs[0]
		s.CommitErrs = s.CommitErrs[1:]
		return err
	}
	return s.CommitErr
}

// ClearInput records the call and returns ClearErr.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCount++
	return s.ClearErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return s.InterruptErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Events returns EventsCh.
func (s *Session) Events() <-chan speech.Event { return s.EventsCh }

// Err returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close records the call and closes the channels exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.AudioCh)
		close(s.EventsCh)
	})
	return nil
}

// Appended returns the concatenation of all AppendAudio payloads.
func (s *Session) Appended() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.AppendCalls {
		out = append(out, c.PCM...)
	}
	return out
}

// Ensure Session implements speech.SessionHandle at compile time.
var _ speech.SessionHandle = (*Session)(nil)
