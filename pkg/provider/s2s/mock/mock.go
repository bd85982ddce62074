// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scriptable sessions.
// Use Session to play the remote end: emit opened/message/closed/error events
// and inspect which frames the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Open()
//	sess.Audio("audio/pcm;rate=24000", pcmBytes)
//	sess.RemoteClose()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// ErrClosed is returned by SendRealtimeInput after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, if non-nil, makes Connect wait until the channel is closed
	// or ctx is done.
	ConnectGate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.S2SCapabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []*Session
}

// Connect records the call and returns a fresh Session, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Sessions returns every session created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a scriptable implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	done   chan struct{}
	once   sync.Once
	ended  bool
	closed bool
	sent   []audio.WireFrame
	notify chan struct{}

	// SendErr, if non-nil, is returned by every SendRealtimeInput call.
	SendErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// SendRealtimeInput records a copy of frame and returns SendErr.
func (s *Session) SendRealtimeInput(frame audio.WireFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := audio.WireFrame{Data: append([]byte(nil), frame.Data...), MIMEType: frame.MIMEType}
	s.sent = append(s.sent, cp)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns every frame received via SendRealtimeInput, in order.
func (s *Session) Sent() []audio.WireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.WireFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentNotify is signalled (non-blocking, capacity one) after each recorded
// send.
func (s *Session) SentNotify() <-chan struct{} { return s.notify }

// Close implements s2s.SessionHandle. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return s.CloseErr
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers ev to the reader. Terminal events close the stream. It
// reports false when the session is already closed or ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.events <- ev:
	case <-s.done:
		return false
	}
	if ev.Kind == s2s.EventClosed || ev.Kind == s2s.EventError {
		s.ended = true
		close(s.events)
	}
	return true
}

// Open emits EventOpened.
func (s *Session) Open() bool { return s.Emit(s2s.Event{Kind: s2s.EventOpened}) }

// Message emits an EventMessage carrying m.
func (s *Session) Message(m s2s.Message) bool {
	return s.Emit(s2s.Event{Kind: s2s.EventMessage, Message: m})
}

// Audio emits a message with one inline audio part.
func (s *Session) Audio(mimeType string, data []byte) bool {
	return s.Message(s2s.Message{Audio: []s2s.AudioPart{{MIMEType: mimeType, Data: data}}})
}

// Interrupt emits a message carrying only the interrupted flag.
func (s *Session) Interrupt() bool { return s.Message(s2s.Message{Interrupted: true}) }

// RemoteClose emits EventClosed.
func (s *Session) RemoteClose() bool { return s.Emit(s2s.Event{Kind: s2s.EventClosed}) }

// Fail emits EventError with err.
func (s *Session) Fail(err error) bool { return s.Emit(s2s.Event{Kind: s2s.EventError, Err: err}) }

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
