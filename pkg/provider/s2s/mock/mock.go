// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive the remote side of a channel: mark it ready, push inbound
// frames, raise interruptions, and end it with or without an error.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.MarkReady()
//	sess.PushAudio(frame)
//	sess.End(nil)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// ErrClosed is returned by Session.SendAudio after the session ended.
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

	// Session is returned by Connect. If nil, Connect returns a fresh
	// NewSession, which is then available through LastSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Hang makes Connect block until its context is cancelled and then
	// return the context error. The call is recorded before blocking.
	Hang bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.Hang {
		p.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.last = s
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Calls returns a copy of ConnectCalls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a scriptable mock implementation of s2s.SessionHandle.
type Session struct {
	ready  chan struct{}
	events chan s2s.Event

	readyOnce sync.Once
	endOnce   sync.Once

	mu         sync.Mutex
	err        error
	ended      bool
	sent       []audio.WireFrame
	sendSignal chan struct{}
	closeCount int

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		ready:      make(chan struct{}),
		events:     make(chan s2s.Event, 64),
		sendSignal: make(chan struct{}, 1),
	}
}

// MarkReady closes the Ready channel. It is safe to call more than once.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// PushAudio delivers one inbound frame. It must not be called after End.
func (s *Session) PushAudio(frame audio.WireFrame) {
	s.events <- s2s.AudioEvent(frame)
}

// RaiseInterruption emits one interruption signal behind any frames already
// pushed. It must not be called after End.
func (s *Session) RaiseInterruption() {
	s.events <- s2s.InterruptEvent()
}

// End closes the Events channel with err as the terminal error. A nil err
// simulates a clean remote close.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.ended = true
		s.mu.Unlock()
		close(s.events)
	})
}

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(frame audio.WireFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.ended {
		return ErrClosed
	}
	s.sent = append(s.sent, frame)
	select {
	case s.sendSignal <- struct{}{}:
	default:
	}
	return nil
}

// Ready implements s2s.SessionHandle.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements s2s.SessionHandle. It ends the session cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.End(nil)
	return s.CloseErr
}

// Sent returns a copy of every frame passed to SendAudio.
func (s *Session) Sent() []audio.WireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.WireFrame(nil), s.sent...)
}

// WaitSent blocks until at least n frames were sent or timeout elapses, and
// reports whether the count was reached.
func (s *Session) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got := len(s.sent)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.sendSignal:
		case <-deadline:
			return false
		}
	}
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
