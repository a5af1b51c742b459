// Package mock provides in-memory implementations of the device interfaces
// for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on arguments, and expose fields that control return values. The
// Player's clock never advances by itself; tests move it with SetNow.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	player := &mock.Player{}
//	cp := &mock.CaptureProvider{Result: capture}
//	pp := &mock.PlaybackProvider{Result: player}
//	// ... run the session ...
//	capture.Emit(frame)
//	player.ScheduleCalls()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/device"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureProvider is a mock [device.CaptureProvider].
type CaptureProvider struct {
	mu sync.Mutex

	// Result is returned by Acquire when Err is nil.
	Result *Capture

	// Err is returned by Acquire when non-nil.
	Err error

	// AcquireCalls records the constraints of every Acquire call.
	AcquireCalls []device.Constraints
}

// Acquire implements [device.CaptureProvider].
func (p *CaptureProvider) Acquire(_ context.Context, c device.Constraints) (device.Capture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AcquireCalls = append(p.AcquireCalls, c)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		p.Result = &Capture{}
	}
	return p.Result, nil
}

// Calls returns a copy of AcquireCalls.
func (p *CaptureProvider) Calls() []device.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Constraints(nil), p.AcquireCalls...)
}

// Capture is a mock [device.Capture]. Frames are injected with Emit.
type Capture struct {
	mu sync.Mutex
	cb func(audio.NativeFrame)

	// ReleaseErr is returned by Release.
	ReleaseErr error

	releaseCount int
	subscribes   int
}

// OnFrame implements [device.Capture].
func (c *Capture) OnFrame(cb func(audio.NativeFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	if cb != nil {
		c.subscribes++
	}
}

// Release implements [device.Capture].
func (c *Capture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseCount++
	c.cb = nil
	return c.ReleaseErr
}

// Emit delivers frame to the current subscriber, synchronously. It reports
// whether a subscriber was installed.
func (c *Capture) Emit(frame audio.NativeFrame) bool {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Subscribed reports whether a frame callback is installed.
func (c *Capture) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb != nil
}

// ReleaseCount returns how many times Release was called.
func (c *Capture) ReleaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseCount
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// PlaybackProvider is a mock [device.PlaybackProvider].
type PlaybackProvider struct {
	mu sync.Mutex

	// Result is returned by Acquire when Err is nil.
	Result *Player

	// Err is returned by Acquire when non-nil.
	Err error

	// AcquireCalls records the requested formats.
	AcquireCalls []audio.Format
}

// Acquire implements [device.PlaybackProvider].
func (p *PlaybackProvider) Acquire(_ context.Context, f audio.Format) (device.Player, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AcquireCalls = append(p.AcquireCalls, f)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		p.Result = &Player{}
	}
	return p.Result, nil
}

// ScheduleCall records one Player.Schedule invocation.
type ScheduleCall struct {
	Frame audio.NativeFrame
	Start time.Duration
	Token *Token
}

// Player is a mock [device.Player] with a manually driven clock.
type Player struct {
	mu sync.Mutex

	now     time.Duration
	calls   []ScheduleCall
	release int
	waiting int

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// ScheduleGate, when non-nil, makes every Schedule call wait for a value
	// or for the channel to be closed before it is recorded.
	ScheduleGate chan struct{}

	// ReleaseErr is returned by Release.
	ReleaseErr error
}

// SetNow moves the device clock.
func (p *Player) SetNow(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = d
}

// Now implements [device.Player].
func (p *Player) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// Schedule implements [device.Player].
func (p *Player) Schedule(frame audio.NativeFrame, start time.Duration) (device.Token, error) {
	p.mu.Lock()
	gate := p.ScheduleGate
	p.waiting++
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting--
	if p.ScheduleErr != nil {
		return nil, p.ScheduleErr
	}
	tok := &Token{}
	p.calls = append(p.calls, ScheduleCall{Frame: frame, Start: start, Token: tok})
	return tok, nil
}

// Waiting returns how many Schedule calls are blocked on ScheduleGate.
func (p *Player) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

// Release implements [device.Player].
func (p *Player) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release++
	return p.ReleaseErr
}

// ScheduleCalls returns a copy of all Schedule invocations so far.
func (p *Player) ScheduleCalls() []ScheduleCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ScheduleCall(nil), p.calls...)
}

// ReleaseCount returns how many times Release was called.
func (p *Player) ReleaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.release
}

// Token is a mock [device.Token]. Tests complete it with Finish.
type Token struct {
	mu      sync.Mutex
	stopped bool
	done    bool
	hooks   []func()
}

// Stop implements [device.Token].
func (k *Token) Stop() {
	k.mu.Lock()
	k.stopped = true
	k.mu.Unlock()
	k.Finish()
}

// OnFinished implements [device.Token].
func (k *Token) OnFinished(fn func()) {
	k.mu.Lock()
	if k.done {
		k.mu.Unlock()
		fn()
		return
	}
	k.hooks = append(k.hooks, fn)
	k.mu.Unlock()
}

// Finish simulates the buffer playing out. Hooks fire at most once.
func (k *Token) Finish() {
	k.mu.Lock()
	if k.done {
		k.mu.Unlock()
		return
	}
	k.done = true
	hooks := k.hooks
	k.hooks = nil
	k.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Stopped reports whether Stop was called.
func (k *Token) Stopped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopped
}

// Compile-time interface assertions.
var (
	_ device.CaptureProvider  = (*CaptureProvider)(nil)
	_ device.Capture          = (*Capture)(nil)
	_ device.PlaybackProvider = (*PlaybackProvider)(nil)
	_ device.Player           = (*Player)(nil)
	_ device.Token            = (*Token)(nil)
)
