// Package session runs one real-time duplex audio conversation.
//
// A [Session] acquires a capture device, a playback device and a remote
// speech-to-speech channel, then wires them together:
//
//   - captured frames flow through a [Pipeline] (volume, encode, send)
//   - inbound frames are decoded and placed gaplessly on the playback clock
//     by a [Scheduler]
//   - interruption signals from the remote stop everything still queued.
//
// Inbound audio and interruptions are consumed from one ordered channel, so
// a frame the remote produced before an interruption is never scheduled
// after it.
//
// All scheduler state is owned by a single event-loop goroutine per session.
// Device completion hooks and send failures reach that loop over channels, so
// no lock guards the playback cursor or the pending set.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Defaults applied by [New].
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
	DefaultFrameSize    = 4096
	DefaultReadyTimeout = 15 * time.Second
)

// finishedBuffer bounds how many completion ids can queue before hooks fall
// back to a goroutine.
const finishedBuffer = 64

// Option is a functional option for [New].
type Option func(*Session)

// WithID sets the session identifier. Default: a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithInstructions sets the persona / system instructions sent on connect.
func WithInstructions(instructions string) Option {
	return func(s *Session) { s.instructions = instructions }
}

// WithVoice selects the remote voice.
func WithVoice(voice string) Option {
	return func(s *Session) { s.voice = voice }
}

// WithCaptureConstraints overrides the capture device constraints.
// Default: 16 kHz mono, 4096 samples per frame.
func WithCaptureConstraints(c device.Constraints) Option {
	return func(s *Session) { s.capture = c }
}

// WithPlaybackFormat overrides the playback device format. Default: 24 kHz mono.
func WithPlaybackFormat(f audio.Format) Option {
	return func(s *Session) { s.playback = f }
}

// WithReadyTimeout bounds how long the session waits in Connecting for the
// remote channel to report ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Session) { s.readyTimeout = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.baseLog = l }
}

// Session is one duplex audio conversation. It is created Idle, started once
// with [Session.Start] and ends in Closed or Error. All methods are safe for
// concurrent use.
type Session struct {
	id           string
	captures     device.CaptureProvider
	players      device.PlaybackProvider
	remote       s2s.Provider
	instructions string
	voice        string
	capture      device.Constraints
	playback     audio.Format
	readyTimeout time.Duration
	metrics      *observe.Metrics
	baseLog      *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	closeErr  error
	startedAt time.Time
	onState   []func(State)

	// stopping is set by Stop; cancelConnect aborts acquisition and dialling.
	stopping      bool
	cancelConnect context.CancelFunc

	onVolume atomic.Pointer[func(codec.VolumeSample)]

	opened  chan struct{}
	done    chan struct{}
	stopReq chan struct{}

	// Copies of loop-owned values for Snapshot.
	pending    atomic.Int64
	cursor     atomic.Int64
	received   atomic.Int64
	droppedIn  atomic.Int64
	activePipe atomic.Pointer[Pipeline]
}

// New returns an Idle session using the given devices and remote provider.
func New(captures device.CaptureProvider, players device.PlaybackProvider, remote s2s.Provider, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		captures: captures,
		players:  players,
		remote:   remote,
		capture: device.Constraints{
			SampleRate: DefaultCaptureRate,
			Channels:   1,
			FrameSize:  DefaultFrameSize,
		},
		playback:     audio.Format{SampleRate: DefaultPlaybackRate, Channels: 1},
		readyTimeout: DefaultReadyTimeout,
		opened:       make(chan struct{}),
		done:         make(chan struct{}),
		stopReq:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.baseLog == nil {
		s.baseLog = slog.Default()
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Opened is closed when the session enters Open. It never closes for a
// session that fails or stops while connecting; select on [Session.Done] too.
func (s *Session) Opened() <-chan struct{} { return s.opened }

// Done is closed once the session reached Closed or Error.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnStateChange registers fn to be called after every transition. Callbacks
// run synchronously on the goroutine performing the transition and must not
// block or call Stop.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// OnVolume sets the callback that receives the RMS volume of every captured
// frame. It runs on the capture goroutine and must return quickly. A nil fn
// removes the callback.
func (s *Session) OnVolume(fn func(codec.VolumeSample)) {
	if fn == nil {
		s.onVolume.Store(nil)
		return
	}
	s.onVolume.Store(&fn)
}

func (s *Session) emitVolume(v codec.VolumeSample) {
	if fn := s.onVolume.Load(); fn != nil {
		(*fn)(v)
	}
}

// conn holds the resources of a started session. Fields are set during
// Start and afterwards only touched by the event loop.
type conn struct {
	ctx  context.Context
	span trace.Span
	log  *slog.Logger

	connectSpan   trace.Span
	connectStart  time.Time
	connected     bool
	cancelConnect context.CancelFunc

	capture device.Capture
	player  device.Player
	handle  s2s.SessionHandle
	sched   *Scheduler
	pipe    *Pipeline

	finished chan uint64
	sendErr  chan error
	quit     chan struct{}
}

// reportSendError forwards the pipeline's first send failure to the loop.
func (c *conn) reportSendError(err error) {
	select {
	case c.sendErr <- err:
	default:
	}
}

// Start moves the session to Connecting, acquires both devices and dials the
// remote channel. It returns once the channel is dialled; the transition to
// Open happens asynchronously when the remote reports ready. On failure the
// session ends in Error and the returned error is also available via Err.
// A Stop while Start is still acquiring or dialling cancels that work; the
// session then ends in Closed and Start returns [ErrStoppedWhileConnecting].
//
// ctx bounds only device acquisition and dialling. The running session is
// ended with [Session.Stop].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return ErrSessionTerminal
	case s.state != Idle:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = Connecting
	s.startedAt = time.Now()
	spanCtx, span := observe.StartSpan(ctx, "session",
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
	dialCtx, cancelConnect := context.WithCancel(spanCtx)
	s.cancelConnect = cancelConnect
	cbs := slices.Clone(s.onState)
	s.mu.Unlock()
	notify(cbs, Connecting)

	runCtx := context.WithoutCancel(spanCtx)
	c := &conn{
		ctx:           runCtx,
		span:          span,
		log:           observe.LoggerFrom(runCtx, s.baseLog).With("session_id", s.id),
		connectStart:  time.Now(),
		cancelConnect: cancelConnect,
		finished:      make(chan uint64, finishedBuffer),
		sendErr:       make(chan error, 1),
		quit:          make(chan struct{}),
	}
	s.metrics.ActiveSessions.Add(runCtx, 1)

	connectCtx, connectSpan := observe.StartSpan(dialCtx, "session.connect")
	c.connectSpan = connectSpan

	capture, err := s.captures.Acquire(connectCtx, s.capture)
	if err != nil {
		return s.abort(c, &DeviceUnavailableError{Device: "capture", Err: err})
	}
	c.capture = capture
	if s.stopRequested() {
		return s.abort(c, nil)
	}

	player, err := s.players.Acquire(connectCtx, s.playback)
	if err != nil {
		return s.abort(c, &DeviceUnavailableError{Device: "playback", Err: err})
	}
	c.player = player
	if s.stopRequested() {
		return s.abort(c, nil)
	}

	handle, err := s.remote.Connect(connectCtx, s2s.SessionConfig{
		Instructions: s.instructions,
		Voice:        s.voice,
		InputFormat:  s.capture.Format(),
		OutputFormat: s.playback,
	})
	if err != nil {
		return s.abort(c, &TransportError{Stage: StageConnect, Err: err})
	}
	c.handle = handle
	if s.stopRequested() {
		return s.abort(c, nil)
	}
	c.sched = NewScheduler(player, s.playback, c.finished, c.quit)

	c.log.Debug("session connecting",
		"capture", s.capture.Format().String(),
		"playback", s.playback.String(),
	)
	go s.run(c)
	return nil
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// abort ends a Start that failed or was stopped before the event loop ran.
// A pending stop wins over cause: the session goes through Closing to Closed.
// Otherwise it releases what was acquired and ends in Error.
func (s *Session) abort(c *conn, cause error) error {
	if s.stopRequested() {
		s.shutdown(c, Closed, nil)
		return ErrStoppedWhileConnecting
	}
	s.releaseAfterFailure(c)
	s.finish(c, Error, cause)
	return cause
}

// Stop ends the session and blocks until it reached a terminal state. It
// returns the joined errors of the release sequence, if any. Stop on a
// closing or terminal session is a no-op returning nil; Stop on an Idle
// session moves it straight to Closed. Stop during Connecting cancels device
// acquisition and dialling, so it does not wait for a hanging connect.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.state = Closed
		cbs := slices.Clone(s.onState)
		s.mu.Unlock()
		notify(cbs, Closed)
		close(s.done)
		return nil
	case Closed, Error:
		s.mu.Unlock()
		return nil
	case Closing:
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopping = true
	var cancel context.CancelFunc
	if s.state == Connecting {
		cancel = s.cancelConnect
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case s.stopReq <- struct{}{}:
		<-s.done
	case <-s.done:
		// Start honoured the stop itself, or the session ended on its own.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil
		}
		return s.closeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// run is the session event loop.
func (s *Session) run(c *conn) {
	defer close(c.quit)
	if !s.awaitReady(c) {
		return
	}
	s.open(c)
	s.serve(c)
}

// awaitReady waits in Connecting. It reports false when the session ended.
func (s *Session) awaitReady(c *conn) bool {
	timer := time.NewTimer(s.readyTimeout)
	defer timer.Stop()

	events := c.handle.Events()
	for {
		select {
		case <-c.handle.Ready():
			return true
		case <-s.stopReq:
			s.shutdown(c, Closed, nil)
			return false
		case ev, ok := <-events:
			if !ok {
				s.remoteClosed(c)
				return false
			}
			if ev.Kind != s2s.EventAudio {
				continue
			}
			s.droppedIn.Add(1)
			s.metrics.RecordDrop(c.ctx, observe.DirectionInbound, observe.ReasonNotOpen)
		case <-timer.C:
			s.shutdown(c, Error, &TransportError{Stage: StageConnect, Err: ErrReadyTimeout})
			return false
		}
	}
}

// open performs the Connecting → Open transition.
func (s *Session) open(c *conn) {
	c.connected = true
	c.connectSpan.End()
	elapsed := time.Since(c.connectStart)
	s.metrics.ConnectDuration.Record(c.ctx, elapsed.Seconds())

	c.sched.Reset(c.player.Now())
	s.mirror(c)

	c.pipe = newPipeline(c.ctx, c.handle, s.metrics, c.log, s.emitVolume, c.reportSendError)
	s.activePipe.Store(c.pipe)
	c.capture.OnFrame(c.pipe.Handle)

	s.mu.Lock()
	s.state = Open
	close(s.opened)
	cbs := slices.Clone(s.onState)
	s.mu.Unlock()
	notify(cbs, Open)

	c.log.Info("session open", "connect_duration", elapsed)
}

// serve runs the Open state until the session ends. Inbound events are
// handled strictly in the order the remote sent them.
func (s *Session) serve(c *conn) {
	events := c.handle.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.remoteClosed(c)
				return
			}
			switch ev.Kind {
			case s2s.EventInterrupted:
				s.interrupt(c)
			case s2s.EventAudio:
				s.play(c, ev.Frame)
			}

		case id := <-c.finished:
			if c.sched.Complete(id) {
				s.metrics.PlaybackPending.Add(c.ctx, -1)
				s.mirror(c)
			}

		case err := <-c.sendErr:
			s.shutdown(c, Error, &TransportError{Stage: StageSend, Err: err})
			return

		case <-s.stopReq:
			s.shutdown(c, Closed, nil)
			return
		}
	}
}

// play decodes one inbound frame and schedules it.
func (s *Session) play(c *conn, wire audio.WireFrame) {
	frame, err := c.sched.Conform(wire)
	if err != nil {
		c.log.Debug("dropping inbound frame", "err", err, "mime", wire.MIMEType)
		s.droppedIn.Add(1)
		s.metrics.RecordDrop(c.ctx, observe.DirectionInbound, observe.ReasonDecode)
		return
	}

	now := c.player.Now()
	h, err := c.sched.Schedule(frame)
	if err != nil {
		c.log.Debug("dropping inbound frame", "err", err)
		s.droppedIn.Add(1)
		s.metrics.RecordDrop(c.ctx, observe.DirectionInbound, observe.ReasonSchedule)
		return
	}

	s.received.Add(1)
	s.metrics.FramesReceived.Add(c.ctx, 1)
	s.metrics.PlaybackPending.Add(c.ctx, 1)
	s.metrics.PlaybackLead.Record(c.ctx, max(h.Start-now, 0).Seconds())
	s.mirror(c)
}

// interrupt discards everything queued for playback.
func (s *Session) interrupt(c *conn) {
	n := c.sched.Interrupt()
	s.metrics.Interruptions.Add(c.ctx, 1)
	s.metrics.PlaybackPending.Add(c.ctx, int64(-n))
	s.mirror(c)
	c.log.Debug("playback interrupted", "evicted", n)
}

// remoteClosed ends the session after the remote closed its event stream.
func (s *Session) remoteClosed(c *conn) {
	if err := c.handle.Err(); err != nil {
		s.shutdown(c, Error, &TransportError{Stage: StageRemote, Err: err})
		return
	}
	s.shutdown(c, Closed, nil)
}

// shutdown runs Closing and ends in the given terminal state.
func (s *Session) shutdown(c *conn, to State, cause error) {
	s.mu.Lock()
	s.state = Closing
	cbs := slices.Clone(s.onState)
	s.mu.Unlock()
	notify(cbs, Closing)

	relErr := s.release(c)
	if relErr != nil {
		c.log.Warn("session release incomplete", "err", relErr)
	}
	s.mu.Lock()
	s.closeErr = relErr
	s.mu.Unlock()

	s.finish(c, to, cause)
}

// release runs every step of the release sequence and joins their errors.
func (s *Session) release(c *conn) error {
	var errs []error

	if c.pipe != nil {
		c.pipe.Stop()
	}
	if c.capture != nil {
		c.capture.OnFrame(nil)
		if err := c.capture.Release(); err != nil {
			errs = append(errs, fmt.Errorf("session: release capture: %w", err))
		}
	}
	if c.sched != nil {
		if n := c.sched.StopAll(); n > 0 {
			s.metrics.PlaybackPending.Add(c.ctx, int64(-n))
		}
		s.mirror(c)
	}
	if c.player != nil {
		if err := c.player.Release(); err != nil {
			errs = append(errs, fmt.Errorf("session: release playback: %w", err))
		}
	}
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close remote: %w", err))
		}
		go audio.Drain(c.handle.Events())
	}
	return errors.Join(errs...)
}

// releaseAfterFailure releases whatever Start acquired before failing.
func (s *Session) releaseAfterFailure(c *conn) {
	if err := s.release(c); err != nil {
		c.log.Warn("release after failed start", "err", err)
	}
}

// finish records the terminal state and closes Done.
func (s *Session) finish(c *conn, to State, cause error) {
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	if !c.connected {
		c.connected = true
		c.connectSpan.End()
	}

	var te *TransportError
	if errors.As(cause, &te) {
		s.metrics.RecordTransportError(c.ctx, te.Stage)
	}
	if cause != nil {
		c.span.RecordError(cause)
		c.span.SetStatus(codes.Error, cause.Error())
		c.log.Warn("session failed", "err", cause)
	} else {
		c.log.Info("session closed")
	}
	c.span.SetAttributes(attribute.String("session.state", to.String()))
	c.span.End()
	s.metrics.ActiveSessions.Add(c.ctx, -1)

	s.mu.Lock()
	s.state = to
	s.err = cause
	cbs := slices.Clone(s.onState)
	s.mu.Unlock()
	notify(cbs, to)
	close(s.done)
}

// mirror publishes loop-owned scheduler values for Snapshot.
func (s *Session) mirror(c *conn) {
	s.pending.Store(int64(c.sched.Pending()))
	s.cursor.Store(int64(c.sched.Cursor()))
}

func notify(cbs []func(State), st State) {
	for _, fn := range cbs {
		fn(st)
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID             string        `json:"id"`
	State          State         `json:"state"`
	Err            string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	Pending        int           `json:"pending"`
	Cursor         time.Duration `json:"cursor_ns"`
	FramesSent     int64         `json:"frames_sent"`
	FramesReceived int64         `json:"frames_received"`
	FramesDropped  int64         `json:"frames_dropped"`
}

// Snapshot returns the current state and counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		StartedAt: s.startedAt,
	}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	s.mu.Unlock()

	snap.Pending = int(s.pending.Load())
	snap.Cursor = time.Duration(s.cursor.Load())
	snap.FramesReceived = s.received.Load()
	snap.FramesDropped = s.droppedIn.Load()
	if p := s.activePipe.Load(); p != nil {
		sent, dropped := p.Counts()
		snap.FramesSent = sent
		snap.FramesDropped += dropped
	}
	return snap
}
