package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session is
// neither Closed nor Error.
var ErrSessionActive = errors.New("app: a session is already active")

// Status is what GET /session reports.
type Status struct {
	Active     bool              `json:"active"`
	Session    *session.Snapshot `json:"session,omitempty"`
	LastVolume float64           `json:"last_volume"`
}

// SessionManager owns at most one open [session.Session] at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	reg     *config.Registry
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	cfg     *config.Config
	breaker *resilience.CircuitBreaker
	current *session.Session

	// lastVolume holds float64 bits of the most recent capture RMS.
	lastVolume atomic.Uint64
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Registry *config.Registry
	Config   *config.Config
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// NewSessionManager creates a SessionManager. No session is started.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		reg:     cfg.Registry,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		cfg:     cfg.Config,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	sm.breaker = newBreaker(cfg.Config.Resilience, sm.log)
	return sm
}

func newBreaker(rc config.ResilienceConfig, log *slog.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "s2s-connect",
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
		Logger:       log,
	})
}

// Start builds a session from the current config and starts it. It returns
// [ErrSessionActive] when a session is still live. A session whose Start
// fails stays visible through [SessionManager.Status] in its Error state.
func (sm *SessionManager) Start(ctx context.Context) (*session.Session, error) {
	sm.mu.Lock()
	if sm.current != nil && !sm.current.State().Terminal() {
		id := sm.current.ID()
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	sess, err := sm.build()
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	sm.current = sess
	sm.mu.Unlock()

	// Start outside the lock so Stop can cancel a slow connect.
	if err := sess.Start(ctx); err != nil {
		return sess, err
	}
	sm.log.Info("session started", "session_id", sess.ID())
	return sess, nil
}

// build must be called with sm.mu held.
func (sm *SessionManager) build() (*session.Session, error) {
	cfg := sm.cfg

	remote, err := sm.reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("app: create s2s provider: %w", err)
	}
	captures, err := sm.reg.CreateCapture(cfg.Audio.Capture)
	if err != nil {
		return nil, fmt.Errorf("app: create capture device: %w", err)
	}
	players, err := sm.reg.CreatePlayback(cfg.Audio.Playback)
	if err != nil {
		return nil, fmt.Errorf("app: create playback device: %w", err)
	}

	opts := []session.Option{
		session.WithInstructions(cfg.Session.Instructions),
		session.WithVoice(cfg.Session.Voice),
		session.WithCaptureConstraints(device.Constraints{
			SampleRate: cfg.Audio.Capture.SampleRate,
			Channels:   cfg.Audio.Capture.Channels,
			FrameSize:  cfg.Audio.Capture.FrameSize,
		}),
		session.WithPlaybackFormat(audio.Format{
			SampleRate: cfg.Audio.Playback.SampleRate,
			Channels:   cfg.Audio.Playback.Channels,
		}),
		session.WithMetrics(sm.metrics),
		session.WithLogger(sm.log),
	}
	if cfg.Session.ReadyTimeout > 0 {
		opts = append(opts, session.WithReadyTimeout(cfg.Session.ReadyTimeout))
	}

	sess := session.New(captures, players, resilience.GuardProvider(remote, sm.breaker), opts...)
	sm.lastVolume.Store(0)
	sess.OnVolume(func(v codec.VolumeSample) {
		sm.lastVolume.Store(math.Float64bits(float64(v)))
	})
	return sess, nil
}

// Stop stops the current session, if any. Stopping when nothing is running
// returns nil.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	sess := sm.current
	sm.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Stop(); err != nil {
		sm.log.Warn("session stop reported release errors", "session_id", sess.ID(), "err", err)
		return err
	}
	sm.log.Info("session stopped", "session_id", sess.ID())
	return nil
}

// Current returns the most recently started session, or nil.
func (sm *SessionManager) Current() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Active reports whether a session is live.
func (sm *SessionManager) Active() bool {
	sess := sm.Current()
	return sess != nil && !sess.State().Terminal()
}

// LastVolume returns the RMS of the most recently captured frame.
func (sm *SessionManager) LastVolume() float64 {
	return math.Float64frombits(sm.lastVolume.Load())
}

// Status returns a snapshot of the current session and the last volume.
func (sm *SessionManager) Status() Status {
	st := Status{LastVolume: sm.LastVolume()}
	if sess := sm.Current(); sess != nil {
		snap := sess.Snapshot()
		st.Session = &snap
		st.Active = !snap.State.Terminal()
	}
	return st
}

// Config returns the config the next session will be built from.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// UpdateConfig replaces the config used for the next session. A live session
// keeps running with the config it was built from. A resilience change
// replaces the connect breaker.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	d := config.Diff(sm.cfg, cfg)
	sm.cfg = cfg
	if d.ResilienceChanged {
		sm.breaker = newBreaker(cfg.Resilience, sm.log)
	}
	if d.NextSession() {
		sm.log.Info("configuration updated for next session",
			"session", d.SessionChanged,
			"providers", d.ProvidersChanged,
			"audio", d.AudioChanged,
			"resilience", d.ResilienceChanged,
		)
	}
}

// Breaker returns the breaker guarding connects.
func (sm *SessionManager) Breaker() *resilience.CircuitBreaker {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.breaker
}
