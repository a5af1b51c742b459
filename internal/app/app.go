// Package app wires the voxlink subsystems into a running server.
//
// The App owns the control API, the config watcher and the
// [SessionManager]. New builds everything, Run serves until the context
// ends, and Shutdown stops the session before the HTTP server.
//
// For testing, inject a listener or telemetry through functional options and
// register mock factories in the [config.Registry].
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio/device"
)

// DefaultShutdownTimeout bounds Shutdown when Run triggers it.
const DefaultShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	tel      *observe.Telemetry
	metrics  *observe.Metrics
	log      *slog.Logger
	levelVar *slog.LevelVar

	manager    *SessionManager
	health     *health.Handler
	server     *http.Server
	listener   net.Listener
	configPath string
	watcher    *config.Watcher
	watchEvery time.Duration

	shutdownTimeout time.Duration
	stopOnce        sync.Once
	stopErr         error
}

// Option is a functional option for New.
type Option func(*App)

// WithTelemetry serves /metrics from t and records into its instruments.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.tel = t }
}

// WithMetrics overrides the instruments. Tests use a ManualReader-backed set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler
// built on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch reloads the config file at path every interval and applies
// changes to the next session. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchEvery = interval
	}
}

// WithShutdownTimeout overrides [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) { a.shutdownTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the provider registry. It does not start a
// session or listen yet.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:             cfg,
		reg:             reg,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		if a.tel != nil {
			a.metrics = a.tel.Metrics
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Registry: reg,
		Config:   cfg,
		Metrics:  a.metrics,
		Logger:   a.log,
	})

	a.health = health.New(
		health.Registered("s2s", func() string { return a.manager.Config().Providers.S2S.Name }, reg.HasS2S),
		health.Registered("capture", func() string { return a.manager.Config().Audio.Capture.Device }, reg.HasCapture),
		health.Registered("playback", func() string { return a.manager.Config().Audio.Playback.Device }, reg.HasPlayback),
	)

	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchEvery > 0 {
			wopts = append(wopts, config.WithInterval(a.watchEvery))
		}
		wopts = append(wopts, config.WithWatcherLogger(a.log))
		w, err := config.NewWatcher(a.configPath, a.applyConfig, wopts...)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Handler returns the control API with observability middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.HandleFunc("POST /session", a.startSession)
	mux.HandleFunc("DELETE /session", a.stopSession)
	mux.HandleFunc("GET /session", a.sessionStatus)
	if a.tel != nil {
		mux.Handle("GET /metrics", a.tel.Handler())
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// applyConfig is the watcher callback.
func (a *App) applyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("server.listen_addr changed; restart to apply",
			"current", old.Server.ListenAddr,
			"configured", updated.Server.ListenAddr,
		)
	}
	a.manager.UpdateConfig(updated)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API, polls the config file and, when configured,
// autostarts a session. It blocks until ctx is cancelled, then shuts down
// within the shutdown timeout. A failed autostart is logged; it does not end
// Run.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("control API listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.cfg.Session.Autostart {
		g.Go(func() error {
			if _, err := a.manager.Start(gctx); err != nil {
				a.log.Error("autostart session failed", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, the config watcher and then the HTTP server.
// Later calls return the result of the first.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		var errs []error
		if err := a.manager.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("app: stop session: %w", err))
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: shutdown http: %w", err))
		}
		a.stopErr = errors.Join(errs...)

		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// ─── Handlers ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func (a *App) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.manager.Start(r.Context())
	if err != nil {
		observe.LoggerFrom(r.Context(), a.log).Warn("start session failed", "err", err)
		writeJSON(w, startStatus(err, sess), errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a.manager.Status())
}

// startStatus maps a Start failure to an HTTP status.
func startStatus(err error, sess *session.Session) int {
	var te *session.TransportError
	switch {
	case errors.Is(err, ErrSessionActive), errors.Is(err, session.ErrStoppedWhileConnecting):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, device.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.Is(err, config.ErrProviderNotRegistered), sess == nil:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type stopBody struct {
	Status       Status `json:"status"`
	ReleaseError string `json:"release_error,omitempty"`
}

func (a *App) stopSession(w http.ResponseWriter, _ *http.Request) {
	body := stopBody{}
	if err := a.manager.Stop(); err != nil {
		body.ReleaseError = err.Error()
	}
	body.Status = a.manager.Status()
	writeJSON(w, http.StatusOK, body)
}

func (a *App) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}
