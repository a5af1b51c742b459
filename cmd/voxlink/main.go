// Command voxlink runs a duplex voice session between local audio devices and
// a realtime speech-to-speech service, controlled over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	malgodev "github.com/MrWong99/voxlink/pkg/audio/device/malgo"
	otodev "github.com/MrWong99/voxlink/pkg/audio/device/oto"
	"github.com/MrWong99/voxlink/pkg/audio/device/wavfile"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxlink/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voxlink/pkg/provider/s2s/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Environment ───────────────────────────────────────────────────────────
	// A missing .env is normal; real environment variables still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxlink: load .env: %v\n", err)
	}

	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables reloading)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithTelemetry(tel),
		app.WithLogger(logger),
		app.WithLevelVar(levelVar),
	}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Run already shut down; this returns its result.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the shipped s2s providers and audio devices
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterCapture("malgo", func(entry config.DeviceEntry) (device.CaptureProvider, error) {
		return newMalgo(entry).Capture(), nil
	})
	reg.RegisterPlayback("malgo", func(entry config.DeviceEntry) (device.PlaybackProvider, error) {
		return newMalgo(entry).Playback(), nil
	})

	// oto allows one context per process, so every session shares a provider.
	var (
		otoOnce sync.Once
		otoProv *otodev.Provider
	)
	reg.RegisterPlayback("oto", func(entry config.DeviceEntry) (device.PlaybackProvider, error) {
		otoOnce.Do(func() {
			var opts []otodev.Option
			if d := config.DurationOption(entry.Options, "buffer_size", 0); d > 0 {
				opts = append(opts, otodev.WithBufferSize(d))
			}
			otoProv = otodev.New(opts...)
		})
		return otoProv, nil
	})

	reg.RegisterCapture("wavfile", func(entry config.DeviceEntry) (device.CaptureProvider, error) {
		path := config.StringOption(entry.Options, "path", "")
		if path == "" {
			return nil, errors.New("wavfile capture: options.path is required")
		}
		return wavfile.NewSource(path, wavfile.WithLoop(config.BoolOption(entry.Options, "loop", false))), nil
	})
	reg.RegisterPlayback("wavfile", func(entry config.DeviceEntry) (device.PlaybackProvider, error) {
		path := config.StringOption(entry.Options, "path", "")
		if path == "" {
			return nil, errors.New("wavfile playback: options.path is required")
		}
		var opts []wavfile.SinkOption
		if d := config.DurationOption(entry.Options, "tick", 0); d > 0 {
			opts = append(opts, wavfile.WithTick(d))
		}
		return wavfile.NewSink(path, opts...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func newMalgo(entry config.DeviceEntry) *malgodev.Provider {
	var opts []malgodev.Option
	if d := config.DurationOption(entry.Options, "period", 0); d > 0 {
		opts = append(opts, malgodev.WithPeriod(d))
	}
	if n := config.IntOption(entry.Options, "buffer", 0); n > 0 {
		opts = append(opts, malgodev.WithBuffer(n))
	}
	return malgodev.New(opts...)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	slog.Info("s2s provider",
		"name", cfg.Providers.S2S.Name,
		"model", cfg.Providers.S2S.Model,
		"api_key_set", cfg.Providers.S2S.APIKey != "",
	)
	slog.Info("capture device",
		"device", cfg.Audio.Capture.Device,
		"sample_rate", cfg.Audio.Capture.SampleRate,
		"frame_size", cfg.Audio.Capture.FrameSize,
	)
	slog.Info("playback device",
		"device", cfg.Audio.Playback.Device,
		"sample_rate", cfg.Audio.Playback.SampleRate,
	)
	if cfg.Session.Autostart {
		slog.Info("session autostart enabled", "voice", cfg.Session.Voice)
	}
}
