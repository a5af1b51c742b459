// Package malgo implements capture and playback devices on top of miniaudio
// through github.com/gen2brain/malgo.
//
// Both devices run miniaudio in signed 16-bit mode. The capture side frames
// the raw callback data into fixed-size frames and hands them to a
// [device.Dispatcher], so subscribers never run on the audio thread. The
// playback side pulls from a [timeline.Timeline] inside the output callback.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/audio/device/timeline"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithPeriod sets the miniaudio period size as a duration. Smaller periods
// lower latency at the cost of more callbacks. Default: 20ms.
func WithPeriod(d time.Duration) Option {
	return func(p *Provider) { p.period = d }
}

// WithBuffer sets how many captured frames may wait for a busy subscriber
// before new frames are dropped. Default: 4.
func WithBuffer(n int) Option {
	return func(p *Provider) { p.buffer = n }
}

// Provider opens miniaudio devices. It implements both
// [device.CaptureProvider] and [device.PlaybackProvider].
type Provider struct {
	period time.Duration
	buffer int
}

// New returns a Provider with the given options applied.
func New(opts ...Option) *Provider {
	p := &Provider{period: 20 * time.Millisecond, buffer: 4}
	for _, o := range opts {
		o(p)
	}
	return p
}

var (
	_ device.CaptureProvider  = (*CaptureProvider)(nil)
	_ device.PlaybackProvider = (*PlaybackProvider)(nil)
)

// CaptureProvider adapts a [Provider] to [device.CaptureProvider].
type CaptureProvider struct{ *Provider }

// PlaybackProvider adapts a [Provider] to [device.PlaybackProvider].
type PlaybackProvider struct{ *Provider }

// Capture returns the capture side of p.
func (p *Provider) Capture() CaptureProvider { return CaptureProvider{p} }

// Playback returns the playback side of p.
func (p *Provider) Playback() PlaybackProvider { return PlaybackProvider{p} }

func initContext() (*malgo.AllocatedContext, error) {
	return malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo: miniaudio", "message", strings.TrimSpace(message))
	})
}

func freeContext(mctx *malgo.AllocatedContext) error {
	err := mctx.Uninit()
	mctx.Free()
	return err
}

func (p *Provider) periodFrames(rate int) uint32 {
	n := int64(p.period) * int64(rate) / int64(time.Second)
	return uint32(max(n, 1))
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Acquire opens the default capture device at the constrained format.
func (p CaptureProvider) Acquire(_ context.Context, c device.Constraints) (device.Capture, error) {
	if !c.Format().Valid() || c.FrameSize <= 0 {
		return nil, fmt.Errorf("malgo: acquire capture: invalid constraints %+v: %w", c, device.ErrDeviceUnavailable)
	}
	mctx, err := initContext()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", device.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInFrames = p.periodFrames(c.SampleRate)
	cfg.Alsa.NoMMap = 1

	mic := &capture{
		mctx:   mctx,
		disp:   device.NewDispatcher(p.buffer),
		framer: device.NewFramer(c.Format(), c.FrameSize),
		format: c.Format(),
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: mic.onData})
	if err != nil {
		mic.disp.Close()
		_ = freeContext(mctx)
		return nil, fmt.Errorf("malgo: init capture device: %w: %w", device.ErrDeviceUnavailable, err)
	}
	mic.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mic.disp.Close()
		_ = freeContext(mctx)
		return nil, fmt.Errorf("malgo: start capture device: %w: %w", device.ErrDeviceUnavailable, err)
	}
	slog.Info("malgo: capture started", "format", c.Format().String(), "frame_size", c.FrameSize)
	return mic, nil
}

type capture struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	disp   *device.Dispatcher
	format audio.Format

	// framer is only touched by the audio thread.
	framer *device.Framer

	once sync.Once
	err  error
}

func (c *capture) onData(_, input []byte, _ uint32) {
	samples, err := codec.DecodePCM16(input, c.format.Channels)
	if err != nil {
		return
	}
	for _, f := range c.framer.Push(samples) {
		c.disp.Offer(f)
	}
}

func (c *capture) OnFrame(cb func(audio.NativeFrame)) { c.disp.Subscribe(cb) }

func (c *capture) Release() error {
	c.once.Do(func() {
		var errs []error
		if err := c.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("malgo: stop capture: %w", err))
		}
		c.dev.Uninit()
		c.disp.Close()
		if err := freeContext(c.mctx); err != nil {
			errs = append(errs, fmt.Errorf("malgo: free context: %w", err))
		}
		if dropped := c.disp.Dropped(); dropped > 0 {
			slog.Warn("malgo: capture frames dropped by busy subscriber", "count", dropped)
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Acquire opens the default playback device at format f.
func (p PlaybackProvider) Acquire(_ context.Context, f audio.Format) (device.Player, error) {
	tl, err := timeline.New(f)
	if err != nil {
		return nil, fmt.Errorf("malgo: acquire playback: %w: %w", device.ErrDeviceUnavailable, err)
	}
	mctx, err := initContext()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", device.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInFrames = p.periodFrames(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	pl := &player{mctx: mctx, tl: tl, channels: f.Channels}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: pl.onData})
	if err != nil {
		_ = freeContext(mctx)
		return nil, fmt.Errorf("malgo: init playback device: %w: %w", device.ErrDeviceUnavailable, err)
	}
	pl.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = freeContext(mctx)
		return nil, fmt.Errorf("malgo: start playback device: %w: %w", device.ErrDeviceUnavailable, err)
	}
	slog.Info("malgo: playback started", "format", f.String())
	return pl, nil
}

type player struct {
	mctx     *malgo.AllocatedContext
	dev      *malgo.Device
	tl       *timeline.Timeline
	channels int

	// scratch is only touched by the audio thread.
	scratch []float32

	once sync.Once
	err  error
}

func (p *player) onData(output, _ []byte, frameCount uint32) {
	n := int(frameCount) * p.channels
	if cap(p.scratch) < n {
		p.scratch = make([]float32, n)
	}
	buf := p.scratch[:n]
	p.tl.Render(buf)
	copy(output, codec.EncodePCM16(buf))
}

func (p *player) Now() time.Duration { return p.tl.Now() }

func (p *player) Schedule(frame audio.NativeFrame, start time.Duration) (device.Token, error) {
	tok, err := p.tl.Schedule(frame, start)
	if err != nil {
		return nil, fmt.Errorf("malgo: schedule: %w", err)
	}
	return tok, nil
}

func (p *player) Release() error {
	p.once.Do(func() {
		var errs []error
		if err := p.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("malgo: stop playback: %w", err))
		}
		p.dev.Uninit()
		p.tl.Release()
		if err := freeContext(p.mctx); err != nil {
			errs = append(errs, fmt.Errorf("malgo: free context: %w", err))
		}
		p.err = errors.Join(errs...)
	})
	return p.err
}
