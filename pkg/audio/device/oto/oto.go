// Package oto implements a playback device on github.com/ebitengine/oto/v3.
//
// oto allows a single context per process, so the Provider creates it on
// first use and keeps it for the process lifetime. Every acquired player must
// use the format of that first context.
//
// The device clock advances as oto pulls samples into its internal buffer, so
// Now runs ahead of the speaker by at most the configured buffer size.
package oto

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/audio/device/timeline"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithBufferSize sets the oto output buffer duration. Default: 40ms.
func WithBufferSize(d time.Duration) Option {
	return func(p *Provider) { p.bufferSize = d }
}

// Provider opens oto players. It implements [device.PlaybackProvider].
type Provider struct {
	bufferSize time.Duration

	mu     sync.Mutex
	ctx    *oto.Context
	format audio.Format
}

var _ device.PlaybackProvider = (*Provider)(nil)

// New returns a Provider with the given options applied.
func New(opts ...Option) *Provider {
	p := &Provider{bufferSize: 40 * time.Millisecond}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) openContext(ctx context.Context, f audio.Format) (*oto.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		if p.format != f {
			return nil, fmt.Errorf("oto: context already opened at %v, cannot play %v", p.format, f)
		}
		return p.ctx, nil
	}

	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   p.bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: new context: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("oto: waiting for audio hardware: %w", ctx.Err())
	}
	p.ctx = octx
	p.format = f
	return octx, nil
}

// Acquire opens a player at format f.
func (p *Provider) Acquire(ctx context.Context, f audio.Format) (device.Player, error) {
	tl, err := timeline.New(f)
	if err != nil {
		return nil, fmt.Errorf("oto: acquire: %w: %w", device.ErrDeviceUnavailable, err)
	}
	octx, err := p.openContext(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("oto: acquire: %w: %w", device.ErrDeviceUnavailable, err)
	}
	src := &source{tl: tl, channels: f.Channels}
	op := octx.NewPlayer(src)
	op.Play()
	slog.Info("oto: playback started", "format", f.String())
	return &player{tl: tl, src: src, op: op}, nil
}

// source feeds timeline output to oto as float32 little-endian PCM.
type source struct {
	tl       *timeline.Timeline
	channels int
	scratch  []float32

	mu     sync.Mutex
	closed bool
}

func (s *source) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.EOF
	}

	frameBytes := 4 * s.channels
	n := (len(p) / frameBytes) * s.channels
	if n == 0 {
		return 0, nil
	}
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	s.tl.Render(buf)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return n * 4, nil
}

func (s *source) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type player struct {
	tl  *timeline.Timeline
	src *source
	op  *oto.Player

	once sync.Once
	err  error
}

func (p *player) Now() time.Duration { return p.tl.Now() }

func (p *player) Schedule(frame audio.NativeFrame, start time.Duration) (device.Token, error) {
	tok, err := p.tl.Schedule(frame, start)
	if err != nil {
		return nil, fmt.Errorf("oto: schedule: %w", err)
	}
	return tok, nil
}

func (p *player) Release() error {
	p.once.Do(func() {
		p.op.Pause()
		p.src.close()
		p.tl.Release()
		if err := p.op.Close(); err != nil {
			p.err = fmt.Errorf("oto: close player: %w", err)
		}
	})
	return p.err
}
