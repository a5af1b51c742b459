// Package wavfile implements headless capture and playback devices backed by
// WAV files, for machines without audio hardware and for reproducible runs.
//
// A [Source] plays a WAV file into the session as if it were a microphone,
// paced in real time. A [Sink] records everything the session plays into a
// 16-bit WAV file, driven by a wall-clock ticker that stands in for the
// hardware clock.
package wavfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/audio/device/timeline"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithLoop restarts the file from the beginning when it ends. Without it the
// source delivers silence after the last sample.
func WithLoop(loop bool) SourceOption {
	return func(s *Source) { s.loop = loop }
}

// Source is a [device.CaptureProvider] that reads a WAV file.
type Source struct {
	path string
	loop bool
}

var _ device.CaptureProvider = (*Source)(nil)

// NewSource returns a Source reading path.
func NewSource(path string, opts ...SourceOption) *Source {
	s := &Source{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire decodes the whole file, converts it to the constrained format, and
// starts delivering frames at the rate they would play.
func (s *Source) Acquire(_ context.Context, c device.Constraints) (device.Capture, error) {
	if !c.Format().Valid() || c.FrameSize <= 0 {
		return nil, fmt.Errorf("wavfile: acquire source: invalid constraints %+v: %w", c, device.ErrDeviceUnavailable)
	}
	samples, err := readWAV(s.path, c.Format())
	if err != nil {
		return nil, fmt.Errorf("wavfile: acquire source: %w: %w", device.ErrDeviceUnavailable, err)
	}

	fc := &fileCapture{
		disp:    device.NewDispatcher(1),
		samples: samples,
		chunk:   c.FrameSize * c.Channels,
		format:  c.Format(),
		loop:    s.loop,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go fc.run(audio.SamplesDuration(c.FrameSize, c.SampleRate))
	slog.Info("wavfile: source started", "path", s.path, "format", c.Format().String(), "frames", len(samples)/c.Channels)
	return fc, nil
}

func readWAV(path string, want audio.Format) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	from := audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(to16(v, buf.SourceBitDepth)))
	}
	pcm = audio.ConvertPCM16(pcm, from, want)
	return codec.DecodePCM16(pcm, want.Channels)
}

func to16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	}
	return int16(v)
}

type fileCapture struct {
	disp    *device.Dispatcher
	samples []float32
	chunk   int
	format  audio.Format
	loop    bool

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (c *fileCapture) run(interval time.Duration) {
	defer close(c.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		frame := make([]float32, c.chunk)
		for i := range frame {
			if pos >= len(c.samples) {
				if !c.loop || len(c.samples) == 0 {
					break
				}
				pos = 0
			}
			frame[i] = c.samples[pos]
			pos++
		}
		c.disp.Offer(audio.NativeFrame{Samples: frame, SampleRate: c.format.SampleRate, Channels: c.format.Channels})
	}
}

func (c *fileCapture) OnFrame(cb func(audio.NativeFrame)) { c.disp.Subscribe(cb) }

func (c *fileCapture) Release() error {
	c.once.Do(func() {
		close(c.stop)
		<-c.stopped
		c.disp.Close()
	})
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithTick sets how often the sink renders elapsed audio. Default: 10ms.
func WithTick(d time.Duration) SinkOption {
	return func(s *Sink) { s.tick = d }
}

// Sink is a [device.PlaybackProvider] that records playback to a WAV file.
// Each Acquire truncates the file.
type Sink struct {
	path string
	tick time.Duration
}

var _ device.PlaybackProvider = (*Sink)(nil)

// NewSink returns a Sink writing to path.
func NewSink(path string, opts ...SinkOption) *Sink {
	s := &Sink{path: path, tick: 10 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire creates the output file and starts the clock.
func (s *Sink) Acquire(_ context.Context, f audio.Format) (device.Player, error) {
	tl, err := timeline.New(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: acquire sink: %w: %w", device.ErrDeviceUnavailable, err)
	}
	out, err := os.Create(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: acquire sink: %w: %w", device.ErrDeviceUnavailable, err)
	}
	p := &filePlayer{
		tl:      tl,
		out:     out,
		enc:     wav.NewEncoder(out, f.SampleRate, 16, f.Channels, 1),
		format:  f,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run(s.tick)
	slog.Info("wavfile: sink started", "path", s.path, "format", f.String())
	return p, nil
}

type filePlayer struct {
	tl     *timeline.Timeline
	out    *os.File
	enc    *wav.Encoder
	format audio.Format

	// writeErr is only touched by run until stopped is closed.
	writeErr error

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	err     error
}

func (p *filePlayer) run(tick time.Duration) {
	defer close(p.stopped)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	begin := time.Now()
	var rendered int64
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		target := int64(time.Since(begin)) * int64(p.format.SampleRate) / int64(time.Second)
		n := target - rendered
		if n <= 0 {
			continue
		}
		rendered = target
		buf := make([]float32, int(n)*p.format.Channels)
		p.tl.Render(buf)
		if p.writeErr != nil {
			continue
		}
		if err := p.enc.Write(toIntBuffer(buf, p.format)); err != nil {
			p.writeErr = err
			slog.Error("wavfile: write failed, discarding further output", "err", err)
		}
	}
}

func toIntBuffer(samples []float32, f audio.Format) *goaudio.IntBuffer {
	pcm := codec.EncodePCM16(samples)
	data := make([]int, len(samples))
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		SourceBitDepth: 16,
	}
}

func (p *filePlayer) Now() time.Duration { return p.tl.Now() }

func (p *filePlayer) Schedule(frame audio.NativeFrame, start time.Duration) (device.Token, error) {
	tok, err := p.tl.Schedule(frame, start)
	if err != nil {
		return nil, fmt.Errorf("wavfile: schedule: %w", err)
	}
	return tok, nil
}

func (p *filePlayer) Release() error {
	p.once.Do(func() {
		close(p.stop)
		<-p.stopped
		p.tl.Release()
		var errs []error
		if p.writeErr != nil {
			errs = append(errs, fmt.Errorf("wavfile: write: %w", p.writeErr))
		}
		if err := p.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wavfile: finalise: %w", err))
		}
		if err := p.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wavfile: close: %w", err))
		}
		p.err = errors.Join(errs...)
	})
	return p.err
}
