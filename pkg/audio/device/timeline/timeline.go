// Package timeline implements a sample-accurate renderer for buffers that are
// scheduled at absolute offsets on a playback clock.
//
// A [Timeline] owns the clock. The clock only advances when the backend pulls
// samples through [Timeline.Render], so Now() reflects audio that has actually
// been handed to the hardware (or file, or test). Buffers that overlap are
// mixed additively and clamped to [-1, 1].
//
// Real playback devices (malgo, oto, wavfile) embed a Timeline and call Render
// from their output callback.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrReleased is returned by [Timeline.Schedule] after [Timeline.Release].
var ErrReleased = errors.New("timeline: released")

// Timeline is a scheduled-buffer mixer with a monotonically increasing clock.
// All methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu       sync.Mutex
	pos      int64 // frames (samples per channel) rendered so far
	entries  []*Token
	released bool
}

// New returns a Timeline that renders interleaved audio in format f.
func New(f audio.Format) (*Timeline, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("timeline: invalid format %v", f)
	}
	return &Timeline{format: f}, nil
}

// Format returns the output format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the amount of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.format.SampleRate)
}

// Pending returns the number of buffers that have not finished yet.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Schedule queues frame to start at the given clock offset. The frame's
// sample rate must equal the output rate; mono and stereo frames are adapted
// to the output channel count.
func (t *Timeline) Schedule(frame audio.NativeFrame, start time.Duration) (*Token, error) {
	if frame.SampleRate != t.format.SampleRate {
		return nil, fmt.Errorf("timeline: frame rate %d does not match output rate %d", frame.SampleRate, t.format.SampleRate)
	}
	samples, err := t.adapt(frame)
	if err != nil {
		return nil, err
	}

	tok := &Token{
		tl:     t,
		start:  t.toFrames(start),
		frames: int64(len(samples) / t.format.Channels),
		data:   samples,
	}

	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil, ErrReleased
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].start > tok.start })
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = tok
	t.mu.Unlock()
	return tok, nil
}

// Render mixes the next len(out)/channels frames into out, advances the
// clock, and fires the finished hooks of buffers that played out. out is
// overwritten. Hooks run on the caller's goroutine after internal locks are
// released and must not block.
func (t *Timeline) Render(out []float32) {
	ch := t.format.Channels
	n := int64(len(out) / ch)
	clear(out)

	t.mu.Lock()
	from, to := t.pos, t.pos+n
	var finished []*Token
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.start >= to {
			kept = append(kept, e)
			continue
		}
		lo := max(e.start, from)
		hi := min(e.start+e.frames, to)
		for f := lo; f < hi; f++ {
			src := (f - e.start) * int64(ch)
			dst := (f - from) * int64(ch)
			for c := int64(0); c < int64(ch); c++ {
				out[dst+c] += e.data[src+c]
			}
		}
		if e.start+e.frames <= to {
			finished = append(finished, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	for _, e := range finished {
		e.finish()
	}
}

// StopAll stops every pending buffer.
func (t *Timeline) StopAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()
	for _, e := range entries {
		e.finish()
	}
}

// Release stops every pending buffer and rejects further scheduling.
func (t *Timeline) Release() {
	t.mu.Lock()
	t.released = true
	t.mu.Unlock()
	t.StopAll()
}

func (t *Timeline) remove(tok *Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e == tok {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// toFrames converts a clock offset to a frame index, rounding to the nearest
// frame so that offsets built from [audio.SamplesDuration] land exactly.
func (t *Timeline) toFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) adapt(frame audio.NativeFrame) ([]float32, error) {
	switch {
	case frame.Channels == t.format.Channels:
		return frame.Samples[:frame.Len()*frame.Channels], nil
	case frame.Channels == 1 && t.format.Channels == 2:
		out := make([]float32, len(frame.Samples)*2)
		for i, s := range frame.Samples {
			out[2*i], out[2*i+1] = s, s
		}
		return out, nil
	case frame.Channels == 2 && t.format.Channels == 1:
		out := make([]float32, frame.Len())
		for i := range out {
			out[i] = (frame.Samples[2*i] + frame.Samples[2*i+1]) / 2
		}
		return out, nil
	}
	return nil, fmt.Errorf("timeline: cannot play %d-channel frame on %d-channel output", frame.Channels, t.format.Channels)
}

// Token is a handle to one scheduled buffer. It implements device.Token.
type Token struct {
	tl     *Timeline
	start  int64
	frames int64
	data   []float32

	mu    sync.Mutex
	done  bool
	hooks []func()
}

// Stop removes the buffer from the timeline and fires its finished hooks.
func (k *Token) Stop() {
	k.tl.remove(k)
	k.finish()
}

// OnFinished installs fn. If the buffer already finished, fn runs immediately.
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

// Start returns the offset the buffer was scheduled at, rounded to frames.
func (k *Token) Start() time.Duration {
	return audio.SamplesDuration(int(k.start), k.tl.format.SampleRate)
}

func (k *Token) finish() {
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
