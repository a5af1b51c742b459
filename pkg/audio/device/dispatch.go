package device

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Dispatcher moves frames off a realtime thread and hands them to a single
// subscriber, one at a time, on its own goroutine. Capture devices embed one
// to satisfy the delivery rules documented on [Capture].
type Dispatcher struct {
	cb      atomic.Pointer[func(audio.NativeFrame)]
	frames  chan audio.NativeFrame
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher that buffers up to buffer frames while
// the subscriber is busy. Frames beyond that are dropped.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		frames:  make(chan audio.NativeFrame, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe installs cb, or removes the subscriber when cb is nil.
func (d *Dispatcher) Subscribe(cb func(audio.NativeFrame)) {
	if cb == nil {
		d.cb.Store(nil)
		return
	}
	d.cb.Store(&cb)
}

// Offer queues frame for delivery without blocking. It reports false if the
// frame was dropped because the buffer is full or the dispatcher is closed.
func (d *Dispatcher) Offer(frame audio.NativeFrame) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.frames <- frame:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of frames discarded by Offer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops delivery and waits for an in-flight callback to return. It is
// safe to call more than once but must not be called from the callback.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.cb.Store(nil)
		close(d.done)
	})
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case f := <-d.frames:
			if cb := d.cb.Load(); cb != nil {
				(*cb)(f)
			}
		}
	}
}

// Framer cuts an arbitrary stream of interleaved samples into frames of a
// fixed number of samples per channel.
type Framer struct {
	format audio.Format
	size   int
	buf    []float32
}

// NewFramer returns a Framer producing frames of size samples per channel.
func NewFramer(f audio.Format, size int) *Framer {
	return &Framer{format: f, size: size, buf: make([]float32, 0, 2*size*f.Channels)}
}

// Push appends samples and returns every complete frame now available. The
// returned frames own their sample slices.
func (f *Framer) Push(samples []float32) []audio.NativeFrame {
	f.buf = append(f.buf, samples...)
	n := f.size * f.format.Channels
	var out []audio.NativeFrame
	for len(f.buf) >= n {
		s := make([]float32, n)
		copy(s, f.buf[:n])
		out = append(out, audio.NativeFrame{Samples: s, SampleRate: f.format.SampleRate, Channels: f.format.Channels})
		f.buf = f.buf[n:]
	}
	if len(f.buf) == 0 {
		f.buf = f.buf[:0:cap(f.buf)]
	} else if cap(f.buf)-len(f.buf) < n {
		f.buf = append(make([]float32, 0, 2*n), f.buf...)
	}
	return out
}
