// Package device defines the narrow interfaces a voxlink session uses to reach
// local audio hardware.
//
// Capture devices push fixed-size frames to a single subscriber. Playback
// devices expose a sample clock and accept buffers scheduled at absolute
// offsets on that clock, which is what makes gapless playback possible: the
// caller, not the device, decides when each buffer begins.
//
// Concrete devices live in sub-packages (malgo, oto, wavfile). Every device
// that plays audio is built on the timeline package so that scheduling
// semantics are identical regardless of the backend.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrDeviceUnavailable is wrapped by every Acquire failure: no permission,
// no hardware, or a backend that refused the requested format.
var ErrDeviceUnavailable = errors.New("device: unavailable")

// Constraints describe the capture stream a session needs.
type Constraints struct {
	// SampleRate in Hz. Sessions request 16000.
	SampleRate int

	// Channels: sessions request mono.
	Channels int

	// FrameSize is the number of samples per channel in each delivered frame.
	FrameSize int
}

// Format returns the sample rate and channel count of the constrained stream.
func (c Constraints) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// CaptureProvider opens capture devices.
type CaptureProvider interface {
	// Acquire opens the device. Errors wrap [ErrDeviceUnavailable].
	Acquire(ctx context.Context, c Constraints) (Capture, error)
}

// Capture is an open capture device.
//
// Frames are delivered sequentially from a single goroutine owned by the
// device, never from the realtime audio thread, so the callback may do
// moderate work (encoding, a network write) without causing dropouts. Frames
// that arrive while the callback is still busy are dropped by the device.
type Capture interface {
	// OnFrame installs the frame callback. Passing nil unsubscribes; once
	// OnFrame(nil) returns no new delivery starts, although a frame already
	// inside the callback completes.
	OnFrame(cb func(audio.NativeFrame))

	// Release stops the device and frees it. It is safe to call more than once.
	Release() error
}

// PlaybackProvider opens playback devices.
type PlaybackProvider interface {
	// Acquire opens the device at the requested output format. Errors wrap
	// [ErrDeviceUnavailable].
	Acquire(ctx context.Context, f audio.Format) (Player, error)
}

// Player is an open playback device with its own monotonically increasing
// clock.
type Player interface {
	// Now returns the device clock: the amount of audio rendered since the
	// device was acquired.
	Now() time.Duration

	// Schedule queues frame to begin exactly at start on the device clock.
	// A start in the past plays immediately, clipped by the elapsed time.
	Schedule(frame audio.NativeFrame, start time.Duration) (Token, error)

	// Release stops the device and frees it. It is safe to call more than once.
	Release() error
}

// Token identifies one scheduled buffer.
type Token interface {
	// Stop halts the buffer. Its finished hook still fires, at most once.
	Stop()

	// OnFinished installs the hook that fires once the buffer has played out
	// or been stopped. If that already happened the hook fires immediately.
	OnFinished(fn func())
}
