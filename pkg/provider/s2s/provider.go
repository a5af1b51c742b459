// Package s2s defines the contract for remote real-time speech-to-speech
// inference channels.
//
// A channel accepts a continuous stream of encoded microphone frames and
// returns synthesised audio frames, interleaved with interruption signals
// when the remote side detects that the user started talking over the model.
// voxlink treats the channel as an opaque audio pipe: the content of the
// responses is of no concern here.
//
// The central abstraction is [SessionHandle]. Inbound audio and interruptions
// share one ordered [Event] channel, so a consumer never sees a frame the
// remote produced before an interruption after that interruption. A single
// consumer goroutine can select over it together with its own timers and stop
// requests.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// SessionConfig is the initial configuration for a new channel.
// The response modality is always audio.
type SessionConfig struct {
	// Instructions is the system-level prompt (persona) sent in the setup
	// message.
	Instructions string

	// Voice is the provider-specific voice name. Empty selects the provider
	// default.
	Voice string

	// InputFormat is the format of frames passed to SendAudio.
	InputFormat audio.Format

	// OutputFormat is the format the caller plays inbound audio at. Adapters
	// tag inbound frames with the rate the remote actually produced; callers
	// resample when the two differ.
	OutputFormat audio.Format
}

// EventKind tells inbound events apart.
type EventKind int

const (
	// EventAudio carries one synthesised frame in [Event.Frame].
	EventAudio EventKind = iota

	// EventInterrupted reports that the user barged in. Audio queued before
	// it is stale.
	EventInterrupted
)

// String returns the name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote.
type Event struct {
	Kind EventKind

	// Frame is set for [EventAudio].
	Frame audio.WireFrame
}

// AudioEvent wraps an inbound frame.
func AudioEvent(f audio.WireFrame) Event { return Event{Kind: EventAudio, Frame: f} }

// InterruptEvent returns an interruption event.
func InterruptEvent() Event { return Event{Kind: EventInterrupted} }

// Capabilities describes static properties of the provider.
type Capabilities struct {
	// NativeInputRate is the sample rate the remote consumes without
	// resampling.
	NativeInputRate int

	// NativeOutputRate is the sample rate the remote produces.
	NativeOutputRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds. Zero means no documented limit.
	MaxSessionDurationMs int

	// ServerInterruption reports whether the remote emits interruption
	// signals on its own voice activity detection.
	ServerInterruption bool

	// Voices lists the known voice names.
	Voices []string
}

// SessionHandle is an open channel to the remote service.
//
// Every method must return quickly. Callers must call Close when done.
type SessionHandle interface {
	// SendAudio pushes one encoded frame. It is fire-and-forget: there is no
	// acknowledgement. An error means the frame could not be written, usually
	// because the channel is closed or the connection failed.
	SendAudio(frame audio.WireFrame) error

	// Ready is closed once the remote reports the channel open and accepting
	// audio. It is never closed if the channel fails during setup; callers
	// should also watch Events.
	Ready() <-chan struct{}

	// Events emits inbound audio frames and interruption signals in the order
	// the remote sent them. No event is dropped. It is closed when the
	// channel ends; Err then tells a clean close from a failure. Consumers
	// must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the channel, or nil for a clean close.
	// It is only meaningful after Events has been closed.
	Err() error

	// Close terminates the channel and closes Events. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider opens channels to one remote service.
type Provider interface {
	// Connect dials the remote and sends the setup message. It returns once
	// the transport is connected; readiness is signalled on
	// [SessionHandle.Ready].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
