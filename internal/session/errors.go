package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/audio/device"
)

// ErrSessionTerminal is returned by [Session.Start] once the session reached
// Closed or Error. A finished session cannot be restarted; create a new one.
var ErrSessionTerminal = errors.New("session: terminal session cannot be restarted")

// ErrAlreadyStarted is returned by [Session.Start] while the session is
// connecting, open, or closing.
var ErrAlreadyStarted = errors.New("session: already started")

// ErrStoppedWhileConnecting is returned by [Session.Start] when Stop ended
// the session before the remote channel was dialled.
var ErrStoppedWhileConnecting = errors.New("session: stopped while connecting")

// ErrReadyTimeout is wrapped by the [TransportError] raised when the remote
// channel never reports ready.
var ErrReadyTimeout = errors.New("session: remote channel not ready in time")

// Transport error stages.
const (
	StageConnect = "connect"
	StageSend    = "send"
	StageRemote  = "remote"
)

// DeviceUnavailableError reports that a capture or playback device could not
// be acquired. It matches [device.ErrDeviceUnavailable] with errors.Is even
// when the provider's own error does not wrap it.
type DeviceUnavailableError struct {
	// Device is "capture" or "playback".
	Device string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("session: %s device unavailable: %v", e.Device, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is [device.ErrDeviceUnavailable].
func (e *DeviceUnavailableError) Is(target error) bool {
	return target == device.ErrDeviceUnavailable
}

// TransportError reports a failure of the remote inference channel. Stage is
// one of [StageConnect], [StageSend] or [StageRemote].
type TransportError struct {
	Stage string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
