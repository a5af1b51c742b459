package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio/device"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	s2s      map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func(DeviceEntry) (device.CaptureProvider, error)
	playback map[string]func(DeviceEntry) (device.PlaybackProvider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:      make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func(DeviceEntry) (device.CaptureProvider, error)),
		playback: make(map[string]func(DeviceEntry) (device.PlaybackProvider, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(DeviceEntry) (device.CaptureProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback device factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(DeviceEntry) (device.PlaybackProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateS2S instantiates the S2S provider named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory exists for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the capture device named by entry.Device.
func (r *Registry) CreateCapture(entry DeviceEntry) (device.CaptureProvider, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Device)
	}
	return factory(entry)
}

// CreatePlayback instantiates the playback device named by entry.Device.
func (r *Registry) CreatePlayback(entry DeviceEntry) (device.PlaybackProvider, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, entry.Device)
	}
	return factory(entry)
}

// HasS2S reports whether a factory is registered under name.
func (r *Registry) HasS2S(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.s2s[name]
	return ok
}

// HasCapture reports whether a capture factory is registered under name.
func (r *Registry) HasCapture(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capture[name]
	return ok
}

// HasPlayback reports whether a playback factory is registered under name.
func (r *Registry) HasPlayback(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.playback[name]
	return ok
}
