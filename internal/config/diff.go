package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
//
// LogLevel, Session, Providers, Audio and Resilience changes are applied
// live: the log level immediately, everything else to the next session.
// A changed listen address needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged    bool
	ProvidersChanged  bool
	AudioChanged      bool
	ResilienceChanged bool

	RestartRequired bool
}

// Any reports whether anything changed at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SessionChanged || d.ProvidersChanged ||
		d.AudioChanged || d.ResilienceChanged || d.RestartRequired
}

// NextSession reports whether the change affects how the next session is
// built.
func (d ConfigDiff) NextSession() bool {
	return d.SessionChanged || d.ProvidersChanged || d.AudioChanged || d.ResilienceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	d.SessionChanged = old.Session != new.Session
	d.ProvidersChanged = !providerEqual(old.Providers.S2S, new.Providers.S2S)
	d.AudioChanged = !deviceEqual(old.Audio.Capture, new.Audio.Capture) ||
		!deviceEqual(old.Audio.Playback, new.Audio.Playback)
	d.ResilienceChanged = old.Resilience != new.Resilience

	return d
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		optionsEqual(a.Options, b.Options)
}

func deviceEqual(a, b DeviceEntry) bool {
	return a.Device == b.Device &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.FrameSize == b.FrameSize &&
		optionsEqual(a.Options, b.Options)
}

// optionsEqual treats nil and empty option maps as equal.
func optionsEqual(a, b map[string]any) bool {
	return maps.EqualFunc(a, b, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
