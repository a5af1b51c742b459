// Package config provides the configuration schema, loader, and provider registry
// for the voxlink audio session service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voxlink server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unknown and empty values
// map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default audio parameters.
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
	DefaultFrameSize    = 4096
	DefaultListenAddr   = ":8080"
)

// Config is the root configuration structure for voxlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the voxlink server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the local capture and playback devices.
type AudioConfig struct {
	Capture  DeviceEntry `yaml:"capture"`
	Playback DeviceEntry `yaml:"playback"`
}

// DeviceEntry configures one audio device. Device selects the factory
// registered in the [Registry].
type DeviceEntry struct {
	// Device is the registered device name (e.g., "malgo", "oto", "wavfile").
	Device string `yaml:"device"`

	// SampleRate in Hz. Defaults to 16000 for capture and 24000 for playback.
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 (mono) or 2 (stereo). Defaults to 1.
	Channels int `yaml:"channels"`

	// FrameSize is the number of samples per channel in each captured frame.
	// Ignored for playback. Defaults to 4096.
	FrameSize int `yaml:"frame_size"`

	// Options holds device-specific settings, such as the WAV file path.
	Options map[string]any `yaml:"options"`
}

// ProvidersConfig declares which remote inference channel to use.
type ProvidersConfig struct {
	S2S ProviderEntry `yaml:"s2s"`
}

// ProviderEntry is the configuration block of a remote provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds what is sent to the remote channel when a session opens.
type SessionConfig struct {
	// Instructions is the persona / system prompt.
	Instructions string `yaml:"instructions"`

	// Voice selects the synthesised voice.
	Voice string `yaml:"voice"`

	// Autostart opens a session as soon as the server starts.
	Autostart bool `yaml:"autostart"`

	// ReadyTimeout bounds the Connecting state. Zero uses the session default.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// ResilienceConfig tunes the circuit breaker guarding connection attempts.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connect failures that open the
	// breaker. Defaults to 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Defaults to 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.Capture.SampleRate == 0 {
		c.Audio.Capture.SampleRate = DefaultCaptureRate
	}
	if c.Audio.Capture.Channels == 0 {
		c.Audio.Capture.Channels = 1
	}
	if c.Audio.Capture.FrameSize == 0 {
		c.Audio.Capture.FrameSize = DefaultFrameSize
	}
	if c.Audio.Playback.SampleRate == 0 {
		c.Audio.Playback.SampleRate = DefaultPlaybackRate
	}
	if c.Audio.Playback.Channels == 0 {
		c.Audio.Playback.Channels = 1
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = 3
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = 30 * time.Second
	}
}

// StringOption returns Options[key] as a string, or def when unset or not a
// string.
func StringOption(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

// BoolOption returns Options[key] as a bool, or def when unset.
func BoolOption(opts map[string]any, key string, def bool) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def when unset or not numeric.
func IntOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// DurationOption parses Options[key] with [time.ParseDuration], or returns
// def when unset or malformed.
func DurationOption(opts map[string]any, key string, def time.Duration) time.Duration {
	s, ok := opts[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
