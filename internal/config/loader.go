package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider and device names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":      {"gemini-live", "openai-realtime"},
	"capture":  {"malgo", "wavfile"},
	"playback": {"malgo", "oto", "wavfile"},
}

// APIKeyEnv names the environment variable consulted when
// providers.s2s.api_key is empty.
const APIKeyEnv = "VOXLINK_S2S_API_KEY"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// API key environment fallback, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if cfg.Providers.S2S.APIKey == "" {
		cfg.Providers.S2S.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("capture", cfg.Audio.Capture.Device)
	validateProviderName("playback", cfg.Audio.Playback.Device)

	errs = append(errs, validateDevice("audio.capture", cfg.Audio.Capture, true)...)
	errs = append(errs, validateDevice("audio.playback", cfg.Audio.Playback, false)...)

	if cfg.Providers.S2S.Name != "" && cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty; set it or " + APIKeyEnv)
	}
	if cfg.Session.Autostart && cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("session.autostart requires providers.s2s.name"))
	}
	if cfg.Session.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.ready_timeout %s must not be negative", cfg.Session.ReadyTimeout))
	}

	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateDevice(prefix string, d DeviceEntry, capture bool) []error {
	var errs []error
	if d.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, d.SampleRate))
	}
	if d.Channels < 0 || d.Channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, d.Channels))
	}
	if capture && d.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("%s.frame_size %d must be positive", prefix, d.FrameSize))
	}
	if d.Device == "wavfile" && StringOption(d.Options, "path", "") == "" {
		errs = append(errs, fmt.Errorf("%s.options.path is required for the wavfile device", prefix))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
