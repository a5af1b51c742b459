package config_test

import (
	"testing"

	"github.com/MrWong99/voxlink/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Audio: config.AudioConfig{
			Capture:  config.DeviceEntry{Device: "wavfile", Options: map[string]any{"path": "in.wav"}},
			Playback: config.DeviceEntry{Device: "oto"},
		},
		Providers: config.ProvidersConfig{S2S: config.ProviderEntry{Name: "gemini-live", APIKey: "k"}},
		Session:   config.SessionConfig{Instructions: "be brief", Voice: "Puck"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(*testing.T, config.ConfigDiff)
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if d.Any() {
					t.Errorf("expected no changes, got %+v", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %+v", d)
				}
				if d.NextSession() {
					t.Error("log level change should not affect the next session")
				}
			},
		},
		{
			name:   "session voice",
			mutate: func(c *config.Config) { c.Session.Voice = "Kore" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SessionChanged || !d.NextSession() {
					t.Errorf("session diff = %+v", d)
				}
			},
		},
		{
			name:   "provider model",
			mutate: func(c *config.Config) { c.Providers.S2S.Model = "other" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ProvidersChanged {
					t.Errorf("providers diff = %+v", d)
				}
			},
		},
		{
			name:   "device option",
			mutate: func(c *config.Config) { c.Audio.Capture.Options = map[string]any{"path": "other.wav"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.AudioChanged {
					t.Errorf("audio diff = %+v", d)
				}
			},
		},
		{
			name:   "resilience",
			mutate: func(c *config.Config) { c.Resilience.MaxFailures = 9 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ResilienceChanged {
					t.Errorf("resilience diff = %+v", d)
				}
			},
		},
		{
			name:   "listen address",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":1234" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RestartRequired {
					t.Errorf("listen address diff = %+v", d)
				}
				if d.NextSession() {
					t.Error("listen address change should not affect the next session")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)
			tt.check(t, config.Diff(old, updated))
		})
	}
}

func TestDiff_NilAndEmptyOptionsEqual(t *testing.T) {
	t.Parallel()
	old, updated := baseConfig(), baseConfig()
	old.Audio.Playback.Options = nil
	updated.Audio.Playback.Options = map[string]any{}
	if d := config.Diff(old, updated); d.AudioChanged {
		t.Error("nil and empty options should compare equal")
	}
}
