package config_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.NextConnection() {
		t.Errorf("expected no next-connection changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.NextConnection() {
		t.Error("a log level change should not require a new connection")
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"voice", func(c *config.Config) { c.Session.Voice = "verse" }, func(d config.ConfigDiff) bool { return d.SessionChanged }},
		{"instructions", func(c *config.Config) { c.Session.Instructions = "be brief" }, func(d config.ConfigDiff) bool { return d.SessionChanged }},
		{"model", func(c *config.Config) { c.Realtime.Model = "other" }, func(d config.ConfigDiff) bool { return d.RealtimeChanged }},
		{"silence", func(c *config.Config) { c.Audio.SilenceThreshold = 250 }, func(d config.ConfigDiff) bool { return d.AudioChanged }},
		{"threshold", func(c *config.Config) { c.Playback.BufferThreshold = 8000 }, func(d config.ConfigDiff) bool { return d.PlaybackChanged }},
		{"retries", func(c *config.Config) { c.Retry.MaxRetries = 5 }, func(d config.ConfigDiff) bool { return d.RetryChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := config.Default()
			tt.mutate(new)
			d := config.Diff(config.Default(), new)
			if !tt.check(d) {
				t.Errorf("change not detected: %+v", d)
			}
			if !d.NextConnection() {
				t.Error("expected NextConnection=true")
			}
			if d.LogLevelChanged {
				t.Error("expected LogLevelChanged=false")
			}
		})
	}
}
