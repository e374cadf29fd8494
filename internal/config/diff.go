package config

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; the remaining flags tell the caller
// which settings take effect on the next connection.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RealtimeChanged bool // endpoint, model or key
	SessionChanged  bool // instructions, voice, mode or sampling
	AudioChanged    bool
	PlaybackChanged bool
	RetryChanged    bool
}

// NextConnection reports whether any setting changed that applies when the
// next connection is made.
func (d ConfigDiff) NextConnection() bool {
	return d.RealtimeChanged || d.SessionChanged || d.AudioChanged || d.PlaybackChanged || d.RetryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	// All sections are comparable value structs.
	d.RealtimeChanged = old.Realtime != new.Realtime
	d.SessionChanged = old.Session != new.Session
	d.AudioChanged = old.Audio != new.Audio
	d.PlaybackChanged = old.Playback != new.Playback
	d.RetryChanged = old.Retry != new.Retry

	return d
}
