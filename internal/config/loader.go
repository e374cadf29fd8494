package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is the environment variable consulted by [ApplyEnv].
const APIKeyEnv = "OPENAI_API_KEY"

// Load reads the YAML configuration file at path on top of [Default] and
// returns a validated [Config]. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config: file not found, using defaults", "path", path)
		cfg := Default()
		return cfg, Validate(cfg)
	}
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

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Unknown keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills values that may come from the environment. The API key is
// taken from OPENAI_API_KEY only when the file left it empty.
func ApplyEnv(cfg *Config) {
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(APIKeyEnv)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. The API
// key is not checked here because it may still be filled by [ApplyEnv] or a
// flag; see [RequireAPIKey].
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Realtime
	if cfg.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	} else if u, err := url.Parse(cfg.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("realtime.url %q must be a ws:// or wss:// URL", cfg.Realtime.URL))
	}
	if cfg.Realtime.Model == "" {
		errs = append(errs, errors.New("realtime.model is required"))
	}

	// Session
	s := cfg.Session
	if !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: text, audio", s.Mode))
	}
	if !s.AudioSource.IsValid() {
		errs = append(errs, fmt.Errorf("session.audio_source %q is invalid; valid values: mic, file or empty", s.AudioSource))
	}
	if s.AudioSource == SourceFile && s.AudioFile == "" {
		errs = append(errs, errors.New("session.audio_file is required when audio_source is file"))
	}
	if s.Mode == ModeAudio && s.Voice == "" {
		errs = append(errs, errors.New("session.voice is required in audio mode"))
	}
	if !s.OutputAudioFormat.IsValid() {
		errs = append(errs, fmt.Errorf("session.output_audio_format %q is invalid; valid values: pcm16, g711_ulaw, g711_alaw", s.OutputAudioFormat))
	}
	if !inRange(s.Temperature, 0, 2) {
		errs = append(errs, fmt.Errorf("session.temperature %v must be between 0 and 2", s.Temperature))
	}
	if !inRange(s.ResponseTemperature, 0, 2) {
		errs = append(errs, fmt.Errorf("session.response_temperature %v must be between 0 and 2", s.ResponseTemperature))
	}
	if s.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_output_tokens %d must not be negative", s.MaxOutputTokens))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.CaptureSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d must be positive", a.CaptureSampleRate))
	}
	if a.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", a.FrameSamples))
	}
	if !(a.SilenceThreshold > 0) || math.IsInf(a.SilenceThreshold, 0) {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %v must be a positive number", a.SilenceThreshold))
	}
	if a.MaxSilence <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_silence %v must be positive", a.MaxSilence))
	}
	if a.MaxUtteranceBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_utterance_bytes %d must not be negative", a.MaxUtteranceBytes))
	}
	if a.CaptureRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_retry_delay %v must not be negative", a.CaptureRetryDelay))
	}

	// Playback
	p := cfg.Playback
	if p.BufferThreshold <= 0 {
		errs = append(errs, fmt.Errorf("playback.buffer_threshold %d must be positive", p.BufferThreshold))
	}
	for name, d := range map[string]time.Duration{
		"playback.max_wait":         p.MaxWait,
		"playback.idle_poll":        p.IdlePoll,
		"playback.drain_poll":       p.DrainPoll,
		"playback.drain_warn_after": p.DrainWarnAfter,
		"playback.shutdown_timeout": p.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	// Retry
	r := cfg.Retry
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("retry.backoff_base %v must be positive", r.BackoffBase))
	}
	if r.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.reconnect_attempts %d must not be negative", r.ReconnectAttempts))
	}
	if r.ReconnectMaxBackoff < r.ReconnectBackoff {
		errs = append(errs, fmt.Errorf("retry.reconnect_max_backoff %v is below reconnect_backoff %v", r.ReconnectMaxBackoff, r.ReconnectBackoff))
	}

	return errors.Join(errs...)
}

// RequireAPIKey reports an error when no API key is configured.
func RequireAPIKey(cfg *Config) error {
	if cfg.Realtime.APIKey == "" {
		return fmt.Errorf("config: no API key; set realtime.api_key or %s", APIKeyEnv)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
