// Package config provides the configuration schema, defaults, loader and
// hot-reload watcher for parley.
package config

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// LogLevel controls log verbosity.
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

// Mode selects how replies are delivered.
type Mode string

const (
	// ModeText requests text-only replies.
	ModeText Mode = "text"

	// ModeAudio requests spoken replies with a transcript.
	ModeAudio Mode = "audio"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeText || m == ModeAudio
}

// AudioSource selects where user input comes from.
type AudioSource string

const (
	// SourceTyped reads lines from standard input.
	SourceTyped AudioSource = ""

	// SourceMic records utterances from the default microphone.
	SourceMic AudioSource = "mic"

	// SourceFile sends one audio file as a single utterance.
	SourceFile AudioSource = "file"
)

// IsValid reports whether s is a recognised audio source.
func (s AudioSource) IsValid() bool {
	switch s {
	case SourceTyped, SourceMic, SourceFile:
		return true
	}
	return false
}

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = "Your knowledge cutoff is 2023-10. You are a helpful, witty, and friendly AI. " +
	"Act like a human, but remember that you aren't a human and that you can't do human things " +
	"in the real world. Your voice and personality should be warm and engaging, with a lively and " +
	"playful tone."

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RealtimeConfig locates and authenticates the realtime endpoint.
type RealtimeConfig struct {
	// URL is the websocket endpoint without the model query.
	URL string `yaml:"url"`

	// Model is appended as the ?model= query parameter.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token. Filled from OPENAI_API_KEY by
	// [ApplyEnv] when empty.
	APIKey string `yaml:"api_key"`
}

// SessionConfig holds the conversation settings negotiated with the server.
type SessionConfig struct {
	Mode      Mode `yaml:"mode"`
	Streaming bool `yaml:"streaming"`

	// AudioSource selects typed input, the microphone or a file.
	AudioSource AudioSource `yaml:"audio_source"`

	// AudioFile is the WAV or raw PCM16 file sent when AudioSource is file.
	AudioFile string `yaml:"audio_file"`

	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`

	// Temperature is sent with the session handshake; ResponseTemperature
	// with every turn trigger.
	Temperature         float64 `yaml:"temperature"`
	ResponseTemperature float64 `yaml:"response_temperature"`
	MaxOutputTokens     int     `yaml:"max_output_tokens"`

	// OutputAudioFormat is the encoding requested for spoken replies.
	OutputAudioFormat audio.Encoding `yaml:"output_audio_format"`
}

// AudioConfig tunes capture and utterance segmentation.
type AudioConfig struct {
	// SampleRate is the session PCM rate, 24000 for the realtime API.
	SampleRate int `yaml:"sample_rate"`

	// CaptureSampleRate is the rate the microphone is opened at. Frames are
	// resampled to SampleRate when the two differ.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// FrameSamples is the capture block size.
	FrameSamples int `yaml:"frame_samples"`

	SilenceThreshold  float64       `yaml:"silence_threshold"`
	MaxSilence        time.Duration `yaml:"max_silence"`
	MaxUtteranceBytes int           `yaml:"max_utterance_bytes"`

	// CaptureRetryDelay is the pause before prompting again after the
	// capture device failed.
	CaptureRetryDelay time.Duration `yaml:"capture_retry_delay"`
}

// PlaybackConfig tunes the playback buffer engine.
type PlaybackConfig struct {
	BufferThreshold int           `yaml:"buffer_threshold"`
	MaxWait         time.Duration `yaml:"max_wait"`
	IdlePoll        time.Duration `yaml:"idle_poll"`
	DrainPoll       time.Duration `yaml:"drain_poll"`
	DrainWarnAfter  time.Duration `yaml:"drain_warn_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig holds the failed-turn and reconnect policies.
type RetryConfig struct {
	// MaxRetries is the number of re-prompts after consecutive failed turns.
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`

	// ReconnectAttempts is the number of dial attempts after the connection
	// was lost. Zero disables reconnecting.
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
}

// TelemetryConfig configures the optional metrics and health listener.
type TelemetryConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz when non-empty,
	// e.g. "127.0.0.1:9464".
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Realtime: RealtimeConfig{
			URL:   "wss://api.openai.com/v1/realtime",
			Model: "gpt-4o-realtime-preview-2024-10-01",
		},
		Session: SessionConfig{
			Mode:                ModeText,
			Streaming:           true,
			Instructions:        DefaultInstructions,
			Voice:               "alloy",
			Temperature:         0.8,
			ResponseTemperature: 0.7,
			MaxOutputTokens:     1500,
			OutputAudioFormat:   audio.EncodingPCM16,
		},
		Audio: AudioConfig{
			SampleRate:        24000,
			CaptureSampleRate: 24000,
			FrameSamples:      1024,
			SilenceThreshold:  100,
			MaxSilence:        time.Second,
			CaptureRetryDelay: time.Second,
		},
		Playback: PlaybackConfig{
			BufferThreshold: 5000,
			MaxWait:         500 * time.Millisecond,
			IdlePoll:        100 * time.Millisecond,
			DrainPoll:       50 * time.Millisecond,
			DrainWarnAfter:  5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:          3,
			BackoffBase:         time.Second,
			ReconnectAttempts:   3,
			ReconnectBackoff:    time.Second,
			ReconnectMaxBackoff: 30 * time.Second,
		},
	}
}
