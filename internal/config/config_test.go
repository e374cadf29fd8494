package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug

realtime:
  url: wss://realtime.example.com/v1/realtime
  model: test-model
  api_key: sk-test

session:
  mode: audio
  streaming: false
  audio_source: mic
  instructions: Answer briefly.
  voice: verse
  temperature: 0.6
  response_temperature: 0.9
  max_output_tokens: 400
  output_audio_format: g711_ulaw

audio:
  capture_sample_rate: 48000
  silence_threshold: 250
  max_silence: 1500ms

playback:
  buffer_threshold: 8000
  max_wait: 250ms

retry:
  max_retries: 2
  backoff_base: 2s
  reconnect_attempts: 0

telemetry:
  listen_addr: 127.0.0.1:9464
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogDebug)
	}
	if cfg.Realtime.Model != "test-model" {
		t.Errorf("realtime.model: got %q", cfg.Realtime.Model)
	}
	if cfg.Session.Mode != config.ModeAudio {
		t.Errorf("session.mode: got %q, want audio", cfg.Session.Mode)
	}
	if cfg.Session.Streaming {
		t.Error("session.streaming: got true, want false")
	}
	if cfg.Session.AudioSource != config.SourceMic {
		t.Errorf("session.audio_source: got %q, want mic", cfg.Session.AudioSource)
	}
	if cfg.Session.OutputAudioFormat != audio.EncodingG711ULaw {
		t.Errorf("session.output_audio_format: got %q", cfg.Session.OutputAudioFormat)
	}
	if cfg.Session.MaxOutputTokens != 400 {
		t.Errorf("session.max_output_tokens: got %d, want 400", cfg.Session.MaxOutputTokens)
	}
	if cfg.Audio.MaxSilence != 1500*time.Millisecond {
		t.Errorf("audio.max_silence: got %v, want 1.5s", cfg.Audio.MaxSilence)
	}
	if cfg.Playback.MaxWait != 250*time.Millisecond {
		t.Errorf("playback.max_wait: got %v, want 250ms", cfg.Playback.MaxWait)
	}
	if cfg.Retry.BackoffBase != 2*time.Second {
		t.Errorf("retry.backoff_base: got %v, want 2s", cfg.Retry.BackoffBase)
	}
	if cfg.Retry.ReconnectAttempts != 0 {
		t.Errorf("retry.reconnect_attempts: got %d, want 0", cfg.Retry.ReconnectAttempts)
	}
	if cfg.Telemetry.ListenAddr != "127.0.0.1:9464" {
		t.Errorf("telemetry.listen_addr: got %q", cfg.Telemetry.ListenAddr)
	}
}

func TestLoadFromReader_PartialKeepsDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("session:\n  voice: echo\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := config.Default()
	if cfg.Session.Voice != "echo" {
		t.Errorf("session.voice: got %q, want echo", cfg.Session.Voice)
	}
	if cfg.Session.Instructions != def.Session.Instructions {
		t.Error("session.instructions should keep its default")
	}
	if cfg.Session.Temperature != 0.8 || cfg.Session.ResponseTemperature != 0.7 {
		t.Errorf("temperatures: got %v/%v, want 0.8/0.7", cfg.Session.Temperature, cfg.Session.ResponseTemperature)
	}
	if cfg.Playback.BufferThreshold != 5000 {
		t.Errorf("playback.buffer_threshold: got %d, want 5000", cfg.Playback.BufferThreshold)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("empty config should equal the defaults, got %+v", cfg)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("session:\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("session: [unterminated"))
	if err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.Voice != "alloy" {
		t.Errorf("voice: got %q, want alloy", cfg.Session.Voice)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.Voice != "verse" {
		t.Errorf("voice: got %q, want verse", cfg.Session.Voice)
	}
}

func TestLoad_InvalidFileNamesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error should name the file, got: %v", err)
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "sk-env")

	cfg := config.Default()
	config.ApplyEnv(cfg)
	if cfg.Realtime.APIKey != "sk-env" {
		t.Errorf("api key: got %q, want sk-env", cfg.Realtime.APIKey)
	}

	cfg = config.Default()
	cfg.Realtime.APIKey = "sk-file"
	config.ApplyEnv(cfg)
	if cfg.Realtime.APIKey != "sk-file" {
		t.Errorf("file key should win, got %q", cfg.Realtime.APIKey)
	}
}

func TestRequireAPIKey(t *testing.T) {
	cfg := config.Default()
	if err := config.RequireAPIKey(cfg); err == nil {
		t.Error("expected error without key")
	}
	cfg.Realtime.APIKey = "sk"
	if err := config.RequireAPIKey(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ── Enum types ───────────────────────────────────────────────────────────────

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestMode_IsValid(t *testing.T) {
	if !config.ModeText.IsValid() || !config.ModeAudio.IsValid() {
		t.Error("text and audio should be valid")
	}
	if config.Mode("video").IsValid() {
		t.Error("video should be invalid")
	}
}

func TestAudioSource_IsValid(t *testing.T) {
	for _, s := range []config.AudioSource{config.SourceTyped, config.SourceMic, config.SourceFile} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if config.AudioSource("line-in").IsValid() {
		t.Error("line-in should be invalid")
	}
}
