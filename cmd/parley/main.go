// Command parley holds a spoken or typed conversation with a realtime
// language model.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

// flags holds the command-line overrides. Only flags the user set are
// applied, so file values survive otherwise.
type flags struct {
	configPath   string
	watch        bool
	mode         string
	noStreaming  bool
	audioSource  string
	audioFile    string
	systemPrompt string
	voice        string
	logLevel     string
}

func main() {
	os.Exit(run())
}

func run() int {
	var f flags
	code := 0

	cmd := &cobra.Command{
		Use:   "parley",
		Short: "Talk to a realtime language model from the terminal",
		Long: `parley connects to the OpenAI Realtime API and holds a conversation.

Type a message and press Enter, or record from the microphone with
--audio-source mic. Replies arrive as text, or as speech with a transcript
in --mode audio.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = converse(cmd, f)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "parley.yaml", "path to the YAML configuration file")
	fl.BoolVar(&f.watch, "watch", false, "reload the configuration file when it changes")
	fl.StringVar(&f.mode, "mode", "", "reply mode: text or audio")
	fl.BoolVar(&f.noStreaming, "no-streaming", false, "print replies only once complete")
	fl.StringVar(&f.audioSource, "audio-source", "", "input source: mic or file (default: typed text)")
	fl.StringVar(&f.audioFile, "audio-file", "", "WAV or raw PCM16 file sent with --audio-source file")
	fl.StringVar(&f.systemPrompt, "system-prompt", "", "instructions for the model")
	fl.StringVar(&f.voice, "voice", "", "voice for spoken replies")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 2
	}
	return code
}

// overrides returns a function applying the flags the user set.
func overrides(cmd *cobra.Command, f flags) func(*config.Config) {
	fl := cmd.Flags()
	return func(cfg *config.Config) {
		if fl.Changed("mode") {
			cfg.Session.Mode = config.Mode(f.mode)
		}
		if fl.Changed("no-streaming") {
			cfg.Session.Streaming = !f.noStreaming
		}
		if fl.Changed("audio-source") {
			cfg.Session.AudioSource = config.AudioSource(f.audioSource)
		}
		if fl.Changed("audio-file") {
			cfg.Session.AudioFile = f.audioFile
			if !fl.Changed("audio-source") {
				cfg.Session.AudioSource = config.SourceFile
			}
		}
		if fl.Changed("system-prompt") {
			cfg.Session.Instructions = f.systemPrompt
		}
		if fl.Changed("voice") {
			cfg.Session.Voice = f.voice
		}
		if fl.Changed("log-level") {
			cfg.LogLevel = config.LogLevel(f.logLevel)
		}
	}
}

func converse(cmd *cobra.Command, f flags) int {
	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration ─────────────────────────────────────────────────────────
	apply := overrides(cmd, f)
	var application atomic.Pointer[app.App]

	var watcher *config.Watcher
	if f.watch {
		w, err := config.NewWatcher(f.configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if a := application.Load(); d.NextConnection() && a != nil {
				a.SetConfig(new)
				slog.Info("configuration changed, applies to the next connection")
			}
		}, config.WithOverrides(apply))
		switch {
		case err == nil:
			watcher = w
			defer watcher.Stop()
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, not watching", "path", f.configPath)
		default:
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
			return 1
		}
	}

	var cfg *config.Config
	if watcher != nil {
		cfg = watcher.Current()
	} else {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
			return 1
		}
		config.ApplyEnv(loaded)
		apply(loaded)
		if err := config.Validate(loaded); err != nil {
			fmt.Fprintf(os.Stderr, "parley: invalid configuration: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	level.Set(slogLevel(cfg.LogLevel))

	slog.Debug("parley starting",
		"version", version,
		"config", f.configPath,
		"mode", cfg.Session.Mode,
		"audio_source", cfg.Session.AudioSource,
		"model", cfg.Realtime.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	opts := []app.Option{app.WithListener(newConsole(os.Stdout))}
	if cfg.Telemetry.ListenAddr != "" {
		provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "parley",
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := provider.Shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
		opts = append(opts, app.WithMetricsHandler(provider.MetricsHandler))
	}

	// ── Application ───────────────────────────────────────────────────────────
	a, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.Store(a)

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	switch {
	case runErr == nil:
		slog.Info("goodbye")
		return 0
	case errors.Is(runErr, context.Canceled):
		slog.Info("interrupted, goodbye")
		return 0
	default:
		slog.Error("conversation ended", "err", runErr)
		return 1
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
