// Package app wires the parley subsystems into a running client.
//
// The App owns the full lifecycle: New resolves the input source, output
// device and dialer from the config, Run holds the conversation across
// reconnects, and Shutdown releases what New acquired.
//
// For testing, inject doubles via functional options (WithDial, WithSource,
// WithOutput). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/realtime"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"golang.org/x/sync/errgroup"
)

// UserPrompt is printed before each typed line.
const UserPrompt = "You: "

// App owns all subsystem lifetimes for one conversation.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	dial     session.DialFunc
	source   capture.Source
	output   audio.OutputDevice
	listener protocol.Listener
	metrics  *observe.Metrics
	after    func(time.Duration) <-chan time.Time

	stdin       io.Reader
	promptOut   io.Writer
	metricsHTTP http.Handler
	connected   *health.Status
	reconnector *session.Reconnector

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDial replaces the websocket dialer built from the realtime config.
func WithDial(d session.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithSource replaces the input source selected by session.audio_source.
func WithSource(s capture.Source) Option {
	return func(a *App) { a.source = s }
}

// WithOutput replaces the PortAudio speaker used in audio mode.
func WithOutput(d audio.OutputDevice) Option {
	return func(a *App) { a.output = d }
}

// WithListener sets the presenter that receives transcripts and notices.
func WithListener(l protocol.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithAfter replaces [time.After] for every retry and backoff wait.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(a *App) { a.after = after }
}

// WithStdin sets where typed input is read from and where the prompt is
// written. Defaults to os.Stdin and os.Stdout.
func WithStdin(r io.Reader, promptOut io.Writer) Option {
	return func(a *App) {
		a.stdin = r
		a.promptOut = promptOut
	}
}

// WithMetricsHandler serves h as /metrics on the telemetry listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It does not connect; see [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		after:     time.After,
		stdin:     os.Stdin,
		promptOut: os.Stdout,
		connected: health.NewStatus(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.listener == nil {
		a.listener = protocol.NopListener{}
	}

	if a.dial == nil {
		if err := config.RequireAPIKey(cfg); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.dial = a.dialCurrent
	}

	if a.source == nil {
		a.initSource()
	}

	if cfg.Session.Mode == config.ModeAudio && a.output == nil {
		a.output = portaudio.NewOutput(cfg.Audio.SampleRate, 0)
	}

	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Dial:       a.dial,
		MaxRetries: cfg.Retry.ReconnectAttempts,
		Backoff:    cfg.Retry.ReconnectBackoff,
		MaxBackoff: cfg.Retry.ReconnectMaxBackoff,
		Metrics:    a.metrics,
		After:      a.after,
	})
	a.closers = append(a.closers, a.reconnector.Stop)

	return a, nil
}

// initSource selects typed, microphone or file input.
func (a *App) initSource() {
	cfg := a.cfg
	target := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}

	switch cfg.Session.AudioSource {
	case config.SourceMic:
		dev := portaudio.NewCapture(cfg.Audio.CaptureSampleRate, cfg.Audio.FrameSamples)
		a.source = capture.NewMicSource(dev, target, capture.SegmenterConfig{
			SilenceThreshold:  cfg.Audio.SilenceThreshold,
			MaxSilence:        cfg.Audio.MaxSilence,
			MaxUtteranceBytes: cfg.Audio.MaxUtteranceBytes,
		})
		a.closers = append(a.closers, dev.Stop)
		slog.Info("app: recording from microphone", "rate", cfg.Audio.CaptureSampleRate)
	case config.SourceFile:
		a.source = capture.NewFileSource(cfg.Session.AudioFile, target)
		slog.Info("app: sending audio file", "path", cfg.Session.AudioFile)
	default:
		a.source = capture.NewTextSource(a.stdin, capture.WithPrompt(a.promptOut, UserPrompt))
	}
}

// dialCurrent dials with the realtime settings of the current config, so a
// reloaded endpoint or key is used on the next connection.
func (a *App) dialCurrent(ctx context.Context) (session.Transport, error) {
	rc := a.Config().Realtime
	conn, err := realtime.NewDialer(rc.APIKey,
		realtime.WithURL(rc.URL),
		realtime.WithModel(rc.Model),
	).Dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config returns the config the next connection will use.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SetConfig replaces the config. The running connection is unaffected; the
// next one negotiates the new session settings. The input source and output
// device chosen at New are kept.
func (a *App) SetConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// SessionConfig derives the per-connection session settings from cfg.
func SessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	modalities := realtime.Modalities(s.Mode == config.ModeAudio)
	return session.Config{
		Session: realtime.SessionOptions{
			Modalities:        modalities,
			Instructions:      s.Instructions,
			Temperature:       s.Temperature,
			Voice:             s.Voice,
			OutputAudioFormat: s.OutputAudioFormat,
		},
		Response: realtime.ResponseOptions{
			Modalities:        modalities,
			Instructions:      s.Instructions,
			Temperature:       s.ResponseTemperature,
			MaxOutputTokens:   s.MaxOutputTokens,
			Voice:             s.Voice,
			OutputAudioFormat: s.OutputAudioFormat,
		},
		Streaming:         s.Streaming,
		MaxRetries:        cfg.Retry.MaxRetries,
		BackoffBase:       cfg.Retry.BackoffBase,
		CaptureRetryDelay: cfg.Audio.CaptureRetryDelay,
		ShutdownTimeout:   cfg.Playback.ShutdownTimeout,
	}
}

// PlaybackConfig derives the playback engine settings from cfg.
func PlaybackConfig(cfg *config.Config) playback.Config {
	p := cfg.Playback
	return playback.Config{
		BufferThreshold: p.BufferThreshold,
		MaxWait:         p.MaxWait,
		IdlePoll:        p.IdlePoll,
		DrainPoll:       p.DrainPoll,
		DrainWarnAfter:  p.DrainWarnAfter,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects and holds the conversation until the input is exhausted, the
// server closes the connection, turns keep failing or ctx is cancelled. A
// lost connection is replaced according to the reconnect policy and the
// conversation resumes on a fresh session.
//
// When telemetry.listen_addr is set, the telemetry listener runs alongside
// and is shut down when Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if addr := a.Config().Telemetry.ListenAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return a.serveTelemetry(ctx, srv) })
	}

	var runErr error
	g.Go(func() error {
		runErr = a.converse(ctx)
		cancel()
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("app: telemetry listener failed", "err", err)
	}
	return runErr
}

func (a *App) converse(ctx context.Context) error {
	conn, err := a.reconnector.Connect(ctx)
	if err != nil {
		a.connected.Set(err)
		a.terminate(ctx, "could not connect", err)
		return fmt.Errorf("app: %w", err)
	}

	for {
		a.connected.Set(nil)
		err := a.runSession(ctx, conn)
		if err == nil || !errors.Is(err, session.ErrTransport) || ctx.Err() != nil {
			a.connected.Set(health.ErrNotReady)
			a.terminate(ctx, "session ended", err)
			return err
		}

		a.connected.Set(err)
		if a.Config().Retry.ReconnectAttempts <= 0 {
			a.terminate(ctx, "connection lost", err)
			return err
		}
		slog.Warn("app: connection lost, reconnecting", "err", err)
		a.listener.Notice("connection lost, reconnecting")

		conn, err = a.reconnector.Reconnect(ctx)
		if err != nil {
			a.terminate(ctx, "connection lost and could not reconnect", err)
			return fmt.Errorf("app: %w", err)
		}
		a.listener.Notice("reconnected")
	}
}

// terminate reports an abnormal end of the conversation. Exhausted turn
// retries were already reported by the protocol machine; interrupts and a
// normal end are not abnormal.
func (a *App) terminate(ctx context.Context, what string, err error) {
	if err == nil || ctx.Err() != nil || errors.Is(err, protocol.ErrRetriesExhausted) {
		return
	}
	a.listener.SessionTerminated(fmt.Sprintf("%s: %v", what, err))
}

// runSession runs one Orchestrator on conn with the current config.
func (a *App) runSession(ctx context.Context, conn session.Transport) error {
	cfg := a.Config()

	opts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithAfter(a.after),
	}
	if cfg.Session.Mode == config.ModeAudio && a.output != nil {
		opts = append(opts, session.WithOutput(a.output, PlaybackConfig(cfg)))
	}
	dec, err := audio.NewDecoder(cfg.Session.OutputAudioFormat)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	opts = append(opts, session.WithDecoder(dec))

	return session.New(conn, a.source, a.listener, SessionConfig(cfg), opts...).Run(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the connection and devices. It respects the context
// deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
