// Package session runs one conversation over one realtime connection.
//
// An [Orchestrator] drives two loops: the send loop turns user inputs into
// outbound envelopes whenever the protocol machine signals a prompt, and the
// receive loop feeds decoded server events into that machine. The loops
// share nothing but the signal queue and the playback engine. A
// [Reconnector] replaces the connection when it is lost, and a fresh
// Orchestrator is run on the new one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/realtime"
	"github.com/MrWong99/parley/pkg/audio"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// ErrTransport is returned by [Orchestrator.Run] when the connection failed.
// The caller may reconnect and run a new Orchestrator.
var ErrTransport = errors.New("session: transport failed")

// Transport is a duplex message connection to the realtime endpoint.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error

	// Done is closed once the connection is closed, locally or remotely.
	Done() <-chan struct{}
}

var _ Transport = (*realtime.Conn)(nil)

const (
	DefaultCaptureRetryDelay = time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// Config holds the per-session conversation settings.
type Config struct {
	// Session is sent as the session.update handshake.
	Session realtime.SessionOptions

	// Response parameterises every turn trigger. Its modalities decide
	// whether replies are played back.
	Response realtime.ResponseOptions

	// Streaming forwards transcript fragments to the listener as they arrive.
	Streaming bool

	// MaxRetries and BackoffBase configure the failed-turn retry policy.
	MaxRetries  int
	BackoffBase time.Duration

	// CaptureRetryDelay is the pause before re-prompting after a capture
	// device error.
	CaptureRetryDelay time.Duration

	// ShutdownTimeout bounds the final playback drain.
	ShutdownTimeout time.Duration
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithOutput plays audio replies on dev. Without it replies are text only
// even when audio was requested.
func WithOutput(dev audio.OutputDevice, cfg playback.Config) Option {
	return func(o *Orchestrator) {
		o.output = dev
		o.playbackCfg = cfg
	}
}

// WithDecoder sets the decoder for inbound audio.
func WithDecoder(d *audio.Decoder) Option {
	return func(o *Orchestrator) { o.decoder = d }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAfter replaces [time.After] for retry and capture waits.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) { o.after = after }
}

// Orchestrator runs a single session. It is not reusable: call Run once.
type Orchestrator struct {
	transport Transport
	source    capture.Source
	listener  protocol.Listener
	cfg       Config

	output      audio.OutputDevice
	playbackCfg playback.Config
	decoder     *audio.Decoder
	metrics     *observe.Metrics
	after       func(time.Duration) <-chan time.Time

	turns int
}

// New returns an Orchestrator for transport reading inputs from source.
func New(transport Transport, source capture.Source, listener protocol.Listener, cfg Config, opts ...Option) *Orchestrator {
	if cfg.CaptureRetryDelay <= 0 {
		cfg.CaptureRetryDelay = DefaultCaptureRetryDelay
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if listener == nil {
		listener = protocol.NopListener{}
	}
	o := &Orchestrator{
		transport: transport,
		source:    source,
		listener:  listener,
		cfg:       cfg,
		after:     time.After,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Run performs the handshake, runs both loops until the session ends and
// releases the playback device and the transport, in that order.
//
// It returns nil when the input was exhausted or the server closed the
// connection normally, ctx.Err() when ctx was cancelled, an error wrapping
// [ErrTransport] when the connection failed, and an error wrapping
// [protocol.ErrRetriesExhausted] when turns kept failing.
func (o *Orchestrator) Run(ctx context.Context) error {
	audioOut := realtime.HasAudio(o.cfg.Response.Modalities)

	var engine *playback.Engine
	if audioOut && o.output != nil {
		engine = playback.New(o.output, o.playbackCfg, playback.WithMetrics(o.metrics))
		go o.watchEngine(engine)
	}
	defer o.settle(ctx, engine)

	o.metrics.ActiveSessions.Add(ctx, 1)
	defer o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	signals := protocol.NewSignals()
	mopts := []protocol.Option{
		protocol.WithClosed(o.transport.Done()),
		protocol.WithMetrics(o.metrics),
		protocol.WithAfter(o.after),
	}
	if engine != nil {
		mopts = append(mopts, protocol.WithPlayer(engine))
	}
	if o.decoder != nil {
		mopts = append(mopts, protocol.WithDecoder(o.decoder))
	}
	machine := protocol.NewMachine(protocol.Config{
		AudioOut:    audioOut,
		Streaming:   o.cfg.Streaming,
		MaxRetries:  o.cfg.MaxRetries,
		BackoffBase: o.cfg.BackoffBase,
	}, o.listener, signals, mopts...)

	if err := o.send(ctx, realtime.SessionUpdate(o.cfg.Session)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: session update: %w", ErrTransport, err)
	}
	o.listener.SessionStarted(o.cfg.Response.Modalities)
	signals.Push(protocol.SignalPrompt)

	// The receive loop outlives a cancelled ctx until the send loop has
	// stopped, so a reply in flight is not cut off mid-event.
	sendCtx, cancelSend := context.WithCancel(ctx)
	recvCtx, cancelRecv := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	defer cancelRecv()

	var sendErr, recvErr error
	var g errgroup.Group
	g.Go(func() error {
		sendErr = o.sendLoop(sendCtx, signals, machine)
		cancelRecv()
		return nil
	})
	g.Go(func() error {
		recvErr = o.recvLoop(recvCtx, signals, machine)
		cancelSend()
		return nil
	})
	_ = g.Wait()

	switch {
	case recvErr != nil:
		return recvErr
	case ctx.Err() != nil:
		return ctx.Err()
	case sendErr != nil && !errors.Is(sendErr, context.Canceled):
		return sendErr
	}
	return nil
}

// ── Send loop ────────────────────────────────────────────────────────────────

func (o *Orchestrator) sendLoop(ctx context.Context, signals *protocol.Signals, machine *protocol.Machine) error {
	for {
		sig, err := signals.Next(ctx)
		if err != nil {
			return err
		}
		if sig == protocol.SignalExit {
			slog.Debug("session: send loop exiting")
			return nil
		}

		in, err := o.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			slog.Info("session: input exhausted")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, capture.ErrDevice):
			o.metrics.CaptureErrors.Add(ctx, 1)
			slog.Warn("session: capture failed, retrying", "err", err, "delay", o.cfg.CaptureRetryDelay)
			o.listener.Notice(fmt.Sprintf("capture failed: %v", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.after(o.cfg.CaptureRetryDelay):
			}
			signals.Push(protocol.SignalPrompt)
			continue
		default:
			return fmt.Errorf("session: read input: %w", err)
		}

		if err := o.sendTurn(ctx, machine, in); err != nil {
			return err
		}
	}
}

// sendTurn sends the conversation item and the turn trigger.
func (o *Orchestrator) sendTurn(ctx context.Context, machine *protocol.Machine, in capture.Input) (err error) {
	o.turns++
	ctx, span := observe.StartTurnSpan(ctx, o.turns, in.Kind())
	defer func() { observe.EndSpan(span, err) }()

	o.metrics.Utterances.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", in.Kind())))
	if err := o.send(ctx, in.Envelope()); err != nil {
		return fmt.Errorf("%w: send item: %w", ErrTransport, err)
	}
	machine.TurnStarted(time.Now())
	if err := o.send(ctx, realtime.ResponseCreate(o.cfg.Response)); err != nil {
		return fmt.Errorf("%w: send trigger: %w", ErrTransport, err)
	}
	return nil
}

func (o *Orchestrator) send(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", env.Type, err)
	}
	if err := o.transport.Send(ctx, data); err != nil {
		return err
	}
	o.metrics.RecordOutbound(ctx, env.Type)
	observe.Logger(ctx).Debug("session: sent event", "type", env.Type, "event_id", env.EventID, "bytes", len(data))
	return nil
}

// ── Receive loop ─────────────────────────────────────────────────────────────

func (o *Orchestrator) recvLoop(ctx context.Context, signals *protocol.Signals, machine *protocol.Machine) error {
	for {
		data, err := o.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			signals.Push(protocol.SignalExit)
			if errors.Is(err, io.EOF) {
				slog.Info("session: server closed the connection")
				return nil
			}
			slog.Error("session: connection lost", "err", err)
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		ev, err := realtime.ParseEvent(data)
		if err != nil {
			o.metrics.MalformedEvents.Add(ctx, 1)
			slog.Warn("session: skipping malformed event", "err", err, "bytes", len(data))
			continue
		}

		if err := machine.Handle(ctx, ev); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, protocol.ErrTransportClosed):
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			return err
		}
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

// settle drains and closes playback, then closes the transport.
func (o *Orchestrator) settle(ctx context.Context, engine *playback.Engine) {
	if engine != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownTimeout)
		if err := engine.Enqueue(playback.Flush{}); err == nil {
			if err := engine.WaitDrained(sctx); err != nil {
				slog.Warn("session: playback did not drain before shutdown", "err", err)
			}
		}
		if err := engine.Close(sctx); err != nil {
			slog.Warn("session: failed to close playback", "err", err)
		}
		cancel()
	}
	if err := o.transport.Close(); err != nil {
		slog.Debug("session: transport close", "err", err)
	}
}

// watchEngine reports an output device that failed to open. The session
// carries on with text only.
func (o *Orchestrator) watchEngine(engine *playback.Engine) {
	<-engine.Done()
	if err := engine.Err(); err != nil {
		o.listener.Notice(fmt.Sprintf("audio output unavailable: %v", err))
	}
}
