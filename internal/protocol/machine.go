// Package protocol interprets the server side of a realtime conversation.
//
// A [Machine] consumes decoded [realtime.Event] values in receipt order. It
// accumulates transcript fragments, routes audio to the playback engine,
// decides when the user may speak again, and applies a bounded exponential
// retry when the server reports a failed turn. Decisions reach the send loop
// only through the [Signals] queue.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/realtime"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrRetriesExhausted is returned by [Machine.Handle] when a turn failed
	// more than MaxRetries times in a row.
	ErrRetriesExhausted = errors.New("protocol: retries exhausted")

	// ErrTransportClosed is returned by [Machine.Handle] when the connection
	// closed while waiting to retry.
	ErrTransportClosed = errors.New("protocol: transport closed during retry wait")
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
)

// RetryState counts consecutive failed turns on one connection.
type RetryState struct {
	Failures   int
	MaxRetries int
	Base       time.Duration
}

// Delay returns Base·2^Failures.
func (r RetryState) Delay() time.Duration {
	return r.Base << r.Failures
}

// Exhausted reports whether Failures exceeds MaxRetries.
func (r RetryState) Exhausted() bool {
	return r.Failures > r.MaxRetries
}

// Player is the part of the playback engine the machine drives.
type Player interface {
	Enqueue(cmd playback.Command) error
	WaitDrained(ctx context.Context) error
}

var _ Player = (*playback.Engine)(nil)

// Config controls how replies are handled.
type Config struct {
	// AudioOut enables audio playback of the reply.
	AudioOut bool

	// Streaming forwards transcript fragments as they arrive.
	Streaming bool

	// MaxRetries is the number of re-prompts allowed after consecutive
	// failed turns. Zero means [DefaultMaxRetries]; negative disables retry.
	MaxRetries int

	// BackoffBase is multiplied by 2^failures to get the retry delay.
	BackoffBase time.Duration
}

// Option configures a [Machine].
type Option func(*Machine)

// WithPlayer routes audio deltas to p.
func WithPlayer(p Player) Option {
	return func(m *Machine) { m.player = p }
}

// WithDecoder sets the decoder for audio deltas. Defaults to PCM16.
func WithDecoder(d *audio.Decoder) Option {
	return func(m *Machine) { m.decoder = d }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClosed sets a channel that aborts retry waits when closed, typically
// the transport's Done channel.
func WithClosed(ch <-chan struct{}) Option {
	return func(m *Machine) { m.closed = ch }
}

// WithAfter replaces [time.After] for retry waits.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Machine) { m.after = after }
}

// Machine is the protocol state machine for one connection. Handle must be
// called from a single goroutine; [Machine.TurnStarted] may be called from
// another.
type Machine struct {
	cfg      Config
	listener Listener
	signals  *Signals
	player   Player
	decoder  *audio.Decoder
	metrics  *observe.Metrics
	closed   <-chan struct{}
	after    func(time.Duration) <-chan time.Time

	acc       strings.Builder
	finalized string // last transcript emitted this turn
	turn      int
	retry     RetryState

	startMu     sync.Mutex
	turnStart   time.Time
	gotResponse bool
}

// NewMachine returns a Machine that reports to listener and signals the send
// loop through signals.
func NewMachine(cfg Config, listener Listener, signals *Signals, opts ...Option) *Machine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if listener == nil {
		listener = NopListener{}
	}
	m := &Machine{
		cfg:      cfg,
		listener: listener,
		signals:  signals,
		after:    time.After,
		turn:     1,
		retry:    RetryState{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
	for _, o := range opts {
		o(m)
	}
	if m.decoder == nil {
		m.decoder = &audio.Decoder{Encoding: audio.EncodingPCM16}
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Turn returns the number of the turn currently in progress, starting at 1.
func (m *Machine) Turn() int { return m.turn }

// Retry returns a snapshot of the retry state.
func (m *Machine) Retry() RetryState { return m.retry }

// TurnStarted records when the turn trigger was sent, for latency metrics.
func (m *Machine) TurnStarted(t time.Time) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.turnStart = t
	m.gotResponse = false
}

// Handle applies one inbound event. It returns [ErrRetriesExhausted],
// [ErrTransportClosed] or a context error when the session must end; every
// other problem is logged and absorbed.
func (m *Machine) Handle(ctx context.Context, ev realtime.Event) error {
	m.metrics.RecordInboundEvent(ctx, ev.Kind.String())

	switch ev.Kind {
	case realtime.KindTextDelta, realtime.KindAudioTranscriptDelta:
		m.responded(ctx)
		m.acc.WriteString(ev.Delta)
		if m.cfg.Streaming && ev.Delta != "" {
			m.listener.TranscriptDelta(m.turn, ev.Delta)
		}

	case realtime.KindTextDone, realtime.KindAudioTranscriptDone, realtime.KindOutputItemDone:
		m.finalize(ev)

	case realtime.KindAudioDelta:
		m.responded(ctx)
		m.play(ctx, ev)

	case realtime.KindTurnDone:
		return m.turnDone(ctx, ev)

	case realtime.KindError:
		msg := ev.ErrorMessage
		if ev.ErrorCode != "" {
			msg = ev.ErrorCode + ": " + msg
		}
		slog.Warn("protocol: server error", "type", ev.ErrorType, "code", ev.ErrorCode, "message", ev.ErrorMessage)
		m.listener.Notice(msg)

	case realtime.KindIgnored:

	default:
		slog.Debug("protocol: unhandled event", "type", ev.Type)
	}
	return nil
}

// finalize emits the accumulated transcript, or the event's own text when
// nothing was accumulated.
func (m *Machine) finalize(ev realtime.Event) {
	text := m.acc.String()
	m.acc.Reset()
	if text == "" {
		text = ev.Text
	}
	if text == "" {
		return
	}
	if ev.Kind == realtime.KindOutputItemDone && text == m.finalized {
		return
	}
	m.finalized = text
	m.listener.Transcript(m.turn, text)
}

func (m *Machine) play(ctx context.Context, ev realtime.Event) {
	if !m.cfg.AudioOut || m.player == nil {
		slog.Debug("protocol: audio delta without audio output", "bytes", len(ev.Delta))
		return
	}
	pcm, err := m.decoder.Decode(ev.Delta)
	if err != nil {
		slog.Warn("protocol: dropping audio delta", "err", err)
		m.metrics.AudioDecodeErrors.Add(ctx, 1)
		return
	}
	if err := m.player.Enqueue(playback.AudioChunk{PCM: pcm}); err != nil {
		slog.Debug("protocol: playback rejected audio", "err", err)
	}
}

func (m *Machine) turnDone(ctx context.Context, ev realtime.Event) error {
	turn := m.turn
	m.turn++
	m.finalized = ""

	m.startMu.Lock()
	start := m.turnStart
	m.turnStart = time.Time{}
	m.startMu.Unlock()
	m.metrics.RecordTurn(ctx, string(ev.Status), start)

	if ev.Status.Succeeded() {
		if rest := m.acc.String(); rest != "" {
			m.acc.Reset()
			m.listener.Transcript(turn, rest)
		}
		m.retry.Failures = 0
		if err := m.settle(ctx); err != nil {
			return err
		}
		m.listener.TurnComplete(turn)
		m.signals.Push(SignalPrompt)
		return nil
	}

	if m.acc.Len() > 0 {
		slog.Debug("protocol: discarding partial transcript of failed turn", "chars", m.acc.Len())
		m.acc.Reset()
	}
	if m.cfg.AudioOut && m.player != nil {
		if err := m.player.Enqueue(playback.Flush{}); err != nil {
			slog.Debug("protocol: playback rejected flush", "err", err)
		}
	}

	reason := ev.ErrorMessage
	if reason == "" {
		reason = "response " + string(ev.Status)
	}
	slog.Warn("protocol: turn failed", "turn", turn, "status", ev.Status, "reason", reason)
	return m.retryTurn(ctx, reason)
}

// settle waits until the reply has been played in full.
func (m *Machine) settle(ctx context.Context) error {
	if m.player == nil {
		return nil
	}
	if err := m.player.WaitDrained(ctx); err != nil {
		return err
	}
	if !m.cfg.AudioOut {
		return nil
	}
	if err := m.player.Enqueue(playback.Flush{}); err != nil {
		slog.Debug("protocol: playback rejected flush", "err", err)
		return nil
	}
	return m.player.WaitDrained(ctx)
}

func (m *Machine) retryTurn(ctx context.Context, reason string) error {
	m.retry.Failures++
	if m.retry.Exhausted() {
		m.listener.SessionTerminated(fmt.Sprintf("turn failed %d times in a row: %s", m.retry.Failures, reason))
		m.signals.Push(SignalExit)
		return fmt.Errorf("%w: %d failures, last: %s", ErrRetriesExhausted, m.retry.Failures, reason)
	}

	delay := m.retry.Delay()
	m.listener.Retry(m.retry.Failures, m.retry.MaxRetries, delay, reason)
	m.metrics.TurnRetries.Add(ctx, 1)
	slog.Info("protocol: retrying turn", "attempt", m.retry.Failures, "max", m.retry.MaxRetries, "delay", delay)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		m.signals.Push(SignalExit)
		return ErrTransportClosed
	case <-m.after(delay):
	}
	m.signals.Push(SignalPrompt)
	return nil
}

// responded records the first-response latency once per turn.
func (m *Machine) responded(ctx context.Context) {
	m.startMu.Lock()
	start, seen := m.turnStart, m.gotResponse
	m.gotResponse = true
	m.startMu.Unlock()
	if !seen && !start.IsZero() {
		m.metrics.FirstResponseLatency.Record(ctx, time.Since(start).Seconds())
	}
}
