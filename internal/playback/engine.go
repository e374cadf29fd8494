// Package playback owns the output device and turns a stream of small audio
// deltas into device-sized writes.
//
// Producers submit [Command] values to an [Engine] without blocking. A single
// worker goroutine applies them in order: audio is coalesced until the buffer
// crosses a byte threshold or has waited long enough, and a [Flush] forces
// everything buffered out to the device. [Engine.WaitDrained] lets a producer
// block until every command it enqueued has been applied, which is how the
// protocol layer holds the next prompt back until the assistant has finished
// speaking.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by [Engine.Enqueue] after [Shutdown] was enqueued.
var ErrClosed = errors.New("playback: engine closed")

// ── Commands ─────────────────────────────────────────────────────────────────

// Command is an instruction for the playback worker. The set of commands is
// closed: [AudioChunk], [Flush] and [Shutdown].
type Command interface {
	playbackCommand()
}

// AudioChunk appends PCM16 audio to the playback buffer.
type AudioChunk struct {
	PCM []byte
}

// Flush writes everything buffered, drains the device when it holds audio
// back ([audio.Drainer]) and marks the engine settled.
type Flush struct{}

// Shutdown writes everything buffered, closes the device and stops the
// worker. No command is accepted after it.
type Shutdown struct{}

func (AudioChunk) playbackCommand() {}
func (Flush) playbackCommand()      {}
func (Shutdown) playbackCommand()   {}

// ── Config ───────────────────────────────────────────────────────────────────

const (
	DefaultBufferThreshold = 5000
	DefaultMaxWait         = 500 * time.Millisecond
	DefaultIdlePoll        = 100 * time.Millisecond
	DefaultDrainPoll       = 50 * time.Millisecond
	DefaultDrainWarnAfter  = 5 * time.Second
)

// Config tunes the write policy. Zero fields take the defaults above.
type Config struct {
	// BufferThreshold is the buffered byte count that triggers a write.
	BufferThreshold int

	// MaxWait bounds how long audio may sit in the buffer below the
	// threshold before it is written anyway.
	MaxWait time.Duration

	// IdlePoll is how often the worker wakes when no command arrives.
	IdlePoll time.Duration

	// DrainPoll is the polling interval of [Engine.WaitDrained].
	DrainPoll time.Duration

	// DrainWarnAfter is the interval between "still waiting" warnings logged
	// by [Engine.WaitDrained].
	DrainWarnAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferThreshold <= 0 {
		c.BufferThreshold = DefaultBufferThreshold
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = DefaultDrainPoll
	}
	if c.DrainWarnAfter <= 0 {
		c.DrainWarnAfter = DefaultDrainWarnAfter
	}
	return c
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithMetrics sets the metrics the engine records writes to. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// ── Engine ───────────────────────────────────────────────────────────────────

// Engine serialises all access to an [audio.OutputDevice] through one worker
// goroutine.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	device  audio.OutputDevice
	cfg     Config
	metrics *observe.Metrics

	mu        sync.Mutex
	queue     []Command
	pending   int    // enqueued but not yet applied, including the one in flight
	flushes   uint64 // Flush commands enqueued
	flushed   uint64 // Flush commands applied
	closing   bool   // Shutdown enqueued
	dead      bool   // worker exited
	openErr   error
	deviceErr error

	notify chan struct{}
	exited chan struct{}
}

// New starts an Engine writing to device. The worker opens the device before
// applying the first command; if Open fails the engine is dead, reports the
// failure through [Engine.Err] and never blocks a drain wait.
func New(device audio.OutputDevice, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		device: device,
		cfg:    cfg.withDefaults(),
		notify: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	go e.run()
	return e
}

// Enqueue submits cmd without blocking. Empty audio chunks are ignored.
// It returns [ErrClosed] once [Shutdown] was enqueued, and the open error
// once the engine is dead.
func (e *Engine) Enqueue(cmd Command) error {
	if c, ok := cmd.(AudioChunk); ok && len(c.PCM) == 0 {
		return nil
	}

	e.mu.Lock()
	switch {
	case e.openErr != nil:
		err := e.openErr
		e.mu.Unlock()
		return err
	case e.closing || e.dead:
		e.mu.Unlock()
		return ErrClosed
	}
	e.queue = append(e.queue, cmd)
	e.pending++
	switch cmd.(type) {
	case Flush:
		e.flushes++
	case Shutdown:
		e.closing = true
	}
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drained reports whether every enqueued command has been applied and the
// most recent Flush has completed. A dead engine is always drained.
func (e *Engine) Drained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drainedLocked()
}

func (e *Engine) drainedLocked() bool {
	return e.dead || (e.pending == 0 && e.flushed == e.flushes)
}

// WaitDrained blocks until [Engine.Drained] is true or ctx is done. It logs a
// warning every DrainWarnAfter while it keeps waiting.
func (e *Engine) WaitDrained(ctx context.Context) error {
	if e.Drained() {
		return nil
	}

	ticker := time.NewTicker(e.cfg.DrainPoll)
	defer ticker.Stop()
	start := time.Now()
	lastWarn := start

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.exited:
			return nil
		case now := <-ticker.C:
			e.mu.Lock()
			drained, pending := e.drainedLocked(), e.pending
			e.mu.Unlock()
			if drained {
				return nil
			}
			if now.Sub(lastWarn) >= e.cfg.DrainWarnAfter {
				slog.Warn("playback: still waiting for drain",
					"waited", now.Sub(start).Round(time.Millisecond),
					"pending", pending,
				)
				lastWarn = now
			}
		}
	}
}

// Close enqueues [Shutdown] and waits for the worker to close the device.
// It returns the device close error, or ctx.Err() if ctx ends first. Close
// is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	// An error means the engine is already closing or dead.
	_ = e.Enqueue(Shutdown{})
	select {
	case <-e.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceErr
}

// Err returns the error that killed the engine when the device could not be
// opened, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openErr
}

// Done is closed when the worker has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.exited
}

// ── Worker ───────────────────────────────────────────────────────────────────

func (e *Engine) run() {
	defer close(e.exited)

	if err := e.device.Open(); err != nil {
		slog.Error("playback: failed to open output device", "err", err)
		e.mu.Lock()
		e.openErr = fmt.Errorf("playback: open device: %w", err)
		e.dead = true
		e.queue = nil
		e.pending = 0
		e.flushed = e.flushes
		e.mu.Unlock()
		return
	}

	w := &writer{engine: e}
	timer := time.NewTimer(e.cfg.IdlePoll)
	defer timer.Stop()

	for {
		cmd, ok := e.next()
		if !ok {
			timer.Reset(w.idleWait())
			select {
			case <-e.notify:
			case <-timer.C:
			}
			w.maybeWriteStale()
			continue
		}

		switch c := cmd.(type) {
		case AudioChunk:
			w.append(c.PCM)
		case Flush:
			w.writeAll("flush")
			w.drain()
		case Shutdown:
			w.writeAll("shutdown")
			err := e.device.Close()
			if err != nil {
				slog.Warn("playback: failed to close output device", "err", err)
			}
			e.mu.Lock()
			e.deviceErr = err
			e.dead = true
			e.pending = 0
			e.mu.Unlock()
			return
		}
		e.applied(cmd)
	}
}

func (e *Engine) next() (Command, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	cmd := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return cmd, true
}

func (e *Engine) applied(cmd Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending--
	if _, ok := cmd.(Flush); ok {
		e.flushed++
	}
}

// writer holds the worker-local buffer. It is only touched by run.
type writer struct {
	engine *Engine
	buf    []byte
	since  time.Time // arrival of the oldest buffered byte
}

func (w *writer) append(pcm []byte) {
	if len(w.buf) == 0 {
		w.since = time.Now()
	}
	w.buf = append(w.buf, pcm...)

	threshold := w.engine.cfg.BufferThreshold
	if len(w.buf) >= threshold {
		n := len(w.buf) / threshold * threshold
		n -= n % audio.BytesPerSample
		w.write(w.buf[:n], "threshold")
		w.buf = w.buf[n:]
		if len(w.buf) == 0 {
			w.buf = nil
		} else {
			w.since = time.Now()
		}
		return
	}
	w.maybeWriteStale()
}

// maybeWriteStale writes the whole buffer once its oldest byte has waited
// MaxWait.
func (w *writer) maybeWriteStale() {
	if len(w.buf) > 0 && time.Since(w.since) >= w.engine.cfg.MaxWait {
		w.writeAll("max_wait")
	}
}

func (w *writer) writeAll(reason string) {
	if len(w.buf) > 0 {
		w.write(w.buf, reason)
	}
	w.buf = nil
}

// idleWait is how long the worker may sleep before the buffer turns stale.
func (w *writer) idleWait() time.Duration {
	d := w.engine.cfg.IdlePoll
	if len(w.buf) > 0 {
		if left := w.engine.cfg.MaxWait - time.Since(w.since); left < d {
			d = max(left, time.Millisecond)
		}
	}
	return d
}

// drain plays audio the device holds back, so a flushed turn ends audibly.
func (w *writer) drain() {
	d, ok := w.engine.device.(audio.Drainer)
	if !ok {
		return
	}
	if err := d.Drain(); err != nil {
		slog.Warn("playback: device drain failed", "err", err)
	}
}

func (w *writer) write(pcm []byte, reason string) {
	err := w.engine.device.Write(pcm)
	if err != nil {
		slog.Warn("playback: device write failed", "err", err, "bytes", len(pcm), "reason", reason)
	} else {
		slog.Debug("playback: wrote audio", "bytes", len(pcm), "reason", reason)
	}
	w.engine.metrics.RecordPlaybackWrite(context.Background(), reason, len(pcm), err)
}
