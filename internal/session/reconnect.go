package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectFailed is returned by [Reconnector.Reconnect] when every
// attempt failed.
var ErrReconnectFailed = errors.New("session: reconnect failed")

// DialFunc opens a new connection to the realtime endpoint.
type DialFunc func(ctx context.Context) (Transport, error)

// Reconnector owns the current connection and replaces it with exponential
// backoff after the connection was lost.
//
// Callers obtain the initial connection via [Reconnector.Connect]. When a
// session ends with [ErrTransport] they call [Reconnector.Reconnect], which
// releases the broken connection and dials again.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial       DialFunc
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *observe.Metrics
	after      func(time.Duration) <-chan time.Time

	mu         sync.Mutex
	conn       Transport
	reconnects int
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial establishes connections.
	Dial DialFunc

	// MaxRetries is the maximum number of dial attempts per reconnection.
	// Defaults to 3 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Metrics records reconnection attempts. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// After replaces [time.After] for backoff waits. May be nil.
	After func(time.Duration) <-chan time.Time
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Reconnector{
		dial:       cfg.Dial,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		metrics:    metrics,
		after:      after,
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (Transport, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Reconnect closes the current connection and dials a new one, retrying with
// exponential backoff. It returns [ErrReconnectFailed] after MaxRetries
// failed attempts, or ctx.Err() if ctx ends first.
func (r *Reconnector) Reconnect(ctx context.Context) (Transport, error) {
	r.mu.Lock()
	old := r.conn
	r.conn = nil
	r.reconnects++
	r.mu.Unlock()

	// Release the failed connection before dialling again.
	if old != nil {
		_ = old.Close()
	}

	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()

			r.metrics.RecordReconnect(ctx, "success")
			slog.Info("reconnection successful", "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		r.metrics.RecordReconnect(ctx, "failure")

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		if attempt == r.maxRetries {
			break
		}

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.after(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, r.maxRetries, lastErr)
}

// Connection returns the current active connection. May return nil during
// reconnection.
func (r *Reconnector) Connection() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Reconnects returns how many times [Reconnector.Reconnect] was called.
func (r *Reconnector) Reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

// Stop closes the current connection. Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
