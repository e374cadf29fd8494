package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	// DefaultReadLimit bounds a single inbound message. Audio deltas are
	// larger than the websocket library's 32 KiB default.
	DefaultReadLimit = 16 << 20
)

// ErrClosed is returned by [Conn.Send] and [Conn.Receive] after the
// connection was closed locally.
var ErrClosed = errors.New("realtime: connection closed")

// CloseError reports a connection closed by the server with a status other
// than normal closure.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("realtime: connection closed with status %d", int(e.Code))
	}
	return fmt.Sprintf("realtime: connection closed with status %d: %s", int(e.Code), e.Reason)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model query parameter.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithURL overrides the endpoint URL. Primarily used in tests to point at a
// local server.
func WithURL(u string) Option {
	return func(d *Dialer) { d.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(d *Dialer) { d.readLimit = n }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens authenticated connections to a realtime endpoint.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	readLimit  int64
}

// NewDialer returns a Dialer that authenticates with apiKey.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   DefaultURL,
		readLimit: DefaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Endpoint returns the URL dialled, including the model parameter.
func (d *Dialer) Endpoint() (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	if d.model != "" {
		q := u.Query()
		q.Set("model", d.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens a new connection.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if d.readLimit > 0 {
		ws.SetReadLimit(d.readLimit)
	}
	slog.Debug("realtime: connected", "url", d.baseURL, "model", d.model)
	return NewConn(ws), nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one duplex connection. Send and Receive may be called from
// different goroutines; concurrent Sends are serialised by the websocket.
//
// A Conn reads the socket on its own goroutine for as long as the connection
// lives, so a server close is noticed (and [Conn.Done] closed) even while
// nobody is calling Receive. Inbound messages queue until received.
type Conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	queue   [][]byte
	readErr error
	ready   chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established websocket and starts reading from it.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:    ws,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes one text message.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Receive blocks for the next message. Messages that arrived before the
// connection was lost are still returned; after them a normal closure by the
// server yields io.EOF and any other closure a *CloseError.
//
// Cancelling ctx only abandons the wait. The socket stays open until
// [Conn.Close].
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if c.isClosed() {
			return nil, ErrClosed
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			data := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return data, nil
		}
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ready:
		case <-c.done:
		}
	}
}

// readLoop owns all socket reads. It reads without a deadline: cancelling a
// websocket read drops the connection without a closing handshake.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.readErr = c.readError(err)
			c.mu.Unlock()
			c.markDone()
			return
		}

		c.mu.Lock()
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) readError(err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	switch code := websocket.CloseStatus(err); code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	case -1:
		return fmt.Errorf("realtime: read: %w", err)
	default:
		var ce websocket.CloseError
		errors.As(err, &ce)
		return &CloseError{Code: code, Reason: ce.Reason}
	}
}

// Done is closed when the connection is lost or closed locally.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close performs a normal closing handshake. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		select {
		case <-c.done:
			// Already lost; skip the handshake.
			_ = c.ws.CloseNow()
		default:
			err := c.ws.Close(websocket.StatusNormalClosure, "")
			if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
				c.closeErr = fmt.Errorf("realtime: close: %w", err)
			}
		}
		c.markDone()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool { return c.closed.Load() }

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
