// Package mock provides an in-memory realtime transport for tests.
//
// Transport records every outbound message and replays server messages that
// the test pushes. Use OnSend to script replies to specific client events.
//
// Example:
//
//	tr := mock.NewTransport()
//	tr.OnSend = func(tr *mock.Transport, msg []byte) {
//	    if mock.TypeOf(msg) == "response.create" {
//	        tr.PushJSON(map[string]any{"type": "response.text.delta", "delta": "Hi"})
//	    }
//	}
package mock

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/realtime"
)

// Transport is a scripted duplex connection. All methods are safe for
// concurrent use.
type Transport struct {
	// SendErr, if non-nil, is returned by every Send. The message is still
	// recorded.
	SendErr error

	// OnSend, if set, is called after each recorded Send, outside the lock.
	OnSend func(t *Transport, msg []byte)

	inbound chan []byte

	mu         sync.Mutex
	sent       [][]byte
	closeCalls int
	localClose bool
	failErr    error

	done     chan struct{}
	doneOnce sync.Once
}

// NewTransport returns an open transport with room for 256 queued server
// messages.
func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// Send records msg.
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.localClose {
		t.mu.Unlock()
		return realtime.ErrClosed
	}
	t.sent = append(t.sent, slices.Clone(msg))
	err := t.SendErr
	hook := t.OnSend
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(t, msg)
	}
	return nil
}

// Receive returns the next pushed message. Queued messages are delivered
// before a failure set with Fail or EOF is reported.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.localClose {
			return nil, realtime.ErrClosed
		}
		return nil, t.failErr
	}
}

// Close marks the transport closed locally.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	if t.failErr == nil {
		t.localClose = true
	}
	t.mu.Unlock()
	t.markDone()
	return nil
}

// Done is closed by Close, Fail or EOF.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Push queues a raw server message.
func (t *Transport) Push(msg []byte) { t.inbound <- msg }

// PushJSON marshals v and queues it. Marshalling errors panic since they are
// test bugs.
func (t *Transport) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.Push(data)
}

// Fail simulates connection loss: Done closes immediately and Receive
// returns err once queued messages are drained.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	if t.failErr == nil && !t.localClose {
		t.failErr = err
	}
	t.mu.Unlock()
	t.markDone()
}

// EOF simulates a normal closure by the server.
func (t *Transport) EOF() { t.Fail(io.EOF) }

// Sent returns a copy of every message passed to Send, in order.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentTypes returns the "type" field of every sent message, in order.
func (t *Transport) SentTypes() []string {
	sent := t.Sent()
	types := make([]string, len(sent))
	for i, msg := range sent {
		types[i] = TypeOf(msg)
	}
	return types
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

func (t *Transport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// TypeOf returns the "type" field of a JSON message, or "" if it has none.
func TypeOf(msg []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg, &head)
	return head.Type
}
