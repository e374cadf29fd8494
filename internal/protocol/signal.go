package protocol

import (
	"context"
	"sync"
)

// Signal tells the send loop what to do next.
type Signal int

const (
	// SignalPrompt asks for the next user input.
	SignalPrompt Signal = iota + 1

	// SignalExit ends the send loop.
	SignalExit
)

// String returns "prompt" or "exit".
func (s Signal) String() string {
	switch s {
	case SignalPrompt:
		return "prompt"
	case SignalExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Signals is an unbounded FIFO of turn signals between the receive loop
// (producer) and the send loop (consumer). Push never blocks.
type Signals struct {
	mu    sync.Mutex
	queue []Signal
	ready chan struct{}
}

// NewSignals returns an empty queue.
func NewSignals() *Signals {
	return &Signals{ready: make(chan struct{}, 1)}
}

// Push appends sig.
func (s *Signals) Push(sig Signal) {
	s.mu.Lock()
	s.queue = append(s.queue, sig)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a signal is available or ctx is done.
func (s *Signals) Next(ctx context.Context) (Signal, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			sig := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return sig, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.ready:
		}
	}
}

// Len returns the number of queued signals.
func (s *Signals) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
