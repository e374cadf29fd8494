// Package mock provides in-memory implementations of [audio.CaptureDevice]
// and [audio.OutputDevice] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and written data, and they expose exported
// fields that the test sets before use to control behaviour.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{
//	    FrameFormat: audio.Mono24k,
//	    Frames:      [][]byte{speech, speech, silence, silence},
//	}
//	speaker := &mock.OutputDevice{}
package mock

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock [audio.CaptureDevice] that replays a scripted list of
// frames on its own goroutine once started.
type CaptureDevice struct {
	// FrameFormat is returned by Format and stamped on every delivered frame.
	// Defaults to [audio.Mono24k] when zero.
	FrameFormat audio.Format

	// Frames are delivered in order on each Start. Delivery resumes where the
	// previous run stopped unless Rewind is set.
	Frames [][]byte

	// Rewind restarts delivery from the first frame on every Start.
	Rewind bool

	// Interval is slept between frames. Zero delivers as fast as the callback
	// returns.
	Interval time.Duration

	// StartError, when non-nil, is returned by Start and no frames are sent.
	StartError error

	// RunError, when non-nil, is reported through onError once the scripted
	// frames are exhausted, as a device failing mid-stream would.
	RunError error

	mu        sync.Mutex
	next      int
	stop      chan struct{}
	done      chan struct{}
	starts    int
	stops     int
	delivered int
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// Format implements [audio.CaptureDevice].
func (d *CaptureDevice) Format() audio.Format {
	if d.FrameFormat == (audio.Format{}) {
		return audio.Mono24k
	}
	return d.FrameFormat
}

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(onFrame func(audio.AudioFrame), onError func(error)) error {
	d.mu.Lock()
	d.starts++
	if d.StartError != nil {
		d.mu.Unlock()
		return d.StartError
	}
	if d.stop != nil {
		d.mu.Unlock()
		return nil
	}
	if d.Rewind {
		d.next = 0
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	d.stop, d.done = stop, done
	d.mu.Unlock()

	format := d.Format()
	runErr := d.RunError
	go func() {
		defer close(done)
		var ts time.Duration
		for {
			d.mu.Lock()
			if d.next >= len(d.Frames) {
				d.mu.Unlock()
				if runErr != nil {
					onError(runErr)
				}
				return
			}
			data := d.Frames[d.next]
			d.next++
			d.delivered++
			d.mu.Unlock()

			select {
			case <-stop:
				return
			default:
			}
			frame := audio.AudioFrame{Data: data, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts}
			onFrame(frame)
			ts += frame.Duration()

			if d.Interval > 0 {
				select {
				case <-stop:
					return
				case <-time.After(d.Interval):
				}
			}
		}
	}()
	return nil
}

// Stop implements [audio.CaptureDevice]. It waits for the delivery goroutine
// to exit, so no callback runs after Stop returns.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	d.stops++
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Starts returns how many times Start was called.
func (d *CaptureDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Stops returns how many times Stop was called.
func (d *CaptureDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Delivered returns how many frames have been handed to callbacks.
func (d *CaptureDevice) Delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice] that records every write.
type OutputDevice struct {
	// OpenError is returned by Open.
	OpenError error

	// WriteError, when set, is consulted for every write with the zero-based
	// call index; a non-nil return fails that write (which is still recorded).
	WriteError func(call int) error

	// WriteDelay is slept inside each Write to emulate a blocking device.
	WriteDelay time.Duration

	mu     sync.Mutex
	opens  int
	closes int
	drains int
	writes [][]byte
}

var (
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Drainer      = (*OutputDevice)(nil)
)

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return d.OpenError
}

// Write implements [audio.OutputDevice].
func (d *OutputDevice) Write(pcm []byte) error {
	if d.WriteDelay > 0 {
		time.Sleep(d.WriteDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.writes)
	d.writes = append(d.writes, slices.Clone(pcm))
	if d.WriteError != nil {
		return d.WriteError(call)
	}
	return nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Drain implements [audio.Drainer]. It only counts calls.
func (d *OutputDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drains++
	return nil
}

// Drains returns how many times Drain was called.
func (d *OutputDevice) Drains() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains
}

// Writes returns a copy of every buffer passed to Write, in order.
func (d *OutputDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

// Written returns the concatenation of every buffer passed to Write.
func (d *OutputDevice) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, w := range d.writes {
		out = append(out, w...)
	}
	return out
}

// Opens returns how many times Open was called.
func (d *OutputDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns how many times Close was called.
func (d *OutputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}
