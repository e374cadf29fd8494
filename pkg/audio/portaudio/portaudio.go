// Package portaudio implements [audio.CaptureDevice] and [audio.OutputDevice]
// on the default PortAudio host devices.
//
// PortAudio must be initialised once per process. The package reference-counts
// Initialize/Terminate so capture and output devices can be opened and closed
// independently.
package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	pa "github.com/gordonklaus/portaudio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Output)(nil)
	_ audio.Drainer       = (*Output)(nil)
)

// DefaultFramesPerBuffer is the default capture frame size for the
// microphone loop (1024 samples at 24 kHz, about 43 ms).
const DefaultFramesPerBuffer = 1024

var (
	initMu   sync.Mutex
	initRefs int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture reads mono PCM16 frames from the default input device.
type Capture struct {
	format          audio.Format
	framesPerBuffer int

	mu     sync.Mutex
	stream *pa.Stream
	stop   chan struct{}
	done   chan struct{}
}

// NewCapture returns a capture device at sampleRate delivering
// framesPerBuffer samples per frame. A non-positive framesPerBuffer uses
// [DefaultFramesPerBuffer].
func NewCapture(sampleRate, framesPerBuffer int) *Capture {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Capture{
		format:          audio.Format{SampleRate: sampleRate, Channels: 1},
		framesPerBuffer: framesPerBuffer,
	}
}

// Format implements [audio.CaptureDevice].
func (c *Capture) Format() audio.Format { return c.format }

// Start implements [audio.CaptureDevice]. The read loop runs on its own
// goroutine and invokes onFrame with a freshly allocated buffer per frame.
func (c *Capture) Start(onFrame func(audio.AudioFrame), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	if err := acquire(); err != nil {
		return err
	}
	buf := make([]int16, c.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(1, 0, float64(c.format.SampleRate), c.framesPerBuffer, buf)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.readLoop(stream, buf, onFrame, onError, c.stop, c.done)
	return nil
}

func (c *Capture) readLoop(stream *pa.Stream, buf []int16, onFrame func(audio.AudioFrame), onError func(error), stop, done chan struct{}) {
	defer close(done)
	frame := audio.AudioFrame{SampleRate: c.format.SampleRate, Channels: 1}
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			// Input overflow only means frames were dropped; keep reading.
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			slog.Warn("portaudio: read failed, stopping capture", "err", err)
			onError(fmt.Errorf("portaudio: read input stream: %w", err))
			return
		}
		frame.Data = Int16ToBytes(buf)
		onFrame(frame)
		frame.Timestamp += frame.Duration()
	}
}

// Stop implements [audio.CaptureDevice].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}

	close(c.stop)
	<-c.done

	var errs []error
	if err := c.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop input stream: %w", err))
	}
	if err := c.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close input stream: %w", err))
	}
	c.stream, c.stop, c.done = nil, nil, nil
	release()
	return errors.Join(errs...)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output plays mono PCM16 on the default output device with blocking writes.
// Audio is written in whole hardware blocks; a partial block is held until
// the next Write completes it or [Output.Drain] pads it with silence. It is
// meant to be owned by a single writer.
type Output struct {
	sampleRate      int
	framesPerBuffer int

	stream *pa.Stream
	buf    []int16
	blocks *blockWriter
}

// NewOutput returns an output device at sampleRate. A non-positive
// framesPerBuffer uses [DefaultFramesPerBuffer].
func NewOutput(sampleRate, framesPerBuffer int) *Output {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Output{sampleRate: sampleRate, framesPerBuffer: framesPerBuffer}
}

// Open implements [audio.OutputDevice].
func (o *Output) Open() error {
	if o.stream != nil {
		return nil
	}
	if err := acquire(); err != nil {
		return err
	}
	o.buf = make([]int16, o.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(o.sampleRate), o.framesPerBuffer, o.buf)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	o.stream = stream
	o.blocks = newBlockWriter(o.framesPerBuffer*audio.BytesPerSample, o.writeBlock)
	return nil
}

// Write implements [audio.OutputDevice]. Every complete block is played
// before Write returns; a trailing partial block is held back.
func (o *Output) Write(pcm []byte) error {
	if o.stream == nil {
		return errors.New("portaudio: output not open")
	}
	return o.blocks.write(pcm)
}

// Drain implements [audio.Drainer].
func (o *Output) Drain() error {
	if o.stream == nil {
		return nil
	}
	return o.blocks.drain()
}

func (o *Output) writeBlock(block []byte) error {
	BytesToInt16(o.buf, block)
	if err := o.stream.Write(); err != nil {
		if errors.Is(err, pa.OutputUnderflowed) {
			slog.Debug("portaudio: output underflowed")
			return nil
		}
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Close implements [audio.OutputDevice]. Held samples are played first.
func (o *Output) Close() error {
	if o.stream == nil {
		return nil
	}
	var errs []error
	if err := o.blocks.drain(); err != nil {
		errs = append(errs, err)
	}
	if err := o.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop output stream: %w", err))
	}
	if err := o.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output stream: %w", err))
	}
	o.stream, o.blocks = nil, nil
	release()
	return errors.Join(errs...)
}

// ─── Block writer ─────────────────────────────────────────────────────────────

// blockWriter cuts a PCM byte stream into fixed-size blocks for emit. Bytes
// that do not fill a block stay pending across writes.
type blockWriter struct {
	size    int
	pending []byte
	emit    func(block []byte) error
}

func newBlockWriter(size int, emit func([]byte) error) *blockWriter {
	return &blockWriter{size: size, pending: make([]byte, 0, size), emit: emit}
}

// write emits every complete block. A block that fails is dropped and the
// error returned; the remaining bytes stay pending.
func (b *blockWriter) write(pcm []byte) error {
	b.pending = append(b.pending, pcm...)
	off := 0
	var err error
	for len(b.pending)-off >= b.size {
		block := b.pending[off : off+b.size]
		off += b.size
		if err = b.emit(block); err != nil {
			break
		}
	}
	n := copy(b.pending, b.pending[off:])
	b.pending = b.pending[:n]
	return err
}

// drain emits the pending bytes as one short block. A trailing odd byte is
// discarded.
func (b *blockWriter) drain() error {
	if len(b.pending) < audio.BytesPerSample {
		b.pending = b.pending[:0]
		return nil
	}
	err := b.emit(b.pending)
	b.pending = b.pending[:0]
	return err
}

// ─── Sample helpers ───────────────────────────────────────────────────────────

// Int16ToBytes encodes samples as little-endian PCM16 into a new slice.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*audio.BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian PCM16 from pcm into dst. Samples in dst
// beyond the decoded length are zeroed.
func BytesToInt16(dst []int16, pcm []byte) {
	n := min(len(dst), len(pcm)/audio.BytesPerSample)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	clear(dst[n:])
}
