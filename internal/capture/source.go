package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/realtime"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
)

// ErrDevice wraps failures to open or run a capture device. Callers may
// retry after a delay; the session is not affected.
var ErrDevice = errors.New("capture: device error")

// Input is one user contribution to the conversation: either typed text or
// an utterance.
type Input struct {
	Text      string
	Utterance *Utterance
}

// Envelope builds the conversation item for the input.
func (in Input) Envelope() realtime.Envelope {
	if in.Utterance != nil {
		return realtime.AudioItem(in.Utterance.PCM)
	}
	return realtime.TextItem(in.Text)
}

// Kind returns "audio" or "text" for logs and metrics.
func (in Input) Kind() string {
	if in.Utterance != nil {
		return "audio"
	}
	return "text"
}

// Source yields user inputs, one per turn. Next blocks until an input is
// available. It returns io.EOF when the source is exhausted and an error
// wrapping [ErrDevice] when a capture device failed.
type Source interface {
	Next(ctx context.Context) (Input, error)
}

// Compile-time interface assertions.
var (
	_ Source = (*MicSource)(nil)
	_ Source = (*FileSource)(nil)
	_ Source = (*TextSource)(nil)
)

// ── MicSource ──────────────────────────────────────────────────────────────────

// frameQueue is the capacity of the channel between the device callback and
// the segmenter. Frames are dropped when it is full.
const frameQueue = 64

// MicSource records one utterance per call from a capture device. The
// device is started for each Next and stopped before it returns.
type MicSource struct {
	device audio.CaptureDevice
	cfg    SegmenterConfig
	target audio.Format

	dropped atomic.Int64
}

// NewMicSource returns a source reading from device. Frames are converted to
// target before segmentation.
func NewMicSource(device audio.CaptureDevice, target audio.Format, cfg SegmenterConfig) *MicSource {
	cfg.SampleRate = target.SampleRate
	return &MicSource{device: device, cfg: cfg, target: target}
}

// Dropped returns how many frames were discarded because the segmenter
// fell behind.
func (m *MicSource) Dropped() int64 { return m.dropped.Load() }

// Next records until the segmenter emits an utterance, the device fails or
// ctx is done. A device failure abandons the partial utterance.
func (m *MicSource) Next(ctx context.Context) (Input, error) {
	frames := make(chan audio.AudioFrame, frameQueue)
	onFrame := func(f audio.AudioFrame) {
		select {
		case frames <- f:
		default:
			m.dropped.Add(1)
		}
	}

	failed := make(chan error, 1)
	onError := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	if err := m.device.Start(onFrame, onError); err != nil {
		return Input{}, fmt.Errorf("%w: start: %w", ErrDevice, err)
	}
	defer func() {
		if err := m.device.Stop(); err != nil {
			slog.Warn("capture: stop device", "err", err)
		}
	}()

	slog.Info("capture: listening", "max_silence", m.cfg.MaxSilence, "threshold", m.cfg.SilenceThreshold)

	seg := NewSegmenter(m.cfg)
	conv := audio.FormatConverter{Target: m.target}
	for {
		select {
		case <-ctx.Done():
			return Input{}, ctx.Err()
		case err := <-failed:
			return Input{}, fmt.Errorf("%w: %w", ErrDevice, err)
		case f := <-frames:
			if u, ok := seg.Feed(conv.Convert(f)); ok {
				slog.Info("capture: utterance", "bytes", len(u.PCM), "duration", u.Duration)
				return Input{Utterance: &u}, nil
			}
		}
	}
}

// ── FileSource ─────────────────────────────────────────────────────────────────

// FileSource sends one prerecorded file as a single utterance, then reports
// io.EOF.
type FileSource struct {
	path   string
	target audio.Format

	mu   sync.Mutex
	sent bool
}

// NewFileSource returns a source for the audio file at path.
func NewFileSource(path string, target audio.Format) *FileSource {
	return &FileSource{path: path, target: target}
}

// Next loads and converts the file on the first call.
func (f *FileSource) Next(ctx context.Context) (Input, error) {
	if err := ctx.Err(); err != nil {
		return Input{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent {
		return Input{}, io.EOF
	}
	f.sent = true

	pcm, err := wavfile.Load(f.path, f.target)
	if err != nil {
		return Input{}, fmt.Errorf("capture: %w", err)
	}
	if len(pcm) == 0 {
		slog.Warn("capture: audio file has no samples", "path", f.path)
		return Input{}, io.EOF
	}
	u := Utterance{
		PCM:        pcm,
		SampleRate: f.target.SampleRate,
		Duration:   audio.PCMDuration(len(pcm), f.target.SampleRate, 1),
	}
	slog.Info("capture: loaded audio file", "path", f.path, "bytes", len(pcm), "duration", u.Duration)
	return Input{Utterance: &u}, nil
}

// ── TextSource ─────────────────────────────────────────────────────────────────

// TextOption configures a TextSource.
type TextOption func(*TextSource)

// WithPrompt writes prompt to w before waiting for each line.
func WithPrompt(w io.Writer, prompt string) TextOption {
	return func(t *TextSource) {
		t.promptOut = w
		t.prompt = prompt
	}
}

// TextSource reads typed lines. Blank lines are skipped. Reading happens on
// a background goroutine so Next honours cancellation.
type TextSource struct {
	r         io.Reader
	promptOut io.Writer
	prompt    string

	startOnce sync.Once
	lines     chan string
	errMu     sync.Mutex
	err       error
}

// NewTextSource returns a source reading lines from r.
func NewTextSource(r io.Reader, opts ...TextOption) *TextSource {
	t := &TextSource{r: r, lines: make(chan string)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Next returns the next non-blank line, trimmed of surrounding whitespace.
func (t *TextSource) Next(ctx context.Context) (Input, error) {
	t.startOnce.Do(func() { go t.scan() })

	if t.promptOut != nil {
		fmt.Fprint(t.promptOut, t.prompt)
	}
	for {
		select {
		case <-ctx.Done():
			return Input{}, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				t.errMu.Lock()
				defer t.errMu.Unlock()
				if t.err != nil {
					return Input{}, fmt.Errorf("capture: read input: %w", t.err)
				}
				return Input{}, io.EOF
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			return Input{Text: line}, nil
		}
	}
}

func (t *TextSource) scan() {
	defer close(t.lines)
	sc := bufio.NewScanner(t.r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
	t.errMu.Lock()
	t.err = sc.Err()
	t.errMu.Unlock()
}
