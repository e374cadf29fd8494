// Package capture turns user input into conversation items. Microphone audio
// is cut into utterances by a silence-based [Segmenter]; prerecorded files
// and typed lines are passed through as single items.
package capture

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Default segmentation parameters.
const (
	DefaultSilenceThreshold = 100.0
	DefaultMaxSilence       = time.Second
)

// SegmenterConfig configures a [Segmenter].
type SegmenterConfig struct {
	// SilenceThreshold is the RMS below which a frame is silent.
	// Defaults to 100 if zero.
	SilenceThreshold float64

	// MaxSilence is the trailing silence that ends an utterance.
	// Defaults to 1s if zero.
	MaxSilence time.Duration

	// MaxUtteranceBytes, if positive, ends an utterance as soon as the
	// buffered speech reaches this size.
	MaxUtteranceBytes int

	// SampleRate is used for frames that do not carry their own rate.
	SampleRate int
}

// Utterance is one contiguous stretch of speech. PCM is never empty.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// Segmenter is a two-state (idle, speaking) voice activity detector.
// Silent frames are never part of an utterance. A Segmenter is owned by a
// single goroutine.
type Segmenter struct {
	cfg SegmenterConfig

	speaking bool
	buf      []byte
	silence  time.Duration
	rate     int
}

// NewSegmenter returns an idle Segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = DefaultMaxSilence
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.Mono24k.SampleRate
	}
	return &Segmenter{cfg: cfg}
}

// Feed classifies one frame and advances the state machine. It returns an
// utterance when trailing silence reaches MaxSilence or the size limit is hit.
func (s *Segmenter) Feed(frame audio.AudioFrame) (Utterance, bool) {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}

	if !audio.IsSilent(frame.Data, s.cfg.SilenceThreshold) {
		if !s.speaking {
			s.speaking = true
			s.rate = rate
		}
		s.buf = append(s.buf, frame.Data...)
		s.silence = 0
		if s.cfg.MaxUtteranceBytes > 0 && len(s.buf) >= s.cfg.MaxUtteranceBytes {
			return s.emit(), true
		}
		return Utterance{}, false
	}

	if !s.speaking {
		return Utterance{}, false
	}
	channels := max(frame.Channels, 1)
	s.silence += audio.PCMDuration(len(frame.Data), rate, channels)
	if s.silence >= s.cfg.MaxSilence {
		return s.emit(), true
	}
	return Utterance{}, false
}

// Speaking reports whether speech onset has been seen.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Buffered returns the number of speech bytes held.
func (s *Segmenter) Buffered() int { return len(s.buf) }

// Reset discards any partial utterance and returns to idle.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.buf = nil
	s.silence = 0
	s.rate = 0
}

func (s *Segmenter) emit() Utterance {
	u := Utterance{
		PCM:        s.buf,
		SampleRate: s.rate,
		Duration:   audio.PCMDuration(len(s.buf), s.rate, 1),
	}
	s.Reset()
	return u
}
