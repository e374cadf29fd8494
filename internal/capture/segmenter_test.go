package capture_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
)

const frameSamples = 1024

// speechFrame returns a 1024-sample frame with constant amplitude amp, tagged
// with tag in its first sample so frames can be told apart.
func speechFrame(amp int16, tag int16) []byte {
	buf := make([]byte, frameSamples*2)
	for i := range frameSamples {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	binary.LittleEndian.PutUint16(buf, uint16(amp+tag))
	return buf
}

func silentFrame() []byte { return make([]byte, frameSamples*2) }

func frame(data []byte) audio.AudioFrame {
	return audio.AudioFrame{Data: data, SampleRate: 24000, Channels: 1}
}

// framesForSilence is the number of 1024-sample frames at 24 kHz needed to
// reach one second (24 frames is about 1.024 s).
const framesForSilence = 24

func TestSegmenter_EmitsSpeechAfterSilence(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{})

	var want []byte
	for i := range 5 {
		f := speechFrame(3000, int16(i))
		want = append(want, f...)
		if _, ok := seg.Feed(frame(f)); ok {
			t.Fatalf("emitted during speech at frame %d", i)
		}
	}
	if !seg.Speaking() {
		t.Fatal("segmenter should be speaking after loud frames")
	}

	for i := range framesForSilence - 1 {
		if _, ok := seg.Feed(frame(silentFrame())); ok {
			t.Fatalf("emitted after %d silent frames, before one second", i+1)
		}
	}
	u, ok := seg.Feed(frame(silentFrame()))
	if !ok {
		t.Fatal("expected utterance after one second of silence")
	}
	if !bytes.Equal(u.PCM, want) {
		t.Errorf("utterance has %d bytes, want exactly the %d speech bytes", len(u.PCM), len(want))
	}
	if u.SampleRate != 24000 {
		t.Errorf("SampleRate = %d", u.SampleRate)
	}
	if wantDur := audio.PCMDuration(len(want), 24000, 1); u.Duration != wantDur {
		t.Errorf("Duration = %v, want %v", u.Duration, wantDur)
	}
	if seg.Speaking() || seg.Buffered() != 0 {
		t.Error("segmenter should be idle and empty after emitting")
	}
}

func TestSegmenter_SilenceOnlyNeverEmits(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{})
	for i := range 200 {
		if _, ok := seg.Feed(frame(silentFrame())); ok {
			t.Fatalf("emitted on silence at frame %d", i)
		}
	}
	if seg.Speaking() {
		t.Error("silence must not start an utterance")
	}
}

func TestSegmenter_SpeechResetsSilence(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{})
	seg.Feed(frame(speechFrame(3000, 0)))
	for range framesForSilence - 2 {
		seg.Feed(frame(silentFrame()))
	}
	// Speech resumes before the limit: the pause is not a boundary and its
	// frames are not included.
	seg.Feed(frame(speechFrame(3000, 1)))
	for range framesForSilence - 1 {
		if _, ok := seg.Feed(frame(silentFrame())); ok {
			t.Fatal("silence counter was not reset by speech")
		}
	}
	u, ok := seg.Feed(frame(silentFrame()))
	if !ok {
		t.Fatal("expected utterance")
	}
	if len(u.PCM) != 2*frameSamples*2 {
		t.Errorf("utterance = %d bytes, want two speech frames", len(u.PCM))
	}
}

func TestSegmenter_MaxUtteranceBytes(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{MaxUtteranceBytes: 3 * frameSamples * 2})
	for i := range 2 {
		if _, ok := seg.Feed(frame(speechFrame(3000, int16(i)))); ok {
			t.Fatalf("emitted early at frame %d", i)
		}
	}
	u, ok := seg.Feed(frame(speechFrame(3000, 2)))
	if !ok {
		t.Fatal("expected utterance when size limit is reached")
	}
	if len(u.PCM) != 3*frameSamples*2 {
		t.Errorf("len = %d", len(u.PCM))
	}
}

func TestSegmenter_CustomThresholdAndSilence(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{
		SilenceThreshold: 5000,
		MaxSilence:       100 * time.Millisecond,
	})
	// Amplitude 3000 is below a 5000 threshold.
	if _, ok := seg.Feed(frame(speechFrame(3000, 0))); ok || seg.Speaking() {
		t.Fatal("quiet frame should be silence with a high threshold")
	}
	seg.Feed(frame(speechFrame(8000, 0)))
	seg.Feed(frame(silentFrame())) // ~43ms
	seg.Feed(frame(silentFrame())) // ~85ms
	if _, ok := seg.Feed(frame(silentFrame())); !ok {
		t.Error("expected utterance after ~128ms of silence with a 100ms limit")
	}
}

func TestSegmenter_DegenerateFramesAreSilence(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{})
	if _, ok := seg.Feed(frame([]byte{0xff, 0x7f, 0x01})); ok || seg.Speaking() {
		t.Error("odd-length frame must be treated as silence")
	}
	if _, ok := seg.Feed(frame(nil)); ok || seg.Speaking() {
		t.Error("empty frame must be treated as silence")
	}
}

func TestSegmenter_Reset(t *testing.T) {
	seg := capture.NewSegmenter(capture.SegmenterConfig{})
	seg.Feed(frame(speechFrame(3000, 0)))
	seg.Reset()
	if seg.Speaking() || seg.Buffered() != 0 {
		t.Fatal("Reset should discard the partial utterance")
	}
	for range 50 {
		if _, ok := seg.Feed(frame(silentFrame())); ok {
			t.Fatal("no utterance expected after Reset")
		}
	}
}

func TestSegmenter_SilenceBoundaryIsInclusive(t *testing.T) {
	// 160 samples at 16 kHz is exactly 10ms, so 100 silent frames are
	// exactly one second of trailing silence.
	const samples = 160
	at16k := func(data []byte) audio.AudioFrame {
		return audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1}
	}
	loud := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(loud[i*2:], uint16(int16(4000)))
	}
	quiet := make([]byte, samples*2)

	seg := capture.NewSegmenter(capture.SegmenterConfig{SampleRate: 16000, MaxSilence: time.Second})
	for range 3 {
		seg.Feed(at16k(loud))
	}
	for i := range 99 {
		if _, ok := seg.Feed(at16k(quiet)); ok {
			t.Fatalf("emitted after %d silent frames (%dms)", i+1, (i+1)*10)
		}
	}
	u, ok := seg.Feed(at16k(quiet))
	if !ok {
		t.Fatal("100th silent frame (exactly 1s) should end the utterance")
	}
	if len(u.PCM) != 3*samples*2 {
		t.Errorf("len(PCM) = %d, want %d", len(u.PCM), 3*samples*2)
	}
	if u.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", u.SampleRate)
	}
}
