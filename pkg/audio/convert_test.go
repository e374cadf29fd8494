package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name     string
		src, dst int
		in       int
		wantLen  int
	}{
		{name: "same rate", src: 24000, dst: 24000, in: 480, wantLen: 480},
		{name: "upsample 16k to 24k", src: 16000, dst: 24000, in: 320, wantLen: 480},
		{name: "downsample 48k to 24k", src: 48000, dst: 24000, in: 960, wantLen: 480},
		{name: "zero source rate", src: 0, dst: 24000, in: 100, wantLen: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := samplesToBytes(make([]int16, tt.in))
			out := audio.ResampleMono16(pcm, tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantLen {
				t.Errorf("samples = %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 1, 2))
	want := []int16{0, 500, 1000, 1000}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Mono24k}
	in := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 24000, Channels: 1}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching frame should be returned without copying")
	}
}

func TestFormatConverter_StereoCapture(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Mono24k}
	in := audio.AudioFrame{
		Data:       samplesToBytes(make([]int16, 2*480)),
		SampleRate: 48000,
		Channels:   2,
	}
	out := conv.Convert(in)
	if out.SampleRate != 24000 || out.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 24000Hz/1ch", out.SampleRate, out.Channels)
	}
	if got := len(out.Data) / 2; got != 240 {
		t.Errorf("samples = %d, want 240", got)
	}
}

func TestFormatConverter_StreamingResampleIsContinuous(t *testing.T) {
	// 1024-sample frames at 44.1 kHz convert to 557.3 samples each at 24 kHz;
	// the fraction must carry over rather than be dropped per frame.
	const frames, perFrame = 10, 1024
	ramp := make([]int16, frames*perFrame)
	for i := range ramp {
		ramp[i] = int16(i)
	}
	pcm := samplesToBytes(ramp)
	whole := bytesToSamples(audio.ResampleMono16(pcm, 44100, 24000))

	conv := audio.FormatConverter{Target: audio.Mono24k}
	var streamed []int16
	for i := range frames {
		chunk := pcm[i*perFrame*2 : (i+1)*perFrame*2]
		out := conv.Convert(audio.AudioFrame{Data: chunk, SampleRate: 44100, Channels: 1})
		if out.SampleRate != 24000 {
			t.Fatalf("frame %d: SampleRate = %d", i, out.SampleRate)
		}
		streamed = append(streamed, bytesToSamples(out.Data)...)
	}

	if d := len(streamed) - len(whole); d < -1 || d > 1 {
		t.Fatalf("streamed %d samples, whole buffer %d", len(streamed), len(whole))
	}
	for i := range min(len(streamed), len(whole)) {
		if d := int(streamed[i]) - int(whole[i]); d < -1 || d > 1 {
			t.Fatalf("sample %d: streamed %d, whole buffer %d", i, streamed[i], whole[i])
		}
	}
}

func TestFormatConverter_UpsampleHoldsTailForNextFrame(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Mono24k}
	frame := func(samples ...int16) audio.AudioFrame {
		return audio.AudioFrame{Data: samplesToBytes(samples), SampleRate: 12000, Channels: 1}
	}
	// 12 kHz to 24 kHz: the midpoint between frames needs the next frame.
	first := bytesToSamples(conv.Convert(frame(0, 1000)).Data)
	second := bytesToSamples(conv.Convert(frame(2000, 3000)).Data)
	got := append(first, second...)
	want := []int16{0, 500, 1000, 1500, 2000, 2500, 3000}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_PartialSample(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Mono24k}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 24000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("expected empty frame for odd byte count, got %d bytes", len(out.Data))
	}
}

func TestPCMDuration(t *testing.T) {
	if got := audio.PCMDuration(48000, 24000, 1); got.Seconds() != 1 {
		t.Errorf("PCMDuration = %v, want 1s", got)
	}
	if got := audio.PCMDuration(100, 0, 1); got != 0 {
		t.Errorf("PCMDuration with zero rate = %v, want 0", got)
	}
}
