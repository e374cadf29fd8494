package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter brings capture frames to the session format. It logs once
// on the first format mismatch and once on the first corrupt frame.
// Create one per capture stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
	resampler      streamResampler
}

// Convert returns frame in the target format. Frames that already match are
// returned unchanged. Frames whose length is not a whole number of
// multi-channel samples are replaced by an empty frame, which the segmenter
// classifies as silence.
// Conversion order: down-mix first, then resample. Resampling is continuous
// across calls, so a stream converted frame by frame has the same length as
// the whole stream converted at once.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(BytesPerSample*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: partial sample in capture frame, dropping",
				"bytes", len(frame.Data),
				"channels", channels,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio: converting capture format",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate && channels == 1 {
		pcm = c.resampler.resample(pcm, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. This is the low-latency path for live capture frames;
// whole files go through the higher quality resampler in audio/wavfile.
// If the rates match or either rate is invalid, pcm is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s0*(1-frac)+s1*frac)))
	}
	return out
}

// streamResampler is the linear interpolator of [ResampleMono16] with its
// read position carried between chunks.
type streamResampler struct {
	src, dst int
	// pos is the source position of the next output sample, relative to the
	// start of the next chunk. It is never below -1, which addresses last.
	pos  float64
	last int16
}

func (r *streamResampler) resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if srcRate != r.src || dstRate != r.dst {
		*r = streamResampler{src: srcRate, dst: dstRate}
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	sample := func(i int) float64 {
		if i < 0 {
			return float64(r.last)
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	ratio := float64(srcRate) / float64(dstRate)
	out := make([]byte, 0, int(float64(n)/ratio)*2+4)
	for r.pos <= float64(n-1) {
		idx := int(math.Floor(r.pos))
		frac := r.pos - float64(idx)
		s0 := sample(idx)
		s1 := s0
		if frac > 0 {
			s1 = sample(idx + 1)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s0*(1-frac)+s1*frac)))
		r.pos += ratio
	}
	r.pos -= float64(n)
	r.last = int16(binary.LittleEndian.Uint16(pcm[(n-1)*2:]))
	return out
}

func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
