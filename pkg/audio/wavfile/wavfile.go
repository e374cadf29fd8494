// Package wavfile loads prerecorded audio for the file input source and
// converts it to the session's mono PCM16 format.
//
// RIFF/WAVE files with 16-bit PCM are parsed; any other file is treated as
// raw PCM16 already in the session format. Sample rate conversion uses a
// windowed-sinc resampler since whole files are not latency sensitive.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/MrWong99/parley/pkg/audio"
	resampling "github.com/tphakala/go-audio-resampling"
)

// Info describes the PCM payload of a decoded file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	// DataOffset is the byte offset of the first sample in the file.
	DataOffset int
}

// ErrUnsupported is returned for WAV files that are not 16-bit integer PCM.
var ErrUnsupported = errors.New("wavfile: unsupported WAV encoding")

const (
	formatPCM = 1

	// tailPadDivisor sizes the silence appended before resampling: 1/10 s.
	tailPadDivisor = 10
)

// Load reads path and returns its audio as PCM16 in target format. Files
// without a RIFF header are assumed to already be in target format.
func Load(path string, target audio.Format) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read %s: %w", path, err)
	}
	pcm, err := Convert(data, target)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %s: %w", path, err)
	}
	return pcm, nil
}

// Convert decodes data (WAV or raw PCM16) and converts it to target.
func Convert(data []byte, target audio.Format) ([]byte, error) {
	if !IsWAV(data) {
		return data[:len(data)-len(data)%audio.BytesPerSample], nil
	}

	info, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if info.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupported, info.BitsPerSample)
	}

	pcm := data[info.DataOffset:]
	pcm = pcm[:len(pcm)-len(pcm)%(audio.BytesPerSample*max(info.Channels, 1))]
	switch info.Channels {
	case 1:
	case 2:
		pcm = audio.StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupported, info.Channels)
	}

	return Resample(pcm, info.SampleRate, target.SampleRate)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Parse walks the RIFF chunks of a WAV file and returns the format of its
// data chunk. The data chunk is clamped to the file length so truncated
// recordings still load.
func Parse(wav []byte) (Info, error) {
	if !IsWAV(wav) {
		return Info{}, errors.New("wavfile: missing RIFF/WAVE header")
	}

	var info Info
	foundFmt := false
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return Info{}, errors.New("wavfile: short fmt chunk")
			}
			f := wav[offset+8:]
			if tag := binary.LittleEndian.Uint16(f[0:2]); tag != formatPCM {
				return Info{}, fmt.Errorf("%w: format tag %d", ErrUnsupported, tag)
			}
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return Info{}, errors.New("wavfile: data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Info{}, errors.New("wavfile: missing data chunk")
}

// Resample converts mono PCM16 from srcRate to dstRate. Matching rates
// return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid sample rate %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(pcm) < audio.BytesPerSample {
		return pcm, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("wavfile: create resampler: %w", err)
	}

	// Trailing silence pushes the filter delay line out; the result is then
	// trimmed to the exact converted length.
	samples := len(pcm) / audio.BytesPerSample
	input := make([]float64, samples+srcRate/tailPadDivisor)
	for i := range samples {
		input[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("wavfile: resample: %w", err)
	}
	want := int(int64(samples) * int64(dstRate) / int64(srcRate))
	if len(output) > want {
		output = output[:want]
	}

	out := make([]byte, len(output)*audio.BytesPerSample)
	for i, s := range output {
		s = math.Max(-1, math.Min(1, s))
		v := int16(math.Max(-32768, math.Min(32767, math.Round(s*32768))))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}
