// Package audio holds the PCM primitives shared by the capture and playback
// sides of parley: the frame type, format conversion, the silence
// classifier, inbound audio decoding, and the device interfaces that
// platform adapters (see audio/portaudio) implement.
//
// All PCM in this package is signed 16-bit little-endian. Channel count and
// sample width are fixed for the lifetime of a session; only the sample rate
// may differ between a device and the pipeline, and [FormatConverter] closes
// that gap before frames reach the segmenter.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are delivered by a [CaptureDevice], resampled to the session format,
// and classified by [IsSilent] before the segmenter sees them.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for the realtime endpoint, 16000 for
	// many USB microphones).
	SampleRate int

	// Channels: 1 for mono. Stereo frames are down-mixed on conversion.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono24k is the reference format of the realtime endpoint.
var Mono24k = Format{SampleRate: 24000, Channels: 1}

// PCMDuration converts a PCM16 byte count to a duration. Returns zero for a
// non-positive rate or channel count.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
