package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root mean square of the PCM16 samples in frame. A trailing
// odd byte is ignored. Returns 0 for an empty frame.
func RMS(frame []byte) float64 {
	n := len(frame) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// IsSilent reports whether frame should be treated as silence for the given
// RMS threshold.
//
// Any input that cannot be classified with confidence is silent: an empty
// buffer, a buffer that is not a whole number of samples, all-zero samples,
// a threshold that is not a positive finite number, or a non-finite RMS.
// Dropping a suspicious frame is preferred to splitting an utterance on it.
func IsSilent(frame []byte, threshold float64) bool {
	if len(frame) == 0 || len(frame)%BytesPerSample != 0 {
		return true
	}
	if !(threshold > 0) || math.IsInf(threshold, 1) {
		return true
	}

	nonZero := false
	for _, b := range frame {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return true
	}

	rms := RMS(frame)
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return true
	}
	return rms < threshold
}
