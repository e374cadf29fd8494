package audio

// CaptureDevice is a live PCM source such as a microphone.
//
// Start begins delivering fixed-size frames to onFrame. onFrame is invoked
// on a device-owned goroutine (for PortAudio, a dedicated OS thread) and must
// not block; implementations may drop frames when it does. If the device
// fails while streaming, onError is called once from that goroutine and no
// further frames follow. Stop halts delivery and releases the device; after
// Stop returns neither callback is called again. A device may be started
// again after Stop.
//
// Implementations must be safe for concurrent use of Start and Stop.
type CaptureDevice interface {
	// Format reports the format of the frames passed to onFrame.
	Format() Format

	// Start opens the device and begins streaming. It returns an error if the
	// device cannot be opened.
	Start(onFrame func(AudioFrame), onError func(error)) error

	// Stop halts streaming and releases the device. Calling Stop on a device
	// that is not started is a no-op.
	Stop() error
}

// OutputDevice is a PCM sink such as a speaker. It is owned by exactly one
// writer (the playback engine worker) and is not required to be safe for
// concurrent use.
type OutputDevice interface {
	// Open acquires the device. Playback cannot proceed if Open fails.
	Open() error

	// Write plays pcm, blocking until the device has accepted all of it.
	Write(pcm []byte) error

	// Close releases the device.
	Close() error
}

// Drainer is implemented by output devices that hold back a partial
// hardware block between writes. Drain plays the held samples, padded with
// silence to a full block. The playback engine drains after every flush.
type Drainer interface {
	Drain() error
}
