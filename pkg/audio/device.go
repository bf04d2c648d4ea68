package audio

import "context"

// Device is the low-level input or output endpoint that [Capture] and
// [Playback] drive. Implementations wrap a physical sound card, a virtual
// aggregate device, or (in tests) an in-memory buffer.
//
// A single process owns at most one input Device and one output Device; no
// other component touches them directly (§5 Shared resources).
type Device interface {
	// Open acquires the device at the given sample rate and channel count.
	// Returns ErrDeviceBusy if the device is already held by another owner.
	Open(ctx context.Context, sampleRate, channels int) error

	// Close releases the device. Idempotent.
	Close() error
}

// InputDevice is a [Device] that produces PCM frames.
type InputDevice interface {
	Device

	// ReadFrame blocks until one frame period of audio is available, or ctx
	// is cancelled. frameSamples is the number of samples per channel to read.
	ReadFrame(ctx context.Context, frameSamples int) (AudioFrame, error)
}

// OutputDevice is a [Device] that consumes PCM frames.
type OutputDevice interface {
	Device

	// WriteFrame blocks until frame has been handed to the device (or
	// buffered internally), or ctx is cancelled.
	WriteFrame(ctx context.Context, frame AudioFrame) error

	// Silence immediately mutes the device output. Used by [Playback.Abort]
	// to guarantee no stale audio continues to play.
	Silence() error
}
