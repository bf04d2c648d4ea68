// Package audio defines the PCM audio frame type and the device-level
// capture/playback interfaces that sit at the edges of the voice pipeline.
//
// Frames are linear PCM throughout the pipeline (§1 Non-goals: no codec of
// its own). [Device] abstracts the physical or virtual microphone/speaker;
// [Capture] and [Playback] are the stage-facing wrappers around it that the
// orchestrator actually depends on.
package audio

import "time"

// SampleFormat identifies the PCM sample encoding carried by an [AudioFrame].
type SampleFormat int

const (
	// SampleS16LE is signed 16-bit little-endian PCM, the default format for
	// both capture and playback.
	SampleS16LE SampleFormat = iota
)

// String returns the human-readable name of the sample format.
func (f SampleFormat) String() string {
	switch f {
	case SampleS16LE:
		return "s16le"
	default:
		return "unknown"
	}
}

// AudioFrame is an immutable span of linear PCM samples flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from the
// input device, processed by AEC, transcribed, and played through the output
// device.
//
// Invariant: SampleCount equals len(Data) in number of samples (for
// [SampleS16LE], len(Data)/2/Channels).
type AudioFrame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for TTS playback).
	SampleRate int

	// Channels: 1 for mono capture, 2 when an aggregate device interleaves
	// microphone and loopback reference channels.
	Channels int

	// Format is the sample encoding. Defaults to SampleS16LE.
	Format SampleFormat

	// CaptureMonotonicTime is when this frame was captured or, for playback
	// reference frames, when it was submitted to the device — relative to
	// pipeline start. Used by software AEC to align capture and reference
	// streams (§4.3).
	CaptureMonotonicTime time.Duration

	// TurnID identifies the turn that produced this frame, or zero for frames
	// that precede any turn (e.g., idle silence). Stages must discard frames
	// whose TurnID does not match the orchestrator's current turn (§5).
	TurnID uint64
}

// SampleCount returns the number of samples per channel carried by the frame.
func (f AudioFrame) SampleCount() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Silence returns a zero-filled frame with the given duration, rate and
// channel count, suitable for substituting a missing reference or a dropped
// capture buffer (§4.1 failure semantics).
func Silence(d time.Duration, sampleRate, channels int) AudioFrame {
	n := int(d.Seconds()*float64(sampleRate)) * channels * 2
	return AudioFrame{
		Data:       make([]byte, n),
		SampleRate: sampleRate,
		Channels:   channels,
		Format:     SampleS16LE,
	}
}
