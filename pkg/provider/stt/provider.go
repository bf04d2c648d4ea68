// Package stt defines the Provider interface for Speech-to-Text backends
// (§6.2).
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, a
// local Whisper server) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// 16 kHz mono 16-bit PCM frames and emits two streams of Transcript values —
// low-latency partials for responsiveness and authoritative finals for
// history.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by SessionHandle methods the provider does not
// implement (e.g., mid-session keyword updates).
var ErrNotSupported = errors.New("stt: not supported by this provider")

// ErrAuthFailed indicates the provider rejected the session due to invalid
// credentials or exhausted quota (§4.4 ASRAuthFailed). The orchestrator does
// not retry on this error.
var ErrAuthFailed = errors.New("stt: authentication or quota failure")

// StreamConfig describes the audio format and recognition hints for a new STT
// session (§6.2). All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The spec's capture default
	// is 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono, required by most
	// STT providers.
	Channels int

	// Model is the provider-specific realtime transcription model identifier.
	Model string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. Non-blocking; implementations may coalesce chunks into
	// the windows their provider requires. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values (IsFinal=false) as the provider makes preliminary
	// guesses. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values (IsFinal=true) at end-of-utterance. The channel is closed when
	// the session ends.
	Finals() <-chan Transcript

	// Flush causes the provider to emit a final transcript for whatever audio
	// has been sent so far, even without a server-detected silence boundary
	// (§4.4).
	Flush() error

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that do not support mid-session keyword updates
	// return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns ErrAuthFailed if the provider cannot establish the session due
	// to credentials or quota. The caller owns the SessionHandle and must
	// call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
