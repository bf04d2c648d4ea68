package tts

// VoiceProfile describes a TTS voice configuration and output format (§6.3).
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SampleRate is the output PCM sample rate in Hz. The spec's default is
	// 24000.
	SampleRate int

	// Channels is the output channel count, normally 1.
	Channels int

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
