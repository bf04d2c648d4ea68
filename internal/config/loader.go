package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills cfg.Audio with the values the audio pipeline itself
// defaults to, so a config file can omit them entirely.
func applyDefaults(cfg *Config) {
	cfg.Audio = AudioConfig{
		SampleRate:         16000,
		PlaybackSampleRate: 24000,
		FrameMillis:        10,
		AECMode:            AECModeAggregate,
		StreamDelayMillis:  40,
		NoiseSuppression:   NoiseSuppressionModerate,
		BargeInMinChars:    2,
		BargeInGraceMillis: 200,
	}
	cfg.Timeouts = TimeoutsConfig{
		ASRFinalMillis:       8000,
		LLMFirstTokenMillis:  10000,
		TTSFirstFrameMillis:  3000,
		MemoryDeadlineMillis: 500,
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, errors.New("memory.embedding_dimensions must be non-negative"))
	}

	// Audio
	if cfg.Audio.AECMode != "" && !cfg.Audio.AECMode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.aec_mode %q is invalid; valid values: aggregate, software", cfg.Audio.AECMode))
	}
	if cfg.Audio.NoiseSuppression != "" && !cfg.Audio.NoiseSuppression.IsValid() {
		errs = append(errs, fmt.Errorf("audio.noise_suppression %q is invalid; valid values: off, low, moderate, high", cfg.Audio.NoiseSuppression))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, errors.New("audio.sample_rate must be non-negative"))
	}
	if cfg.Audio.PlaybackSampleRate < 0 {
		errs = append(errs, errors.New("audio.playback_sample_rate must be non-negative"))
	}
	if cfg.Audio.FrameMillis < 0 {
		errs = append(errs, errors.New("audio.frame_millis must be non-negative"))
	}
	if cfg.Audio.BargeInMinChars < 0 {
		errs = append(errs, errors.New("audio.barge_in_min_chars must be non-negative"))
	}
	if cfg.Audio.BargeInGraceMillis < 0 {
		errs = append(errs, errors.New("audio.barge_in_grace_ms must be non-negative"))
	}
	if cfg.Audio.AECMode == AECModeSoftware && cfg.Audio.StreamDelayMillis <= 0 {
		slog.Warn("audio.aec_mode is software but stream_delay_ms is not positive; echo cancellation will be ineffective")
	}

	// Role
	if cfg.Role.MaxReplyChars < 0 {
		errs = append(errs, errors.New("role.max_reply_chars must be non-negative"))
	}

	// Timeouts
	if cfg.Timeouts.ASRFinalMillis < 0 {
		errs = append(errs, errors.New("timeouts.asr_final_timeout_ms must be non-negative"))
	}
	if cfg.Timeouts.LLMFirstTokenMillis < 0 {
		errs = append(errs, errors.New("timeouts.llm_first_token_timeout_ms must be non-negative"))
	}
	if cfg.Timeouts.TTSFirstFrameMillis < 0 {
		errs = append(errs, errors.New("timeouts.tts_first_frame_timeout_ms must be non-negative"))
	}
	if cfg.Timeouts.MemoryDeadlineMillis < 0 {
		errs = append(errs, errors.New("timeouts.memory_deadline_ms must be non-negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
