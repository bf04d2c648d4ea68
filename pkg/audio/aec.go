package audio

import (
	"log/slog"
	"sync"
	"time"
)

// AECMode selects how echo cancellation is performed (§4.3).
type AECMode int

const (
	// AECModeAggregate assumes the input/output devices are bound into a
	// single hardware-synchronized aggregate device that already performs
	// echo cancellation upstream. Process is then a pass-through.
	AECModeAggregate AECMode = iota

	// AECModeSoftware runs cancellation in-process against a reference tap
	// fed from [Playback.ReferenceTap].
	AECModeSoftware
)

// NoiseSuppression selects the aggressiveness of the post-cancellation noise
// gate (§4.3).
type NoiseSuppression int

const (
	NoiseSuppressionOff NoiseSuppression = iota
	NoiseSuppressionLow
	NoiseSuppressionModerate
	NoiseSuppressionHigh
)

// threshold maps a suppression level onto an int16 amplitude floor
// below which samples are zeroed.
func (n NoiseSuppression) threshold() int16 {
	switch n {
	case NoiseSuppressionLow:
		return 80
	case NoiseSuppressionModerate:
		return 220
	case NoiseSuppressionHigh:
		return 500
	default:
		return 0
	}
}

// AECConfig configures an [AECProcessor].
type AECConfig struct {
	Mode AECMode

	// StreamDelay is the assumed round-trip latency between a sample leaving
	// Playback and returning through the microphone. Default 40ms.
	StreamDelay time.Duration

	NoiseSuppression NoiseSuppression

	// SampleRate and Channels must match both the capture and reference
	// streams; AECProcessor does not resample. Default 16000/1.
	SampleRate int
	Channels   int
}

func (c AECConfig) withDefaults() AECConfig {
	if c.StreamDelay == 0 {
		c.StreamDelay = 40 * time.Millisecond
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// AECProcessor cancels the assistant's own voice out of the capture stream
// and applies a configurable noise gate (§4.3).
//
// In [AECModeAggregate] the aggregate device is trusted to have already
// cancelled the echo, so Process is a no-op pass-through. In
// [AECModeSoftware], FeedReference must be called continuously (typically
// from a goroutine forwarding [Playback.ReferenceTap]) to keep the delay
// line populated; Process then subtracts the time-aligned reference before
// gating noise.
//
// Any internal failure falls back to passing the captured frame through
// unchanged rather than dropping audio (fail-to-passthrough, §4.3).
type AECProcessor struct {
	cfg AECConfig

	mu        sync.Mutex
	delayLine []int16
	writeIdx  int
	filled    bool
}

// NewAECProcessor constructs a processor. The delay line is sized from
// cfg.StreamDelay, cfg.SampleRate and cfg.Channels.
func NewAECProcessor(cfg AECConfig) *AECProcessor {
	cfg = cfg.withDefaults()
	samples := int(cfg.StreamDelay.Seconds()*float64(cfg.SampleRate))*cfg.Channels + 1
	if samples < 1 {
		samples = 1
	}
	return &AECProcessor{
		cfg:       cfg,
		delayLine: make([]int16, samples),
	}
}

// ReferenceFormat returns the sample rate and channel count FeedReference
// expects the reference frame to already be in. Callers whose playback
// device runs at a different rate (e.g. 24kHz TTS output feeding a 16kHz
// AEC delay line) must convert with a [FormatConverter] targeting this
// format before calling FeedReference.
func (a *AECProcessor) ReferenceFormat() Format {
	return Format{SampleRate: a.cfg.SampleRate, Channels: a.cfg.Channels}
}

// FeedReference pushes the most recently played-out samples into the delay
// line. A no-op in [AECModeAggregate]. frame must already match
// [AECProcessor.ReferenceFormat]; FeedReference does not resample.
func (a *AECProcessor) FeedReference(frame AudioFrame) {
	if a.cfg.Mode == AECModeAggregate {
		return
	}
	samples := decodePCM16(frame.Data)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.delayLine[a.writeIdx] = s
		a.writeIdx = (a.writeIdx + 1) % len(a.delayLine)
		if a.writeIdx == 0 {
			a.filled = true
		}
	}
}

// Process cancels echo and applies noise suppression to a captured frame.
func (a *AECProcessor) Process(captured AudioFrame) AudioFrame {
	if a.cfg.Mode == AECModeAggregate {
		return captured
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("aec processor: recovered from panic, passing through", "panic", r)
		}
	}()

	samples := decodePCM16(captured.Data)
	if len(samples) == 0 {
		return captured
	}

	reference := a.snapshotDelayed(len(samples))
	threshold := a.cfg.NoiseSuppression.threshold()

	cleaned := make([]int16, len(samples))
	for i, s := range samples {
		v := int32(s)
		if reference != nil {
			v -= int32(reference[i])
		}
		if threshold > 0 && abs32(v) < int32(threshold) {
			v = 0
		}
		cleaned[i] = clampInt16(v)
	}

	out := captured
	out.Data = encodePCM16(cleaned)
	return out
}

// snapshotDelayed returns n samples read starting with the oldest sample in
// the delay line (at the current write position), i.e. the reference fed
// cfg.StreamDelay before the newest one, or nil if the delay line has not
// yet filled.
func (a *AECProcessor) snapshotDelayed(n int) []int16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.filled {
		return nil
	}
	size := len(a.delayLine)
	start := a.writeIdx
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = a.delayLine[(start+i)%size]
	}
	return out
}

func decodePCM16(data []byte) []int16 {
	if len(data)%2 != 0 {
		return nil
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

func encodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
