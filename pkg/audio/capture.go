package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDeviceBusy is returned by [Capture.Start] when the input device cannot
// be acquired because another owner already holds it (§4.1).
var ErrDeviceBusy = errors.New("audio: device busy")

// ErrCaptureFailed indicates an unrecoverable capture error; the frames
// channel has been closed and Capture must be restarted (§4.1).
var ErrCaptureFailed = errors.New("audio: capture failed")

// frameBufferDepth is the channel capacity for Capture.frames: roughly 20ms of
// buffering at the default 10ms frame period (§4.1).
const frameBufferDepth = 2

// CaptureConfig configures a [Capture] instance.
type CaptureConfig struct {
	// SampleRate is the capture rate in Hz. Default 16000.
	SampleRate int

	// FramePeriod is the cadence at which frames are emitted. Default 10ms.
	FramePeriod time.Duration

	// Aggregate indicates the device is an aggregate device that interleaves
	// microphone and loopback reference channels in every frame, in the
	// order {microphone, reference} (§4.1). When false, Capture emits
	// single-channel microphone frames.
	Aggregate bool
}

// withDefaults fills zero-valued fields with the component's defaults.
func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FramePeriod == 0 {
		c.FramePeriod = 10 * time.Millisecond
	}
	return c
}

// Capture owns the input device and emits fixed-cadence [AudioFrame] values
// on a bounded channel (§4.1).
//
// Safe for concurrent use; Start/Stop may be called from any goroutine, but
// only one Start may be in flight for a given Capture at a time.
type Capture struct {
	dev InputDevice
	cfg CaptureConfig

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	out     chan AudioFrame
	wg      sync.WaitGroup
}

// NewCapture creates a Capture bound to dev.
func NewCapture(dev InputDevice, cfg CaptureConfig) *Capture {
	return &Capture{dev: dev, cfg: cfg.withDefaults()}
}

// Start acquires the input device and begins producing frames. Returns
// [ErrDeviceBusy] if the device cannot be acquired. Start is not idempotent;
// calling it twice without an intervening Stop returns an error.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("audio: capture already started")
	}

	channels := 1
	if c.cfg.Aggregate {
		channels = 2
	}
	if err := c.dev.Open(ctx, c.cfg.SampleRate, channels); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.out = make(chan AudioFrame, frameBufferDepth)
	c.started = true

	frameSamples := int(c.cfg.FramePeriod.Seconds() * float64(c.cfg.SampleRate))

	c.wg.Add(1)
	go c.run(runCtx, frameSamples, channels)
	return nil
}

// run is the capture worker: one stage-task per §5. It substitutes a silence
// frame on transient read errors and closes the output channel (reporting
// [ErrCaptureFailed] via log) on an unrecoverable failure.
func (c *Capture) run(ctx context.Context, frameSamples, channels int) {
	defer c.wg.Done()
	defer close(c.out)

	consecutiveErrs := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := c.dev.ReadFrame(ctx, frameSamples)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrs++
			if consecutiveErrs > 3 {
				slog.Error("audio capture: unrecoverable device error, closing stream",
					"error", fmt.Errorf("%w: %v", ErrCaptureFailed, err))
				return
			}
			slog.Warn("audio capture: transient device error, substituting silence", "error", err)
			frame = Silence(c.cfg.FramePeriod, c.cfg.SampleRate, channels)
		} else {
			consecutiveErrs = 0
		}

		select {
		case c.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Frames returns the read-only channel of captured frames. The channel
// closes when capture stops, whether via [Capture.Stop] or an unrecoverable
// device error.
func (c *Capture) Frames() <-chan AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// Stop idempotently halts capture. After Stop returns, no further frames
// will be emitted on the channel returned by [Capture.Frames].
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return c.dev.Close()
}
