package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPlaybackStopped is returned by [Playback.Submit] once the playback
// worker has stopped.
var ErrPlaybackStopped = errors.New("audio: playback stopped")

// defaultWatermark bounds the playback queue to roughly this much buffered
// audio before Submit starts cooperatively blocking (§4.2).
const defaultWatermark = 200 * time.Millisecond

// abortBudget is the wall-clock bound within which Abort must silence the
// device (§4.2).
const abortBudget = 30 * time.Millisecond

// PlaybackConfig configures a [Playback] instance.
type PlaybackConfig struct {
	// SampleRate is the playback rate in Hz. Default 24000.
	SampleRate int

	// Channels is the output channel count. Default 1.
	Channels int

	// FramePeriod is the nominal duration represented by one submitted frame,
	// used to size the watermark-bounded queue and the reference tap buffer.
	// Default 10ms.
	FramePeriod time.Duration

	// Watermark is the maximum amount of buffered audio before Submit blocks.
	// Default 200ms.
	Watermark time.Duration
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FramePeriod == 0 {
		c.FramePeriod = 10 * time.Millisecond
	}
	if c.Watermark == 0 {
		c.Watermark = defaultWatermark
	}
	return c
}

// playbackItem envelopes a frame with the epoch it was submitted under, so
// the dispatch loop can discard frames that predate an Abort (§4.2 ordering
// invariant). A nil frame with a non-nil ack is a flush barrier.
type playbackItem struct {
	frame AudioFrame
	epoch uint64
	ack   chan struct{}
}

// Playback owns the output device and streams submitted [AudioFrame] values
// to it in order, with immediate-abort semantics and a reference tap for
// software AEC (§4.2).
//
// Safe for concurrent use: Submit is typically called from the TTS-read
// stage while Abort is called from the orchestrator's BargeIn path.
type Playback struct {
	dev OutputDevice
	cfg PlaybackConfig

	queue chan playbackItem
	tap   chan AudioFrame

	epoch atomic.Uint64

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastWrite   time.Time
	activeSince time.Time
	pending     atomic.Int32
}

// NewPlayback creates a Playback bound to dev.
func NewPlayback(dev OutputDevice, cfg PlaybackConfig) *Playback {
	cfg = cfg.withDefaults()
	watermarkFrames := int(cfg.Watermark / cfg.FramePeriod)
	if watermarkFrames < 1 {
		watermarkFrames = 1
	}
	return &Playback{
		dev:   dev,
		cfg:   cfg,
		queue: make(chan playbackItem, watermarkFrames),
		tap:   make(chan AudioFrame, watermarkFrames),
	}
}

// Start acquires the output device and begins the dispatch worker.
func (p *Playback) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("audio: playback already started")
	}
	if err := p.dev.Open(ctx, p.cfg.SampleRate, p.cfg.Channels); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true

	p.wg.Add(1)
	go p.dispatch(runCtx)
	return nil
}

// Submit enqueues frame for playback. It blocks cooperatively, respecting
// ctx, while the internal buffer exceeds the configured watermark (§4.2).
func (p *Playback) Submit(ctx context.Context, frame AudioFrame) error {
	item := playbackItem{frame: frame, epoch: p.epoch.Load()}
	p.pending.Add(1)
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// ActiveSince returns when the current uninterrupted run of device writes
// began, or the zero time if the device has been idle for more than a
// frame period. BargeInController uses this, rather than the time of the
// last Submit call, so the echo grace window gates only the onset of a
// turn's speech instead of its entire duration (§4.8).
func (p *Playback) ActiveSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastWrite.IsZero() || time.Since(p.lastWrite) > 2*p.cfg.FramePeriod {
		return time.Time{}
	}
	return p.activeSince
}

// Flush blocks until every frame enqueued before this call has been written
// to the device. It is implemented as a barrier marker carried through the
// same ordered queue as audio frames.
func (p *Playback) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.queue <- playbackItem{ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort immediately discards pending frames and silences the device. It
// returns once the device has been muted, which is guaranteed to complete
// within one frame period under normal load (§4.2 ≤30ms).
//
// Idempotent: calling Abort when nothing is playing is a harmless no-op.
// Any Submit that happens after Abort returns is ordered after it — frames
// queued under the old epoch are discarded by the dispatch loop rather than
// written to the device.
func (p *Playback) Abort() error {
	deadline := time.Now().Add(abortBudget)
	p.epoch.Add(1)

	// Best-effort drain of whatever is already buffered; correctness relies
	// on the epoch check in dispatch, this just frees capacity promptly.
drain:
	for {
		select {
		case item := <-p.queue:
			if item.ack != nil {
				close(item.ack)
			} else {
				p.pending.Add(-1)
			}
		default:
			break drain
		}
	}

	if err := p.dev.Silence(); err != nil {
		return fmt.Errorf("audio: playback abort: %w", err)
	}
	if d := time.Until(deadline); d < 0 {
		slog.Warn("audio playback: abort exceeded budget", "over_by", -d)
	}
	return nil
}

// IsPlaying reports whether the device has been written to within the last
// frame period and the buffer is non-empty (§4.2).
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	recent := !p.lastWrite.IsZero() && time.Since(p.lastWrite) <= p.cfg.FramePeriod
	p.mu.Unlock()
	return recent && p.pending.Load() > 0
}

// ReferenceTap returns a channel mirroring every frame written to the
// device, tagged with its play-out timestamp. This is the reference input
// to [AECProcessor] in the software-AEC deployment mode (§4.2, §4.3).
func (p *Playback) ReferenceTap() <-chan AudioFrame {
	return p.tap
}

// Stop halts the dispatch worker and releases the output device.
func (p *Playback) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return p.dev.Close()
}

func (p *Playback) dispatch(ctx context.Context) {
	defer p.wg.Done()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			if item.ack != nil {
				close(item.ack)
				continue
			}
			if item.epoch != p.epoch.Load() {
				// Stale frame from before an Abort; discard without writing.
				p.pending.Add(-1)
				continue
			}
			if err := p.dev.WriteFrame(ctx, item.frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("audio playback: write error", "error", err)
			}
			p.pending.Add(-1)

			p.mu.Lock()
			if p.lastWrite.IsZero() || time.Since(p.lastWrite) > 2*p.cfg.FramePeriod {
				p.activeSince = time.Now()
			}
			p.lastWrite = time.Now()
			p.mu.Unlock()

			playoutFrame := item.frame
			playoutFrame.CaptureMonotonicTime = time.Since(start)
			select {
			case p.tap <- playoutFrame:
			default:
				// Reference tap is best-effort; a full buffer means AEC is
				// already behind and should fall back to pass-through.
			}
		}
	}
}
