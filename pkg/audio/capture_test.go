package audio_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxfold/voxfold/pkg/audio"
)

// fakeInputDevice is a hand-rolled InputDevice for tests: no mocking library,
// scripted behavior via exported fields, matching the teacher's mock style.
type fakeInputDevice struct {
	mu             sync.Mutex
	opened         bool
	openErr        error
	openChannels   int
	readErr        error
	errorUntil     int
	reads          int
	closed         int
}

func (f *fakeInputDevice) Open(ctx context.Context, sampleRate, channels int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	f.openChannels = channels
	return nil
}

func (f *fakeInputDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeInputDevice) ReadFrame(ctx context.Context, frameSamples int) (audio.AudioFrame, error) {
	f.mu.Lock()
	f.reads++
	n := f.reads
	err := f.readErr
	until := f.errorUntil
	f.mu.Unlock()

	if err != nil && n <= until {
		return audio.AudioFrame{}, err
	}
	return audio.AudioFrame{
		Data:       make([]byte, frameSamples*2),
		SampleRate: 16000,
		Channels:   1,
	}, nil
}

func TestCapture_StartProducesFrames(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	select {
	case frame := <-c.Frames():
		if frame.SampleCount() == 0 {
			t.Fatalf("expected non-empty frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
	}
}

func TestCapture_DeviceBusyOnOpenFailure(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{openErr: errors.New("in use")}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	err := c.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceBusy) {
		t.Fatalf("want ErrDeviceBusy, got %v", err)
	}
}

func TestCapture_SubstitutesSilenceOnTransientError(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{readErr: errors.New("dropped buffer"), errorUntil: 1}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	select {
	case frame := <-c.Frames():
		if len(frame.Data) == 0 {
			t.Fatalf("expected a silence frame substituted for the dropped read")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the silence-substituted frame")
	}
}

func TestCapture_ClosesChannelOnUnrecoverableError(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{readErr: errors.New("device gone"), errorUntil: 1000}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames channel never closed after repeated errors")
		}
	}
}

func TestCapture_StopIsIdempotentAndClosesChannel(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	frames := c.Frames()

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	select {
	case _, ok := <-frames:
		if ok {
			t.Fatalf("expected frames channel to be closed after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel never closed after Stop")
	}

	if dev.closed != 1 {
		t.Fatalf("want device closed exactly once, got %d", dev.closed)
	}
}

func TestCapture_AggregateModeOpensTwoChannels(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{}
	c := audio.NewCapture(dev, audio.CaptureConfig{Aggregate: true})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	dev.mu.Lock()
	got := dev.openChannels
	dev.mu.Unlock()
	if got != 2 {
		t.Fatalf("aggregate mode should open the device with 2 channels, got %d", got)
	}
}

func TestCapture_NonAggregateModeOpensOneChannel(t *testing.T) {
	t.Parallel()
	dev := &fakeInputDevice{}
	c := audio.NewCapture(dev, audio.CaptureConfig{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	dev.mu.Lock()
	got := dev.openChannels
	dev.mu.Unlock()
	if got != 1 {
		t.Fatalf("non-aggregate mode should open the device with 1 channel, got %d", got)
	}
}
