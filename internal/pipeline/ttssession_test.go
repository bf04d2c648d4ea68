package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxfold/voxfold/internal/pipeline"
	"github.com/voxfold/voxfold/pkg/provider/tts"
	ttsmock "github.com/voxfold/voxfold/pkg/provider/tts/mock"
)

func TestTTSSession_EmitsFramesTaggedWithTurnID(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}

	s, err := pipeline.OpenTTSSession(context.Background(), pipeline.TurnID(7), provider, tts.VoiceProfile{SampleRate: 24000})
	if err != nil {
		t.Fatalf("OpenTTSSession: %v", err)
	}

	if err := s.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	s.Finish()

	var frames int
	deadline := time.After(time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				if frames != 2 {
					t.Fatalf("want 2 frames, got %d", frames)
				}
				return
			}
			if f.TurnID != 7 {
				t.Fatalf("frame not tagged with owning turn id, got %d", f.TurnID)
			}
			if f.SampleRate != 24000 {
				t.Fatalf("frame sample rate mismatch: got %d", f.SampleRate)
			}
			frames++
		case <-deadline:
			t.Fatal("timed out waiting for frames to finish")
		}
	}
}

func TestTTSSession_OpenErrorPropagates(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}

	_, err := pipeline.OpenTTSSession(context.Background(), pipeline.TurnID(1), provider, tts.VoiceProfile{})
	if err == nil {
		t.Fatal("want an error when SynthesizeStream fails to start")
	}
}

func TestTTSSession_SendTextAfterFinishFails(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{}

	s, err := pipeline.OpenTTSSession(context.Background(), pipeline.TurnID(1), provider, tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("OpenTTSSession: %v", err)
	}
	s.Finish()

	if err := s.SendText("too late"); !errors.Is(err, pipeline.ErrTTSSessionClosed) {
		t.Fatalf("want ErrTTSSessionClosed after Finish, got %v", err)
	}
}

func TestTTSSession_AbortIsIdempotentAndClosesFrames(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}, {2}, {3}}}

	s, err := pipeline.OpenTTSSession(context.Background(), pipeline.TurnID(1), provider, tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("OpenTTSSession: %v", err)
	}

	s.Abort()
	s.Abort() // idempotent

	select {
	case _, ok := <-s.Frames():
		if ok {
			// A frame emitted before the abort was observed is acceptable;
			// the channel must still close promptly.
			for range s.Frames() {
			}
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Frames channel did not close promptly after Abort")
	}
}

func TestTTSSession_AbortAfterFinishIsSafe(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{}

	s, err := pipeline.OpenTTSSession(context.Background(), pipeline.TurnID(1), provider, tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("OpenTTSSession: %v", err)
	}
	s.Finish()
	s.Abort()
}
