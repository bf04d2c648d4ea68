package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxfold/voxfold/internal/pipeline"
	"github.com/voxfold/voxfold/pkg/provider/stt"
	sttmock "github.com/voxfold/voxfold/pkg/provider/stt/mock"
)

func TestASRSession_ForwardsPartialsAndFinals(t *testing.T) {
	t.Parallel()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 4),
	}
	provider := &sttmock.Provider{Session: sess}

	a, err := pipeline.NewASRSession(context.Background(), provider, stt.StreamConfig{}, nil)
	if err != nil {
		t.Fatalf("NewASRSession: %v", err)
	}
	defer a.Close()

	sess.PartialsCh <- stt.Transcript{Text: "hel", ServerSequence: 1}
	sess.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true, ServerSequence: 2}

	select {
	case tr := <-a.Partials():
		if tr.Text != "hel" || tr.ServerSequence != 1 {
			t.Fatalf("unexpected partial: %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for partial")
	}

	select {
	case tr := <-a.Finals():
		if tr.Text != "hello" || !tr.IsFinal {
			t.Fatalf("unexpected final: %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final")
	}
}

func TestASRSession_SendAudioDelegatesToActiveSession(t *testing.T) {
	t.Parallel()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	provider := &sttmock.Provider{Session: sess}

	a, err := pipeline.NewASRSession(context.Background(), provider, stt.StreamConfig{}, nil)
	if err != nil {
		t.Fatalf("NewASRSession: %v", err)
	}
	defer a.Close()

	if err := a.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if n := sess.SendAudioCallCount(); n != 1 {
		t.Fatalf("want 1 SendAudio call, got %d", n)
	}
}

func TestASRSession_ReconnectsOnceOnUnexpectedClose(t *testing.T) {
	t.Parallel()
	firstSess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript),
		FinalsCh:   make(chan stt.Transcript),
	}
	secondSess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	provider := &reconnectingProvider{sessions: []stt.SessionHandle{firstSess, secondSess}}

	a, err := pipeline.NewASRSession(context.Background(), provider, stt.StreamConfig{}, nil)
	if err != nil {
		t.Fatalf("NewASRSession: %v", err)
	}
	defer a.Close()

	close(firstSess.PartialsCh)
	close(firstSess.FinalsCh)

	secondSess.FinalsCh <- stt.Transcript{Text: "after reconnect", IsFinal: true}

	select {
	case tr := <-a.Finals():
		if tr.Text != "after reconnect" {
			t.Fatalf("unexpected final after reconnect: %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transcript after reconnect")
	}

	if calls := provider.callCount(); calls != 2 {
		t.Fatalf("want exactly 2 StartStream calls (initial + one reconnect), got %d", calls)
	}
}

func TestASRSession_CloseClosesOutputChannels(t *testing.T) {
	t.Parallel()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	provider := &sttmock.Provider{Session: sess}

	a, err := pipeline.NewASRSession(context.Background(), provider, stt.StreamConfig{}, nil)
	if err != nil {
		t.Fatalf("NewASRSession: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Fatalf("want underlying session closed exactly once, got %d", sess.CloseCallCount)
	}

	if _, ok := <-a.Partials(); ok {
		t.Fatalf("want Partials channel closed after Close")
	}
	if _, ok := <-a.Finals(); ok {
		t.Fatalf("want Finals channel closed after Close")
	}
}

// reconnectingProvider returns each session in sessions in order across
// successive StartStream calls, simulating a provider reconnect.
type reconnectingProvider struct {
	mu       sync.Mutex
	sessions []stt.SessionHandle
	calls    int
}

func (p *reconnectingProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.sessions) {
		idx = len(p.sessions) - 1
	}
	return p.sessions[idx], nil
}

func (p *reconnectingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
