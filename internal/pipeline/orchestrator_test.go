package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxfold/voxfold/internal/config"
	"github.com/voxfold/voxfold/internal/role"
	"github.com/voxfold/voxfold/pkg/audio"
	memmock "github.com/voxfold/voxfold/pkg/memory/mock"
	"github.com/voxfold/voxfold/pkg/provider/llm"
	llmmock "github.com/voxfold/voxfold/pkg/provider/llm/mock"
	"github.com/voxfold/voxfold/pkg/provider/tts"
	ttsmock "github.com/voxfold/voxfold/pkg/provider/tts/mock"
)

func testRole() role.Config {
	return role.Config{SystemPrompt: "You are a helpful assistant."}
}

func waitForOutcome(t *testing.T, ch <-chan TurnOutcome, timeout time.Duration) TurnOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(timeout):
		t.Fatal("timed out waiting for turn outcome")
		return TurnOutcome{}
	}
}

// S1: happy path text turn, no voice devices, no TTS — tokens stream in,
// assistant text lands in history, outcome is Completed.
func TestOrchestrator_SubmitText_HappyPath(t *testing.T) {
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello "},
			{Text: "there."},
			{FinishReason: "stop"},
		},
	}

	o := NewOrchestrator(llmProv, nil, tts.VoiceProfile{}, testRole())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("hi"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	outcome := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected OutcomeCompleted, got %v (err=%v)", outcome.Kind, outcome.Err)
	}
	if outcome.AssistantText != "Hello there." {
		t.Fatalf("assistant text = %q, want %q", outcome.AssistantText, "Hello there.")
	}

	if len(llmProv.StreamCalls) != 1 {
		t.Fatalf("expected 1 StreamCompletion call, got %d", len(llmProv.StreamCalls))
	}
}

// blockingProvider's StreamCompletion returns a channel that only closes
// once unblock is closed, letting tests hold a turn in Generating without
// ever producing a token.
type blockingProvider struct {
	unblock <-chan struct{}
}

func (b *blockingProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case <-b.unblock:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (b *blockingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, nil
}

func (b *blockingProvider) CountTokens(messages []llm.Message) (int, error) { return 0, nil }

func (b *blockingProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

// A second SubmitText while the first turn is still Generating cancels the
// first turn (as a barge-in would) before starting the second.
func TestOrchestrator_SubmitText_CancelsPriorTurn(t *testing.T) {
	blockCh := make(chan struct{})
	defer close(blockCh)

	slow := &blockingProvider{unblock: blockCh}
	o := NewOrchestrator(slow, nil, tts.VoiceProfile{}, testRole())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("first"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	// Give the goroutine a moment to reach Generating.
	time.Sleep(20 * time.Millisecond)
	if got := o.CurrentState(); got != TurnGenerating {
		t.Fatalf("expected TurnGenerating after first submit, got %v", got)
	}

	if err := o.SubmitText("second"); err != nil {
		t.Fatalf("second SubmitText: %v", err)
	}

	first := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if first.Kind != OutcomeCancelled {
		t.Fatalf("expected first turn cancelled, got %v", first.Kind)
	}
	if first.CancelReason != CancelReasonNewTextInput {
		t.Fatalf("expected CancelReasonNewTextInput, got %v", first.CancelReason)
	}
}

// S4: a fatal provider error mid-stream transitions the turn to Failed, and
// no assistant text is recorded.
func TestOrchestrator_ProviderError_FailsTurn(t *testing.T) {
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial "},
			{FinishReason: "error", Text: "upstream exploded"},
		},
	}

	o := NewOrchestrator(llmProv, nil, tts.VoiceProfile{}, testRole())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("hi"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	outcome := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v (err=%v)", outcome.Kind, outcome.Err)
	}
}

// S6: the LLM never produces a first token within the configured timeout —
// the turn fails distinctly with ErrLLMTimeout rather than a generic cancel.
func TestOrchestrator_LLMFirstTokenTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider := &blockingProvider{unblock: block}

	o := NewOrchestrator(provider, nil, tts.VoiceProfile{}, testRole(),
		WithTimeouts(config.TimeoutsConfig{LLMFirstTokenMillis: 30}))
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("hi"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	outcome := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed on first-token timeout, got %v (err=%v)", outcome.Kind, outcome.Err)
	}
	if !errors.Is(outcome.Err, ErrLLMTimeout) {
		t.Fatalf("expected ErrLLMTimeout, got %v", outcome.Err)
	}
}

// blockingOutputDevice is a no-op [audio.OutputDevice] that never errors,
// used to give a [audio.Playback] something to Open/Close without a real
// sound card.
type blockingOutputDevice struct{}

func (blockingOutputDevice) Open(ctx context.Context, sampleRate, channels int) error { return nil }
func (blockingOutputDevice) Close() error                                             { return nil }
func (blockingOutputDevice) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	return nil
}
func (blockingOutputDevice) Silence() error { return nil }

// S6: the TTS provider never produces a first audio frame within the
// configured timeout — the turn fails distinctly with ErrTTSTimeout.
func TestOrchestrator_TTSFirstFrameTimeout(t *testing.T) {
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there."},
			{FinishReason: "stop"},
		},
	}
	block := make(chan struct{})
	defer close(block)
	ttsProv := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{{1, 2}},
		SynthesizeDelay:  func() { <-block },
	}

	playback := audio.NewPlayback(blockingOutputDevice{}, audio.PlaybackConfig{})
	o := NewOrchestrator(llmProv, ttsProv, tts.VoiceProfile{SampleRate: 24000}, testRole(),
		WithPlaybackOnly(playback),
		WithTimeouts(config.TimeoutsConfig{TTSFirstFrameMillis: 30}))
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("hi"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	outcome := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed on first-frame timeout, got %v (err=%v)", outcome.Kind, outcome.Err)
	}
	if !errors.Is(outcome.Err, ErrTTSTimeout) {
		t.Fatalf("expected ErrTTSTimeout, got %v", outcome.Err)
	}
}

// Memory search/record are invoked around a completed turn when a store is
// configured.
func TestOrchestrator_MemoryIntegration(t *testing.T) {
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Answer."}, {FinishReason: "stop"}},
	}
	store := &memmock.Store{}

	o := NewOrchestrator(llmProv, nil, tts.VoiceProfile{}, testRole(), WithMemoryStore(store, "user-1"))
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("remember this"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	outcome := waitForOutcome(t, o.Outcomes(), 2*time.Second)
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v", outcome.Kind)
	}
	if store.CallCount("Search") != 1 {
		t.Fatalf("expected 1 Search call, got %d", store.CallCount("Search"))
	}
	if store.CallCount("RecordTurn") != 1 {
		t.Fatalf("expected 1 RecordTurn call, got %d", store.CallCount("RecordTurn"))
	}
}

func TestOrchestrator_SubmitText_RejectsBlank(t *testing.T) {
	o := NewOrchestrator(&llmmock.Provider{}, nil, tts.VoiceProfile{}, testRole())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.SubmitText("   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestOrchestrator_SubmitText_BeforeStart(t *testing.T) {
	o := NewOrchestrator(&llmmock.Provider{}, nil, tts.VoiceProfile{}, testRole())
	if err := o.SubmitText("hi"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestOrchestrator_DoubleStart(t *testing.T) {
	o := NewOrchestrator(&llmmock.Provider{}, nil, tts.VoiceProfile{}, testRole())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop(context.Background())

	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}
