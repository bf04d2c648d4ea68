package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxfold/voxfold/internal/config"
	"github.com/voxfold/voxfold/internal/observe"
	"github.com/voxfold/voxfold/internal/role"
	"github.com/voxfold/voxfold/internal/session"
	"github.com/voxfold/voxfold/pkg/audio"
	"github.com/voxfold/voxfold/pkg/memory"
	"github.com/voxfold/voxfold/pkg/provider/llm"
	"github.com/voxfold/voxfold/pkg/provider/stt"
	"github.com/voxfold/voxfold/pkg/provider/tts"
)

// ErrAlreadyStarted is returned by [Orchestrator.Start] when the pipeline is
// already running.
var ErrAlreadyStarted = errors.New("pipeline: already started")

// ErrNotStarted is returned by [Orchestrator.SubmitText] before [Orchestrator.Start].
var ErrNotStarted = errors.New("pipeline: not started")

// ErrEmptyInput is returned by [Orchestrator.SubmitText] for blank text.
var ErrEmptyInput = errors.New("pipeline: empty text input")

// ErrLLMTimeout is the [TurnOutcome.Err] when the LLM stream produces no
// token within the first-token timeout (§5 LLMTimeout).
var ErrLLMTimeout = errors.New("pipeline: llm first-token timeout")

// ErrTTSTimeout is the [TurnOutcome.Err] when the TTS provider produces no
// audio within the first-frame timeout (§5 TTSTimeout).
var ErrTTSTimeout = errors.New("pipeline: tts first-frame timeout")

const (
	defaultHistoryLimit  = 20
	defaultMemoryLimit   = 5
	defaultTemperature   = 0.7
	statusChannelDepth   = 8
	stopShutdownBudget   = 2 * time.Second
	defaultASRFinalWait  = 8 * time.Second
	defaultLLMFirstToken = 10 * time.Second
	defaultTTSFirstFrame = 3 * time.Second
	defaultTTSDegraded   = 800 * time.Millisecond
	defaultMemoryBudget  = 500 * time.Millisecond
)

// OutcomeKind categorizes how a turn ended (§9 "explicit TurnOutcome result
// type").
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeCancelled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TurnOutcome is the terminal result of one turn, delivered on the
// orchestrator's status channel (§7). Exactly one of CancelReason/Err is
// meaningful, selected by Kind.
type TurnOutcome struct {
	TurnID        TurnID
	Kind          OutcomeKind
	CancelReason  CancelReason
	Err           error
	UserText      string
	AssistantText string
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithMemoryStore attaches a memory.Store consulted before every turn's
// LLM open and updated after every Completed turn (§6.4).
func WithMemoryStore(store memory.Store, userID string) Option {
	return func(o *Orchestrator) {
		o.memory = store
		o.userID = userID
	}
}

// WithToolExecutor enables tool-call restart (§9 Supplemented Features).
func WithToolExecutor(executor ToolExecutor) Option {
	return func(o *Orchestrator) { o.toolExecutor = executor }
}

// WithContextManager supplements the hard history cap with token-budget-aware
// summarization.
func WithContextManager(cm *session.ContextManager) Option {
	return func(o *Orchestrator) { o.contextMgr = cm }
}

// WithMetrics attaches an [observe.Metrics] instance. If omitted, metrics
// calls are skipped entirely rather than falling back to a no-op recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTimeouts overrides the per-stage deadlines of §5. Zero fields fall back
// to the package defaults.
func WithTimeouts(t config.TimeoutsConfig) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

// WithBargeInConfig tunes the barge-in predicate (§4.8).
func WithBargeInConfig(c BargeInConfig) Option {
	return func(o *Orchestrator) { o.bargeInCfg = c }
}

// WithHistoryLimit overrides the hard cap on retained ConversationMessages.
// Default 20.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithVoice enables voice mode: an ASR provider/session, a capture device,
// and a playback device. Without this option the orchestrator only accepts
// input via [Orchestrator.SubmitText]; replies are spoken only if a TTS
// provider is configured and a playback device is attached with
// [WithPlaybackOnly].
func WithVoice(sttProvider stt.Provider, sttCfg stt.StreamConfig, capture *audio.Capture, playback *audio.Playback) Option {
	return func(o *Orchestrator) {
		o.sttProvider = sttProvider
		o.sttCfg = sttCfg
		o.capture = capture
		o.playback = playback
		o.voiceEnabled = true
	}
}

// WithPlaybackOnly attaches just a playback device, for deployments that want
// spoken replies to typed input without a microphone.
func WithPlaybackOnly(playback *audio.Playback) Option {
	return func(o *Orchestrator) { o.playback = playback }
}

// WithAEC attaches a software AEC processor; callers must also supply a
// reference tap source via [WithVoice]'s playback device. Reference frames
// are converted to the processor's configured rate/channel count (via
// [audio.FormatConverter]) before being fed into its delay line, since
// playback commonly runs at the TTS provider's rate (e.g. 24kHz) while AEC
// operates at 16kHz mono (§4.3).
func WithAEC(proc *audio.AECProcessor) Option {
	return func(o *Orchestrator) {
		o.aec = proc
		o.refConv = &audio.FormatConverter{Target: proc.ReferenceFormat()}
	}
}

// Orchestrator owns the turn state machine of §4.9: it wires ASR, the LLM
// stream, the sanitizer, a TTS session, barge-in detection, and playback
// into one supervised pipeline, enforcing invariants I1-I5.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	llmProvider llm.Provider
	ttsProvider tts.Provider
	voice       tts.VoiceProfile
	roleCfg     role.Config

	memory       memory.Store
	userID       string
	toolExecutor ToolExecutor
	contextMgr   *session.ContextManager
	metrics      *observe.Metrics
	timeouts     config.TimeoutsConfig
	bargeInCfg   BargeInConfig
	historyLimit int

	sttProvider  stt.Provider
	sttCfg       stt.StreamConfig
	capture      *audio.Capture
	playback     *audio.Playback
	aec          *audio.AECProcessor
	refConv      *audio.FormatConverter
	voiceEnabled bool

	asrSession *ASRSession
	bargein    *BargeInController

	turnCounter atomic.Uint64

	mu            sync.Mutex
	started       bool
	state         TurnState
	currentTurn   TurnID
	currentCancel *CancellationToken
	history       []ConversationMessage
	asrFinalTimer *time.Timer

	runCtx    context.Context
	runCancel context.CancelFunc
	eg        *errgroup.Group
	wg        sync.WaitGroup

	statusCh chan TurnOutcome
}

// NewOrchestrator constructs an Orchestrator. llmProvider is required; tts
// may be nil for a text-only deployment with no spoken output. Use
// [WithVoice] to enable microphone input.
func NewOrchestrator(llmProvider llm.Provider, ttsProvider tts.Provider, voice tts.VoiceProfile, roleCfg role.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llmProvider:  llmProvider,
		ttsProvider:  ttsProvider,
		voice:        voice,
		roleCfg:      roleCfg,
		historyLimit: defaultHistoryLimit,
		statusCh:     make(chan TurnOutcome, statusChannelDepth),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Outcomes returns the read-only status channel of terminal [TurnOutcome]
// values (§7). Callers should drain it continuously; a full buffer causes
// new outcomes to be dropped with a logged warning rather than blocking the
// pipeline.
func (o *Orchestrator) Outcomes() <-chan TurnOutcome {
	return o.statusCh
}

// Start brings up every configured stage: in voice mode, the capture
// device, the playback device, a long-lived ASR session, and the capture/
// ASR-event/reference-tap supervisory tasks. Returns [ErrAlreadyStarted] if
// already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.runCancel = cancel
	o.started = true
	o.state = TurnIdle
	o.mu.Unlock()

	if !o.voiceEnabled && o.playback == nil {
		return nil
	}

	if o.playback != nil {
		if err := o.playback.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("pipeline: start playback: %w", err)
		}
	}

	if !o.voiceEnabled {
		return nil
	}

	if err := o.capture.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("pipeline: start capture: %w", err)
	}

	asrSess, err := NewASRSession(runCtx, o.sttProvider, o.sttCfg, o.metrics)
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: start asr session: %w", err)
	}
	o.asrSession = asrSess
	o.bargein = NewBargeInController(o, o.playback, o.bargeInCfg)

	egCtx, g := newSupervisorGroup(runCtx)
	o.eg = g
	g.Go(func() error { o.captureLoop(egCtx); return nil })
	if o.aec != nil {
		g.Go(func() error { o.refTapLoop(egCtx); return nil })
	}
	g.Go(func() error { o.asrEventLoop(egCtx); return nil })

	return nil
}

// newSupervisorGroup is a thin wrapper so the errgroup import has a single
// call site that is easy to point to in review.
func newSupervisorGroup(ctx context.Context) (context.Context, *errgroup.Group) {
	g, egCtx := errgroup.WithContext(ctx)
	return egCtx, g
}

// Stop gracefully shuts down the pipeline: cancels every in-flight turn,
// waits up to 2s for the stage supervisors to acknowledge, then releases the
// capture/playback devices and closes the ASR session (§6.6).
func (o *Orchestrator) Stop(context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.runCancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		if o.eg != nil {
			_ = o.eg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopShutdownBudget):
		slog.Warn("pipeline stop: stage shutdown exceeded budget", "budget", stopShutdownBudget)
	}

	var errs []error
	if o.asrSession != nil {
		if err := o.asrSession.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.capture != nil {
		if err := o.capture.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.playback != nil {
		if err := o.playback.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubmitText starts a turn from typed input (§6.6). If a turn is already
// active, the previous one is cancelled exactly as a barge-in would cancel
// it, then the new turn begins.
func (o *Orchestrator) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	state := o.state
	runCtx := o.runCtx
	o.mu.Unlock()

	if state != TurnIdle {
		o.CancelCurrentTurn(CancelReasonNewTextInput)
	}

	turnID := o.nextTurnID()
	token := NewCancellationToken(turnID)
	o.mu.Lock()
	o.currentTurn = turnID
	o.currentCancel = token
	o.state = TurnGenerating
	o.mu.Unlock()

	o.recordTurnStarted()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTurn(runCtx, turnID, token, text)
	}()
	return nil
}

// CurrentState implements [TurnController] for [BargeInController].
func (o *Orchestrator) CurrentState() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CancelCurrentTurn implements [TurnController]. It is idempotent: calling
// it when no turn is active, or the active turn is already tearing down, is
// a no-op (§8 "Repeated BargeIn during Cancelling is a no-op").
func (o *Orchestrator) CancelCurrentTurn(reason CancelReason) {
	o.mu.Lock()
	token := o.currentCancel
	state := o.state
	o.mu.Unlock()

	switch state {
	case TurnIdle, TurnCompleted, TurnFailed, TurnCancelling:
		return
	}
	if token == nil {
		return
	}
	token.Trigger(reason)
}

// nextTurnID returns the next monotonic [TurnID]. Thread-safe.
func (o *Orchestrator) nextTurnID() TurnID {
	return TurnID(o.turnCounter.Add(1))
}

// recordTurnStarted increments the started/active-turn counters, if metrics
// are configured.
func (o *Orchestrator) recordTurnStarted() {
	if o.metrics == nil {
		return
	}
	ctx := context.Background()
	o.metrics.TurnsStarted.Add(ctx, 1)
	o.metrics.ActiveTurn.Add(ctx, 1)
}

// ─── Voice-mode supervisory loops ──────────────────────────────────────────

// captureLoop relays AudioCapture frames into the ASR session, applying
// software AEC first when configured (§4.1, §4.3).
func (o *Orchestrator) captureLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-o.capture.Frames():
			if !ok {
				return
			}
			if o.aec != nil {
				frame = o.aec.Process(frame)
			}
			if err := o.asrSession.SendAudio(frame.Data); err != nil {
				slog.Warn("pipeline: send audio to asr failed", "error", err)
			}
		}
	}
}

// refTapLoop feeds Playback's reference tap into the AEC delay line so the
// software AEC path can cancel the assistant's own voice (§4.3).
func (o *Orchestrator) refTapLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-o.playback.ReferenceTap():
			if !ok {
				return
			}
			if o.refConv != nil {
				frame = o.refConv.Convert(frame)
			}
			if len(frame.Data) == 0 {
				continue
			}
			o.aec.FeedReference(frame)
		}
	}
}

// asrEventLoop is the single consumer of the long-lived ASR session's
// Partials/Finals channels, dispatching each event to either the Idle→
// Listening detector, the Recognizing transition, or [BargeInController].
func (o *Orchestrator) asrEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-o.asrSession.Partials():
			if !ok {
				return
			}
			o.handlePartial(t)
		case t, ok := <-o.asrSession.Finals():
			if !ok {
				return
			}
			o.handleFinal(ctx, t)
		}
	}
}

// handlePartial routes a non-final ASR event: opens a new Listening turn
// from Idle, extends the current turn's ASR-final timeout, or forwards to
// the barge-in controller while the assistant is talking.
func (o *Orchestrator) handlePartial(t Transcript) {
	state := o.CurrentState()
	switch state {
	case TurnIdle:
		if strings.TrimSpace(t.Text) == "" {
			return
		}
		o.beginListeningTurn()
	case TurnListening:
		o.mu.Lock()
		turnID := o.currentTurn
		o.mu.Unlock()
		o.resetASRFinalTimeout(turnID)
	case TurnGenerating, TurnSpeaking, TurnDraining:
		o.bargein.Evaluate(t)
	}
}

// handleFinal routes a final ASR event: completes the Listening→Recognizing
// transition and launches the turn, or — while the assistant is talking —
// forwards to the barge-in controller (a final also qualifies, §4.8).
func (o *Orchestrator) handleFinal(ctx context.Context, t Transcript) {
	state := o.CurrentState()
	switch state {
	case TurnListening:
		o.mu.Lock()
		turnID := o.currentTurn
		token := o.currentCancel
		if o.asrFinalTimer != nil {
			o.asrFinalTimer.Stop()
		}
		o.state = TurnRecognizing
		o.mu.Unlock()

		text := strings.TrimSpace(t.Text)
		if text == "" {
			o.completeEmptyTurn(turnID)
			return
		}

		o.transition(TurnGenerating)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runTurn(ctx, turnID, token, text)
		}()
	case TurnGenerating, TurnSpeaking, TurnDraining:
		o.bargein.Evaluate(t)
	}
}

// beginListeningTurn allocates a new TurnID and enters Listening. This is
// the voice-mode equivalent of the Idle→Listening row of §4.9's state table.
func (o *Orchestrator) beginListeningTurn() {
	turnID := o.nextTurnID()
	token := NewCancellationToken(turnID)

	o.mu.Lock()
	o.currentTurn = turnID
	o.currentCancel = token
	o.state = TurnListening
	o.mu.Unlock()

	o.recordTurnStarted()
	slog.Info("pipeline: turn listening", "turn_id", turnID)
	o.resetASRFinalTimeout(turnID)
}

// resetASRFinalTimeout (re)arms the ASR final timeout: if no final
// transcript arrives within asr_final_timeout_ms, the session is flushed to
// force one (§5 Timeouts).
func (o *Orchestrator) resetASRFinalTimeout(turnID TurnID) {
	d := o.millis(o.timeouts.ASRFinalMillis, defaultASRFinalWait)

	o.mu.Lock()
	if o.asrFinalTimer != nil {
		o.asrFinalTimer.Stop()
	}
	o.asrFinalTimer = time.AfterFunc(d, func() {
		if o.CurrentState() != TurnListening {
			return
		}
		o.mu.Lock()
		active := o.currentTurn == turnID
		o.mu.Unlock()
		if !active {
			return
		}
		slog.Warn("pipeline: asr final timeout, forcing flush", "turn_id", turnID)
		if err := o.asrSession.Flush(); err != nil {
			slog.Error("pipeline: asr flush failed", "turn_id", turnID, "error", err)
		}
	})
	o.mu.Unlock()
}

// completeEmptyTurn collapses a turn straight to Idle without invoking the
// LLM, TTS, or MemoryStore (§8 boundary behavior: all-whitespace utterance).
func (o *Orchestrator) completeEmptyTurn(turnID TurnID) {
	o.mu.Lock()
	if o.currentTurn == turnID {
		o.state = TurnIdle
	}
	o.mu.Unlock()

	slog.Debug("pipeline: turn collapsed, empty transcript", "turn_id", turnID)
	if o.metrics != nil {
		o.metrics.ActiveTurn.Add(context.Background(), -1)
	}
}

// transition updates the turn state under lock and logs the edge.
func (o *Orchestrator) transition(s TurnState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	slog.Debug("pipeline: turn state transition", "from", prev.String(), "to", s.String())
}

// ─── Turn execution ────────────────────────────────────────────────────────

// runTurn drives one turn through Generating → Speaking → Draining →
// Completed, or to Cancelling/Failed, per the state table of §4.9. It is
// launched as its own goroutine by [Orchestrator.SubmitText] or
// [Orchestrator.handleFinal]; at most one is conceptually "current" at a
// time, though a barge-in-cancelled turn's goroutine may still be
// unwinding when the next one starts (I5).
func (o *Orchestrator) runTurn(parent context.Context, turnID TurnID, token *CancellationToken, userText string) {
	turnCtx, turnCancel := context.WithCancel(parent)
	defer turnCancel()

	traceID := uuid.New()
	start := time.Now()
	slog.Info("pipeline: turn started", "turn_id", turnID, "trace_id", traceID, "user_text", userText)

	go func() {
		select {
		case <-token.Done():
			turnCancel()
		case <-turnCtx.Done():
		}
	}()

	o.appendHistory(RoleUser, userText, turnID)
	if o.contextMgr != nil {
		_ = o.contextMgr.AddMessages(turnCtx, llm.Message{Role: "user", Content: userText})
	}

	snippets := o.searchMemory(turnCtx, userText)
	req := llm.CompletionRequest{
		SystemPrompt: role.RenderSystemPrompt(o.roleCfg, snippets),
		Messages:     o.buildMessages(),
		Temperature:  defaultTemperature,
	}

	stream := NewLLMStream(o.llmProvider, o.toolExecutor)
	events := stream.Open(turnCtx, req)

	sanitizer := NewSanitizer(SanitizerConfig{})

	var (
		assistantText  strings.Builder
		ttsSess        *TTSSession
		ttsFramesDone  <-chan struct{}
		firstTokenSeen atomic.Bool
	)

	firstTokenTimer := time.AfterFunc(o.millis(o.timeouts.LLMFirstTokenMillis, defaultLLMFirstToken), func() {
		if firstTokenSeen.Load() {
			return
		}
		slog.Warn("pipeline: llm first-token timeout", "turn_id", turnID)
		token.Trigger(CancelReasonLLMTimeout)
	})
	defer firstTokenTimer.Stop()

	var streamErr error

eventLoop:
	for {
		select {
		case <-turnCtx.Done():
			break eventLoop
		case ev, ok := <-events:
			if !ok {
				break eventLoop
			}
			if !firstTokenSeen.Load() && (ev.Token.Text != "" || ev.Done) {
				firstTokenSeen.Store(true)
				firstTokenTimer.Stop()
			}
			if ev.Token.Text != "" {
				assistantText.WriteString(ev.Token.Text)
				for _, u := range sanitizer.Feed(ev.Token.Text) {
					if ttsSess == nil {
						ttsSess, ttsFramesDone = o.openTTS(turnCtx, turnID, token)
					}
					if ttsSess != nil {
						if err := ttsSess.SendText(u.Text); err != nil {
							slog.Warn("pipeline: tts send_text failed", "turn_id", turnID, "error", err)
						}
					}
				}
			}
			if ev.Err != nil {
				streamErr = ev.Err
				break eventLoop
			}
			if ev.Done {
				break eventLoop
			}
		}
	}

	if streamErr != nil {
		o.failTurn(turnID, ttsSess, streamErr)
		return
	}

	if turnCtx.Err() != nil {
		o.endTurnOnCancel(turnID, token, ttsSess)
		return
	}

	if u, ok := sanitizer.Finish(); ok {
		if ttsSess == nil {
			ttsSess, ttsFramesDone = o.openTTS(turnCtx, turnID, token)
		}
		if ttsSess != nil {
			if err := ttsSess.SendText(u.Text); err != nil {
				slog.Warn("pipeline: tts send_text failed", "turn_id", turnID, "error", err)
			}
		}
	}

	o.transition(TurnDraining)
	if ttsSess != nil {
		ttsSess.Finish()
		if ttsFramesDone != nil {
			select {
			case <-ttsFramesDone:
			case <-turnCtx.Done():
			}
		}
		if o.playback != nil {
			if err := o.playback.Flush(turnCtx); err != nil && turnCtx.Err() == nil {
				slog.Warn("pipeline: playback flush failed", "turn_id", turnID, "error", err)
			}
		}
	}

	if turnCtx.Err() != nil {
		o.endTurnOnCancel(turnID, token, ttsSess)
		return
	}

	o.completeTurn(turnID, userText, assistantText.String(), start)
}

// endTurnOnCancel tears down a turn whose turnCtx was cancelled, routing to
// failTurn with a distinct sentinel error for the first-token/first-frame
// watchdog reasons (§5 LLMTimeout/TTSTimeout) and to cancelTurn for every
// other reason (barge-in, new text input, pipeline stop).
func (o *Orchestrator) endTurnOnCancel(turnID TurnID, token *CancellationToken, ttsSess *TTSSession) {
	switch token.Reason() {
	case CancelReasonLLMTimeout:
		o.failTurn(turnID, ttsSess, ErrLLMTimeout)
	case CancelReasonTTSTimeout:
		o.failTurn(turnID, ttsSess, ErrTTSTimeout)
	default:
		o.cancelTurn(turnID, token, ttsSess)
	}
}

// openTTS opens a TTSSession for turnID the first time the sanitizer
// produces an Utterance, transitioning Generating→Speaking, and starts the
// goroutine relaying synthesized frames to Playback. Returns (nil, nil) when
// no TTS provider or playback device is configured — the turn's tokens are
// still consumed into history, just never spoken (§4.9 tie-break). token is
// triggered with [CancelReasonTTSTimeout] if no audio frame arrives within
// the TTS first-frame timeout (§5, TTSTimeout).
func (o *Orchestrator) openTTS(ctx context.Context, turnID TurnID, token *CancellationToken) (*TTSSession, <-chan struct{}) {
	if o.ttsProvider == nil || o.playback == nil {
		return nil, nil
	}

	sess, err := OpenTTSSession(ctx, turnID, o.ttsProvider, o.voice)
	if err != nil {
		slog.Error("pipeline: tts session open failed", "turn_id", turnID, "error", err)
		return nil, nil
	}
	o.transition(TurnSpeaking)

	done := make(chan struct{})
	firstFrame := make(chan struct{})
	go func() {
		defer close(done)
		seenFirst := false
		for frame := range sess.Frames() {
			if !seenFirst {
				seenFirst = true
				close(firstFrame)
			}
			if err := o.playback.Submit(ctx, frame); err != nil {
				return
			}
		}
	}()
	go func() {
		degraded := time.NewTimer(defaultTTSDegraded)
		defer degraded.Stop()
		timeout := time.NewTimer(o.millis(o.timeouts.TTSFirstFrameMillis, defaultTTSFirstFrame))
		defer timeout.Stop()
		for {
			select {
			case <-firstFrame:
				return
			case <-degraded.C:
				slog.Warn("pipeline: tts first-frame degraded", "turn_id", turnID, "threshold", defaultTTSDegraded)
			case <-timeout.C:
				slog.Error("pipeline: tts first-frame timeout, aborting turn", "turn_id", turnID)
				token.Trigger(CancelReasonTTSTimeout)
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return sess, done
}

// completeTurn finalizes a successful turn: appends the assistant message to
// history, records it in the context manager and memory store, and emits
// the terminal [TurnOutcome] (§4.9 Draining→Completed, I3, I4).
func (o *Orchestrator) completeTurn(turnID TurnID, userText, assistantText string, start time.Time) {
	if assistantText != "" {
		o.appendHistory(RoleAssistant, assistantText, turnID)
		if o.contextMgr != nil {
			_ = o.contextMgr.AddMessages(context.Background(), llm.Message{Role: "assistant", Content: assistantText})
		}
	}
	o.recordMemory(context.Background(), userText, assistantText)

	o.finishTurn(turnID, start)
	slog.Info("pipeline: turn completed", "turn_id", turnID)
	if o.metrics != nil {
		o.metrics.TurnsCompleted.Add(context.Background(), 1)
	}
	o.emit(TurnOutcome{TurnID: turnID, Kind: OutcomeCompleted, UserText: userText, AssistantText: assistantText})
}

// cancelTurn tears down an in-flight turn cancelled by barge-in, new text
// input, or pipeline shutdown (§4.9 Cancelling). No assistant message
// reaches history (I3).
func (o *Orchestrator) cancelTurn(turnID TurnID, token *CancellationToken, ttsSess *TTSSession) {
	o.transition(TurnCancelling)
	if ttsSess != nil {
		ttsSess.Abort()
	}
	if o.playback != nil {
		_ = o.playback.Abort()
	}

	reason := token.Reason()
	if reason == "" {
		// Stop cancels the run context without triggering the token.
		reason = CancelReasonPipelineStop
	}
	slog.Info("pipeline: turn cancelled", "turn_id", turnID, "reason", reason)
	if o.metrics != nil {
		o.metrics.RecordTurnCancelled(context.Background(), string(reason))
	}

	o.finishTurn(turnID, time.Time{})
	o.emit(TurnOutcome{TurnID: turnID, Kind: OutcomeCancelled, CancelReason: reason})
}

// failTurn tears down a turn that hit a fatal provider error (§4.9 "any →
// fatal provider error → Failed"). The user message stays in history; no
// assistant message is added.
func (o *Orchestrator) failTurn(turnID TurnID, ttsSess *TTSSession, err error) {
	o.transition(TurnFailed)
	if ttsSess != nil {
		ttsSess.Abort()
	}
	if o.playback != nil {
		_ = o.playback.Abort()
	}

	slog.Error("pipeline: turn failed", "turn_id", turnID, "error", err)
	if o.metrics != nil {
		o.metrics.TurnsFailed.Add(context.Background(), 1)
	}

	o.finishTurn(turnID, time.Time{})
	o.emit(TurnOutcome{TurnID: turnID, Kind: OutcomeFailed, Err: err})
}

// finishTurn returns the state machine to Idle (unless a newer turn has
// already claimed ownership, which can happen under I5's barge-in overlap)
// and records turn-latency/active-turn metrics.
func (o *Orchestrator) finishTurn(turnID TurnID, start time.Time) {
	o.mu.Lock()
	if o.currentTurn == turnID {
		o.state = TurnIdle
	}
	o.mu.Unlock()

	if o.metrics == nil {
		return
	}
	ctx := context.Background()
	o.metrics.ActiveTurn.Add(ctx, -1)
	if !start.IsZero() {
		o.metrics.TurnLatency.Record(ctx, time.Since(start).Seconds())
	}
}

// emit delivers outcome on the status channel without blocking the turn's
// goroutine; a full channel drops the outcome with a logged warning.
func (o *Orchestrator) emit(outcome TurnOutcome) {
	select {
	case o.statusCh <- outcome:
	default:
		slog.Warn("pipeline: status channel full, dropping turn outcome", "turn_id", outcome.TurnID, "kind", outcome.Kind)
	}
}

// ─── History, context, and memory plumbing ─────────────────────────────────

// appendHistory records msg under the hard K-message cap (§6.6 "bounded
// in-process history"). Blank text is never recorded.
func (o *Orchestrator) appendHistory(r Role, text string, turnID TurnID) {
	if text == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, ConversationMessage{Role: r, Text: text, TurnID: turnID})
	if len(o.history) > o.historyLimit {
		o.history = o.history[len(o.history)-o.historyLimit:]
	}
}

// buildMessages returns the conversation history as an [llm.Message] slice.
// When a [session.ContextManager] is configured it supersedes the raw
// history (it already tracks everything AddMessages has seen, plus any
// accumulated summaries); otherwise the capped in-process history is used
// directly.
func (o *Orchestrator) buildMessages() []llm.Message {
	if o.contextMgr != nil {
		return o.contextMgr.Messages()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := make([]llm.Message, len(o.history))
	for i, m := range o.history {
		msgs[i] = llm.Message{Role: string(m.Role), Content: m.Text}
	}
	return msgs
}

// searchMemory queries the configured MemoryStore under the configured
// deadline, treating a timeout as an empty result rather than a fatal error
// (§6.4).
func (o *Orchestrator) searchMemory(ctx context.Context, queryText string) []string {
	if o.memory == nil {
		return nil
	}
	searchCtx, cancel := context.WithTimeout(ctx, o.millis(o.timeouts.MemoryDeadlineMillis, defaultMemoryBudget))
	defer cancel()

	snippets, err := o.memory.Search(searchCtx, queryText, o.userID, defaultMemoryLimit)
	o.recordMemoryOutcome("search", err)
	if err != nil {
		slog.Warn("pipeline: memory search failed", "error", err)
		return nil
	}
	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = s.Text
	}
	return texts
}

// recordMemory persists a completed turn's text (§6.4 record_turn, I4: at
// most once per successful turn).
func (o *Orchestrator) recordMemory(ctx context.Context, userText, assistantText string) {
	if o.memory == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, o.millis(o.timeouts.MemoryDeadlineMillis, defaultMemoryBudget))
	defer cancel()

	err := o.memory.RecordTurn(recCtx, o.userID, userText, assistantText)
	o.recordMemoryOutcome("record_turn", err)
	if err != nil {
		slog.Warn("pipeline: memory record_turn failed", "error", err)
	}
}

func (o *Orchestrator) recordMemoryOutcome(method string, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "deadline_exceeded"
	case err != nil:
		outcome = "error"
	}
	o.metrics.RecordMemoryCall(context.Background(), method, outcome)
}

// millis converts a configured millisecond value to a Duration, falling
// back to def when unset.
func (o *Orchestrator) millis(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

// Compile-time assertions that Orchestrator satisfies the narrow handles
// [BargeInController] depends on.
var _ TurnController = (*Orchestrator)(nil)
