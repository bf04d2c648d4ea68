// Package pipeline holds the core data model and turn state machine shared
// by every stage of a voice conversation: audio capture and playback, ASR,
// the LLM stream, text sanitization, and barge-in detection.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role identifies the speaker of a [ConversationMessage].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnID monotonically identifies one user→assistant turn. All artifacts of
// a turn — transcripts, tokens, utterances, audio frames — carry this id so
// a stage can discard work that no longer belongs to the active turn.
type TurnID uint64

// Transcript is one ASR event: a partial or final recognition result.
//
// Invariant: within one utterance, ServerSequence is strictly increasing;
// once a sequence number has been emitted with IsFinal=true, no later
// transcript may concern the same utterance.
type Transcript struct {
	Text           string
	IsFinal        bool
	ServerSequence uint64
	StartTime      time.Duration
	EndTime        time.Duration
}

// Token is one text fragment of an LLM completion stream.
type Token struct {
	Text  string
	Index int
}

// Utterance is a sanitized phrase produced by the text sanitizer, ready to
// be sent to a TTS session or displayed on screen.
type Utterance struct {
	Text       string
	IsTerminal bool
}

// ConversationMessage is one entry of the bounded in-process history the
// orchestrator maintains across turns.
type ConversationMessage struct {
	Role   Role
	Text   string
	TurnID TurnID
}

// TurnState is a state of the per-turn state machine (§4.9).
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnListening
	TurnRecognizing
	TurnGenerating
	TurnSpeaking
	TurnDraining
	TurnCancelling
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "Idle"
	case TurnListening:
		return "Listening"
	case TurnRecognizing:
		return "Recognizing"
	case TurnGenerating:
		return "Generating"
	case TurnSpeaking:
		return "Speaking"
	case TurnDraining:
		return "Draining"
	case TurnCancelling:
		return "Cancelling"
	case TurnCompleted:
		return "Completed"
	case TurnFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CancelReason explains why a turn's [CancellationToken] was triggered.
type CancelReason string

const (
	CancelReasonBargeIn       CancelReason = "barge_in"
	CancelReasonNewTextInput  CancelReason = "new_text_input"
	CancelReasonProviderError CancelReason = "provider_error"
	CancelReasonPipelineStop  CancelReason = "pipeline_stop"

	// CancelReasonLLMTimeout and CancelReasonTTSTimeout mark a turn whose
	// CancellationToken was triggered by the first-token/first-frame
	// watchdogs in runTurn/openTTS. Unlike the reasons above, runTurn routes
	// these through failTurn with [ErrLLMTimeout]/[ErrTTSTimeout] rather than
	// cancelTurn, so they surface as a distinct Failed outcome instead of a
	// Cancelled one (§5 LLMTimeout/TTSTimeout).
	CancelReasonLLMTimeout CancelReason = "llm_timeout"
	CancelReasonTTSTimeout CancelReason = "tts_timeout"
)

// CancellationToken is a one-shot broadcast signal scoped to a single turn.
// Every stage subscribing via Done must release its external resources and
// return once the channel closes. Trigger is safe to call concurrently and
// from multiple callers; only the first call has effect.
//
// Invariant: after Trigger, no new audio frame bearing this token's TurnID
// may reach the speaker.
type CancellationToken struct {
	turnID TurnID
	once   sync.Once
	done   chan struct{}
	reason atomic.Value // CancelReason
}

// NewCancellationToken creates a token scoped to turnID.
func NewCancellationToken(turnID TurnID) *CancellationToken {
	return &CancellationToken{
		turnID: turnID,
		done:   make(chan struct{}),
	}
}

// TurnID returns the turn this token is scoped to.
func (c *CancellationToken) TurnID() TurnID { return c.turnID }

// Trigger broadcasts cancellation with reason. Non-blocking; safe to call
// more than once, only the first call is effective.
func (c *CancellationToken) Trigger(reason CancelReason) {
	c.once.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

// Done returns a channel that closes when Trigger is called.
func (c *CancellationToken) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Trigger has already been called.
func (c *CancellationToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or "" if not yet triggered.
func (c *CancellationToken) Reason() CancelReason {
	if v, ok := c.reason.Load().(CancelReason); ok {
		return v
	}
	return ""
}
