package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/voxfold/voxfold/internal/transcript/phonetic"
)

const (
	defaultBargeInMinChars = 2
	defaultBargeInGraceMs  = 200 * time.Millisecond
)

// defaultStopWords are short imperative phrases that should qualify as a
// barge-in even when below MinChars, since a clipped ASR partial of one of
// these ("st", "wai") is exactly the case MinChars would otherwise suppress.
var defaultStopWords = []string{"stop", "wait", "hold on", "cancel", "never mind"}

// BargeInConfig tunes [BargeInController] (§4.8).
type BargeInConfig struct {
	// MinChars is the minimum trimmed transcript length, in codepoints, that
	// qualifies a non-final ASR event as a barge-in. Default 2.
	MinChars int

	// Grace is the minimum time that must have elapsed since the start of the
	// current uninterrupted playback run (the playback's ActiveSince) before
	// a software-AEC deployment trusts an ASR event as genuine speech rather
	// than residual echo. It is not restarted by each submitted frame, so it
	// suppresses ASR events only at the onset of playback. Default 200ms.
	// Ignored when SoftwareAEC is false.
	Grace time.Duration

	// SoftwareAEC reports whether the deployment relies on in-process echo
	// cancellation rather than an AEC-capable aggregate device. When true,
	// Grace is enforced.
	SoftwareAEC bool

	// StopWords, when non-empty, are matched phonetically against each
	// transcript below MinChars so a clipped partial of an imperative like
	// "stop" still qualifies as a barge-in. Defaults to [defaultStopWords]
	// when Matcher is set and StopWords is nil.
	StopWords []string

	// Matcher enables fuzzy stop-word matching. Nil disables the feature
	// entirely — MinChars/IsFinal remain the sole qualifying predicate.
	Matcher *phonetic.Matcher
}

func (c BargeInConfig) withDefaults() BargeInConfig {
	if c.MinChars == 0 {
		c.MinChars = defaultBargeInMinChars
	}
	if c.Grace == 0 {
		c.Grace = defaultBargeInGraceMs
	}
	if c.Matcher != nil && len(c.StopWords) == 0 {
		c.StopWords = defaultStopWords
	}
	return c
}

// TurnController is the narrow write-handle BargeInController holds on the
// orchestrator. It deliberately exposes nothing beyond the one command the
// controller is authorized to issue, keeping the two components decoupled
// (§4.8, §9 "break cyclic references").
type TurnController interface {
	CurrentState() TurnState
	CancelCurrentTurn(reason CancelReason)
}

// PlaybackSignal is the narrow read-handle BargeInController holds on
// [audio.Playback].
type PlaybackSignal interface {
	ActiveSince() time.Time
}

// BargeInController watches ASR events while the assistant is speaking and
// cancels the current turn the moment the user starts talking over it
// (§4.8). Its decision is authoritative over AEC: even a total AEC failure
// only costs a terminated reply, never audio crossing into the next turn.
type BargeInController struct {
	cfg      BargeInConfig
	turns    TurnController
	playback PlaybackSignal
}

// NewBargeInController constructs a controller bound to turns and playback.
func NewBargeInController(turns TurnController, playback PlaybackSignal, cfg BargeInConfig) *BargeInController {
	return &BargeInController{
		cfg:      cfg.withDefaults(),
		turns:    turns,
		playback: playback,
	}
}

// Run consumes transcripts until ctx is cancelled or the channel closes,
// evaluating each one against the barge-in algorithm.
func (c *BargeInController) Run(ctx context.Context, transcripts <-chan Transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transcripts:
			if !ok {
				return
			}
			c.Evaluate(t)
		}
	}
}

// Evaluate applies the barge-in algorithm to a single transcript event and
// cancels the current turn if it qualifies.
func (c *BargeInController) Evaluate(t Transcript) {
	state := c.turns.CurrentState()
	if state != TurnGenerating && state != TurnSpeaking && state != TurnDraining {
		return
	}

	trimmed := strings.TrimSpace(t.Text)
	qualifies := t.IsFinal || len([]rune(trimmed)) >= c.cfg.MinChars
	if !qualifies && c.cfg.Matcher != nil {
		if _, _, matched := c.cfg.Matcher.Match(trimmed, c.cfg.StopWords); matched {
			qualifies = true
		}
	}
	if !qualifies {
		return
	}

	if c.cfg.SoftwareAEC {
		if activeSince := c.playback.ActiveSince(); !activeSince.IsZero() {
			if since := time.Since(activeSince); since < c.cfg.Grace {
				slog.Debug("bargein: suppressed, inside echo grace window",
					"since_playback_started", since, "grace", c.cfg.Grace)
				return
			}
		}
	}

	c.turns.CancelCurrentTurn(CancelReasonBargeIn)
}
