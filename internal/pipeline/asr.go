package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxfold/voxfold/internal/observe"
	"github.com/voxfold/voxfold/internal/session"
	"github.com/voxfold/voxfold/pkg/provider/stt"
)

// ASRSession wraps a long-lived stt.Provider session, converting provider
// transcripts into pipeline.Transcript values and applying the at-most-one
// transparent reconnect policy via session.Reconnector across the session's
// entire lifetime, not just a single turn.
//
// The session stays open across turns; callers start a new recognition
// window per turn by reading from Partials/Finals while in TurnListening.
type ASRSession struct {
	reconnector *session.Reconnector
	metrics     *observe.Metrics

	mu         sync.Mutex
	partialsCh chan Transcript
	finalsCh   chan Transcript
	closed     bool
}

// NewASRSession opens a streaming session against provider and starts the
// goroutines that forward its Partials/Finals channels, transparently
// reconnecting once on an unexpected channel closure.
func NewASRSession(ctx context.Context, provider stt.Provider, cfg stt.StreamConfig, metrics *observe.Metrics) (*ASRSession, error) {
	reconnector := session.NewReconnector(session.ReconnectorConfig{
		Provider:     provider,
		StreamConfig: cfg,
	})

	handle, err := reconnector.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open asr session: %w", err)
	}

	a := &ASRSession{
		reconnector: reconnector,
		metrics:     metrics,
		partialsCh:  make(chan Transcript, 32),
		finalsCh:    make(chan Transcript, 32),
	}

	go a.forward(ctx, handle)
	return a, nil
}

// forward relays handle's Partials/Finals channels onto the session's
// unified output channels. If both channels close unexpectedly (not via
// Close), it attempts the one allowed transparent reconnect and resumes
// forwarding from the new handle.
func (a *ASRSession) forward(ctx context.Context, handle stt.SessionHandle) {
	partials := handle.Partials()
	finals := handle.Finals()

	for {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					a.onDisconnect(ctx, handle)
					return
				}
				continue
			}
			a.emit(a.partialsCh, toPipelineTranscript(t))

		case t, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					a.onDisconnect(ctx, handle)
					return
				}
				continue
			}
			a.emit(a.finalsCh, toPipelineTranscript(t))

		case <-ctx.Done():
			return
		}
	}
}

// onDisconnect is called when both provider channels have closed without an
// explicit Close call. It attempts one transparent reconnect and, on
// success, resumes forwarding; otherwise it tears down the session's output
// channels.
func (a *ASRSession) onDisconnect(ctx context.Context, old stt.SessionHandle) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	newHandle, err := a.reconnector.HandleInterruption(ctx, errors.New("asr session: provider channels closed unexpectedly"))
	if err != nil {
		slog.Error("asr session: reconnect failed, terminating session", "error", err)
		a.shutdown()
		return
	}

	if a.metrics != nil {
		a.metrics.ProviderReconnects.Add(ctx, 1)
	}

	a.forward(ctx, newHandle)
}

// emit sends t on dst unless the session has been closed. The closed check
// and the send happen under the same lock shutdown uses to close the
// channels, so a concurrent Close cannot close dst between the check and
// the send (which would panic).
func (a *ASRSession) emit(dst chan Transcript, t Transcript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case dst <- t:
	default:
		// Drop rather than block the provider forwarding loop; a full
		// buffer means the orchestrator is not currently listening.
	}
}

// Partials returns the unified partial-transcript stream for the lifetime of
// the session, surviving transparent reconnects.
func (a *ASRSession) Partials() <-chan Transcript {
	return a.partialsCh
}

// Finals returns the unified final-transcript stream for the lifetime of the
// session, surviving transparent reconnects.
func (a *ASRSession) Finals() <-chan Transcript {
	return a.finalsCh
}

// SendAudio forwards a chunk of raw PCM audio to the active provider
// session.
func (a *ASRSession) SendAudio(chunk []byte) error {
	handle := a.reconnector.Session()
	if handle == nil {
		return errors.New("asr session: no active provider session")
	}
	return handle.SendAudio(chunk)
}

// Flush requests an immediate final transcript for pending audio (§4.4).
func (a *ASRSession) Flush() error {
	handle := a.reconnector.Session()
	if handle == nil {
		return errors.New("asr session: no active provider session")
	}
	return handle.Flush()
}

// SetKeywords updates the active keyword boost list.
func (a *ASRSession) SetKeywords(keywords []stt.KeywordBoost) error {
	handle := a.reconnector.Session()
	if handle == nil {
		return errors.New("asr session: no active provider session")
	}
	return handle.SetKeywords(keywords)
}

// Close shuts down the underlying provider session and stops forwarding.
func (a *ASRSession) Close() error {
	a.shutdown()
	return a.reconnector.Close()
}

func (a *ASRSession) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.partialsCh)
	close(a.finalsCh)
}

// toPipelineTranscript narrows a provider stt.Transcript to the pipeline's
// leaner Transcript, dropping fields (confidence, word detail, speaker) that
// the state machine does not act on.
func toPipelineTranscript(t stt.Transcript) Transcript {
	return Transcript{
		Text:           t.Text,
		IsFinal:        t.IsFinal,
		ServerSequence: t.ServerSequence,
		StartTime:      t.StartTime,
		EndTime:        t.EndTime,
	}
}
