package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxfold/voxfold/pkg/provider/stt"
)

// ErrReconnectExhausted is returned when a network interruption occurs after
// a session has already used its one transparent reconnect.
var ErrReconnectExhausted = errors.New("session: transparent reconnect already used")

// Reconnector owns the lifecycle of a single STT streaming session and
// enforces the at-most-one transparent reconnect rule: on a network
// interruption it will redial the provider exactly once per session before
// surfacing the failure to the caller. Authentication and quota failures
// never trigger a reconnect attempt.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider stt.Provider
	cfg      stt.StreamConfig

	mu          sync.Mutex
	handle      stt.SessionHandle
	reconnected bool
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Provider is the STT backend used to open and re-open sessions.
	Provider stt.Provider

	// StreamConfig is passed to StartStream on every (re)connect attempt.
	StreamConfig stt.StreamConfig
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	return &Reconnector{
		provider: cfg.Provider,
		cfg:      cfg.StreamConfig,
	}
}

// Open establishes the initial STT session.
func (r *Reconnector) Open(ctx context.Context) (stt.SessionHandle, error) {
	handle, err := r.provider.StartStream(ctx, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("reconnector: initial stream open: %w", err)
	}

	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()

	return handle, nil
}

// Session returns the current session handle, or nil if none is open.
func (r *Reconnector) Session() stt.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// HandleInterruption is called when the active session's audio or event
// channel ends unexpectedly. If cause is [stt.ErrAuthFailed], or if this
// session has already reconnected once, it returns the cause (or
// [ErrReconnectExhausted]) without attempting a new connection — the caller
// should treat the turn as ASRAuthFailed / ASRFailed. Otherwise it redials
// the provider exactly once and returns the new session handle.
func (r *Reconnector) HandleInterruption(ctx context.Context, cause error) (stt.SessionHandle, error) {
	if errors.Is(cause, stt.ErrAuthFailed) {
		return nil, cause
	}

	r.mu.Lock()
	if r.reconnected {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
	}
	r.reconnected = true
	old := r.handle
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	slog.Info("stt session interrupted, attempting transparent reconnect", "cause", cause)

	handle, err := r.provider.StartStream(ctx, r.cfg)
	if err != nil {
		slog.Error("stt transparent reconnect failed", "error", err)
		return nil, fmt.Errorf("reconnector: reconnect: %w", err)
	}

	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()

	slog.Info("stt transparent reconnect succeeded")
	return handle, nil
}

// Close closes the current session, if any.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	if handle != nil {
		return handle.Close()
	}
	return nil
}
