package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/voxfold/voxfold/pkg/audio"
	"github.com/voxfold/voxfold/pkg/provider/tts"
)

// ErrTTSSessionClosed is returned by SendText after Finish or Abort.
var ErrTTSSessionClosed = errors.New("pipeline: tts session closed")

// TTSSession adapts tts.Provider's single-call SynthesizeStream into the
// open/send/finish/abort lifecycle the turn state machine drives (§4.6): one
// session is opened per turn, fed sanitized utterances as they become
// available, and produces audio.AudioFrame values tagged with the owning
// turn so a late-arriving frame from an aborted turn can be discarded
// downstream.
type TTSSession struct {
	turnID TurnID

	ctx    context.Context
	cancel context.CancelFunc

	textCh   chan string
	framesCh chan audio.AudioFrame

	mu         sync.Mutex
	closed     bool
	sampleRate int
	channels   int
}

// OpenTTSSession starts a synthesis session for turnID against provider
// using voice. The session immediately begins consuming from its internal
// text channel; call SendText to feed sanitized utterances.
func OpenTTSSession(ctx context.Context, turnID TurnID, provider tts.Provider, voice tts.VoiceProfile) (*TTSSession, error) {
	sessCtx, cancel := context.WithCancel(ctx)

	textCh := make(chan string, 8)
	audioCh, err := provider.SynthesizeStream(sessCtx, textCh, voice)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &TTSSession{
		turnID:     turnID,
		ctx:        sessCtx,
		cancel:     cancel,
		textCh:     textCh,
		framesCh:   make(chan audio.AudioFrame, 32),
		sampleRate: voice.SampleRate,
		channels:   voice.Channels,
	}
	if s.channels == 0 {
		s.channels = 1
	}

	go s.relay(audioCh)
	return s, nil
}

// relay wraps each raw PCM chunk from the provider into an AudioFrame
// carrying the session's TurnID, closing Frames() once the provider's
// channel closes.
func (s *TTSSession) relay(audioCh <-chan []byte) {
	defer close(s.framesCh)
	for chunk := range audioCh {
		frame := audio.AudioFrame{
			Data:       chunk,
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			Format:     audio.SampleS16LE,
			TurnID:     uint64(s.turnID),
		}
		select {
		case s.framesCh <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

// SendText feeds one sanitized utterance into the synthesis pipeline.
func (s *TTSSession) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTTSSessionClosed
	}
	s.mu.Unlock()

	select {
	case s.textCh <- text:
		return nil
	case <-s.ctx.Done():
		return ErrTTSSessionClosed
	}
}

// Frames returns the channel of synthesized audio frames for this turn.
func (s *TTSSession) Frames() <-chan audio.AudioFrame {
	return s.framesCh
}

// Finish signals that no further text will be sent and lets synthesis drain
// naturally — the Frames channel closes once the provider has emitted all
// audio for text already sent.
func (s *TTSSession) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.textCh)
}

// Abort immediately tears down the session without waiting for pending
// audio to drain (§5 Cancellation: TTSSession ≤100ms). Safe to call more
// than once and after Finish.
func (s *TTSSession) Abort() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.textCh)
	}
	s.mu.Unlock()
	s.cancel()
}
