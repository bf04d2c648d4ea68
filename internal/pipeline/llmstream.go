package pipeline

import (
	"context"
	"errors"

	"github.com/voxfold/voxfold/pkg/provider/llm"
)

// LLMEvent is one item produced by an [LLMStream]. Exactly one of Token,
// ToolCalls, or Err is meaningful per event; Done marks the final event of
// the stream (successful or not).
type LLMEvent struct {
	Token     Token
	ToolCalls []llm.ToolCall
	Err       error
	Done      bool
}

// ToolExecutor runs a single tool call requested by the model and returns
// its textual result, which is appended to the conversation as a "tool"
// role message before the completion is restarted.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) (result string, err error)
}

// LLMStream drives one or more chained llm.Provider.StreamCompletion calls
// for a single turn, restarting the request whenever the model asks to call
// a tool so that, from the orchestrator's point of view, a turn with tool
// calls looks like one continuous token stream.
type LLMStream struct {
	provider llm.Provider
	executor ToolExecutor
}

// NewLLMStream creates an LLMStream. executor may be nil, in which case a
// model's tool-call request surfaces as a Done event carrying llm.ErrFailed
// rather than being silently dropped.
func NewLLMStream(provider llm.Provider, executor ToolExecutor) *LLMStream {
	return &LLMStream{provider: provider, executor: executor}
}

// Open starts generation for req and returns a channel of LLMEvent values.
// The channel is closed after the final event. Open never blocks; all
// provider interaction happens in a background goroutine that exits
// promptly when ctx is cancelled.
func (s *LLMStream) Open(ctx context.Context, req llm.CompletionRequest) <-chan LLMEvent {
	out := make(chan LLMEvent, 32)
	go s.run(ctx, req, out)
	return out
}

func (s *LLMStream) run(ctx context.Context, req llm.CompletionRequest, out chan<- LLMEvent) {
	defer close(out)

	tokenIndex := 0
	for {
		chunks, err := s.provider.StreamCompletion(ctx, req)
		if err != nil {
			s.send(ctx, out, LLMEvent{Err: errJoin(llm.ErrFailed, err), Done: true})
			return
		}

		var (
			pendingToolCalls []llm.ToolCall
			sawAnyToken      bool
			streamErr        error
		)

	drain:
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				streamErr = errors.New(chunk.Text)
				continue
			}
			if chunk.Text != "" {
				sawAnyToken = true
				if !s.send(ctx, out, LLMEvent{Token: Token{Text: chunk.Text, Index: tokenIndex}}) {
					return
				}
				tokenIndex++
			}
			if len(chunk.ToolCalls) > 0 {
				pendingToolCalls = chunk.ToolCalls
			}
			select {
			case <-ctx.Done():
				break drain
			default:
			}
		}

		if streamErr != nil {
			if sawAnyToken {
				s.send(ctx, out, LLMEvent{Err: errJoin(llm.ErrInterrupted, streamErr), Done: true})
			} else {
				s.send(ctx, out, LLMEvent{Err: errJoin(llm.ErrFailed, streamErr), Done: true})
			}
			return
		}

		if len(pendingToolCalls) == 0 {
			s.send(ctx, out, LLMEvent{Done: true})
			return
		}

		if s.executor == nil {
			s.send(ctx, out, LLMEvent{Err: errJoin(llm.ErrFailed, errors.New("llmstream: model requested a tool call but no executor is configured")), Done: true})
			return
		}

		if !s.send(ctx, out, LLMEvent{ToolCalls: pendingToolCalls}) {
			return
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      "assistant",
			ToolCalls: pendingToolCalls,
		})
		for _, call := range pendingToolCalls {
			result, execErr := s.executor.Execute(ctx, call)
			if execErr != nil {
				result = "error: " + execErr.Error()
			}
			req.Messages = append(req.Messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		// loop continues: restart the completion as a continuation of this turn.
	}
}

// send delivers ev unless ctx is cancelled first. Returns false if the
// caller should stop (ctx was cancelled).
func (s *LLMStream) send(ctx context.Context, out chan<- LLMEvent, ev LLMEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// errJoin wraps cause as sentinel so callers can errors.Is against it while
// still seeing the underlying message.
func errJoin(sentinel, cause error) error {
	return &sentinelError{sentinel: sentinel, cause: cause}
}

type sentinelError struct {
	sentinel error
	cause    error
}

func (e *sentinelError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *sentinelError) Is(target error) bool { return target == e.sentinel }
func (e *sentinelError) Unwrap() error { return e.cause }
