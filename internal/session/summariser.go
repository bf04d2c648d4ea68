package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxfold/voxfold/pkg/provider/llm"
)

// defaultSummarisePrompt instructs the model to compress the given
// transcript excerpt into a few sentences a later turn can still act on.
const defaultSummarisePrompt = "Summarise the following conversation excerpt in 2-3 concise sentences, preserving names, decisions, and commitments. Do not add commentary."

// LLMSummariser implements [Summariser] by asking an [llm.Provider] for a
// non-streaming completion over the messages to compress.
type LLMSummariser struct {
	provider llm.Provider
	prompt   string
}

// NewLLMSummariser creates a [Summariser] backed by provider. An empty
// prompt falls back to a sensible default instruction.
func NewLLMSummariser(provider llm.Provider, prompt string) *LLMSummariser {
	if prompt == "" {
		prompt = defaultSummarisePrompt
	}
	return &LLMSummariser{provider: provider, prompt: prompt}
}

// Summarise renders messages as a flat transcript and asks the provider to
// condense it, returning the trimmed response text.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.prompt,
		Messages: []llm.Message{
			{Role: "user", Content: transcript.String()},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("llm summariser: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

var _ Summariser = (*LLMSummariser)(nil)
