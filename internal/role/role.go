// Package role provides the RoleConfig collaborator consumed by the pipeline
// orchestrator (§6.5): the assistant persona and soft response-shaping hints
// folded into every turn's system prompt.
package role

import (
	"fmt"
	"strings"

	"github.com/voxfold/voxfold/internal/config"
)

// Config supplies the per-turn persona the orchestrator prepends to every
// LLM request. MaxReplyChars is a soft constraint only — the orchestrator
// never truncates an in-flight stream because of it; it is surfaced to the
// model as an instruction.
type Config struct {
	// SystemPrompt is injected as the first message of every LLM request.
	SystemPrompt string

	// MaxReplyChars is a soft constraint communicated to the model; the
	// orchestrator does not enforce it.
	MaxReplyChars int

	// StyleTags bias generation style (e.g. "concise", "formal").
	StyleTags []string
}

// FromConfig adapts the YAML-loaded [config.RoleConfig] into a [Config].
func FromConfig(c config.RoleConfig) Config {
	tags := make([]string, len(c.StyleTags))
	copy(tags, c.StyleTags)
	return Config{
		SystemPrompt:  c.SystemPrompt,
		MaxReplyChars: c.MaxReplyChars,
		StyleTags:     tags,
	}
}

// RenderSystemPrompt builds the effective system prompt for one turn:
// the configured prompt, an optional soft-length hint, a style hint, and any
// memory snippets, concatenated in that order. Empty sections are omitted.
func RenderSystemPrompt(r Config, memorySnippets []string) string {
	var b strings.Builder
	b.WriteString(r.SystemPrompt)

	if r.MaxReplyChars > 0 {
		fmt.Fprintf(&b, "\n\nKeep your reply under approximately %d characters.", r.MaxReplyChars)
	}

	if len(r.StyleTags) > 0 {
		b.WriteString("\n\nStyle: ")
		b.WriteString(strings.Join(r.StyleTags, ", "))
	}

	if len(memorySnippets) > 0 {
		b.WriteString("\n\nRelevant context from earlier conversations:\n")
		for _, s := range memorySnippets {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	return b.String()
}
