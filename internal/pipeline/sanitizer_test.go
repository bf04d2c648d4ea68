package pipeline_test

import (
	"strings"
	"testing"

	"github.com/voxfold/voxfold/internal/pipeline"
)

func feedAll(t *testing.T, s *pipeline.Sanitizer, tokens []string) []pipeline.Utterance {
	t.Helper()
	var out []pipeline.Utterance
	for _, tok := range tokens {
		out = append(out, s.Feed(tok)...)
	}
	if u, ok := s.Finish(); ok {
		out = append(out, u)
	}
	return out
}

func TestSanitizer_SentenceBoundaryFlush(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{})
	got := feedAll(t, s, []string{"Hello there. ", "How are you?"})

	want := []string{"Hello there.", "How are you?"}
	if len(got) != len(want) {
		t.Fatalf("fragments: want %d, got %d (%v)", len(want), len(got), got)
	}
	for i, u := range got {
		if strings.TrimSpace(u.Text) != want[i] {
			t.Errorf("fragment[%d]: want %q, got %q", i, want[i], u.Text)
		}
	}
	if got[len(got)-1].IsTerminal {
		t.Errorf("last fragment was flushed by its terminator, not by Finish, and should not be terminal")
	}
}

func TestSanitizer_PausePunctuationRequiresMinLength(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{MinLength: 10, MaxLength: 100})

	// "Hi," is only 3 codepoints before the comma — below MinLength, so it
	// must not flush yet.
	got := s.Feed("Hi, ")
	if len(got) != 0 {
		t.Fatalf("short pause flush: want 0 fragments, got %d (%v)", len(got), got)
	}

	got = s.Feed("friend, welcome to the inn.")
	if len(got) == 0 {
		t.Fatalf("expected at least one fragment after crossing min length")
	}
}

func TestSanitizer_MaxLengthFallback(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{MinLength: 10, MaxLength: 20})

	// No sentence terminator and no qualifying pause; buffer exceeds
	// MaxLength and must flush via the hard cutoff.
	got := s.Feed(strings.Repeat("a", 25))
	if len(got) != 1 {
		t.Fatalf("max length fallback: want 1 fragment, got %d", len(got))
	}
	if len([]rune(got[0].Text)) != 20 {
		t.Errorf("max length fallback: want 20 codepoints, got %d", len([]rune(got[0].Text)))
	}
}

func TestSanitizer_StripsMarkup(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{})
	got := feedAll(t, s, []string{"**Bold** and __strong__ and `code` done."})

	if len(got) != 1 {
		t.Fatalf("want 1 fragment, got %d (%v)", len(got), got)
	}
	want := "Bold and strong and code done."
	if got[0].Text != want {
		t.Errorf("stripped text: want %q, got %q", want, got[0].Text)
	}
}

func TestSanitizer_ListItemsSegmentOnLineBreaks(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{})
	got := feedAll(t, s, []string{"**Hi** there.\n- item one\n- item two\n"})

	want := []string{"Hi there.", "item one", "item two"}
	if len(got) != len(want) {
		t.Fatalf("fragments: want %d %v, got %d %v", len(want), want, len(got), got)
	}
	for i, u := range got {
		if u.Text != want[i] {
			t.Errorf("fragment[%d]: want %q, got %q", i, want[i], u.Text)
		}
	}
}

func TestSanitizer_SuppressesBlankFragments(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{})
	got := s.Feed("**")
	if len(got) != 0 {
		t.Fatalf("want 0 fragments from unterminated markup, got %d", len(got))
	}

	u, ok := s.Finish()
	if ok {
		t.Errorf("Finish: want no fragment for blank remainder, got %+v", u)
	}
}

func TestSanitizer_FinishFlushesWithoutTerminator(t *testing.T) {
	t.Parallel()
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{})
	_ = s.Feed("no terminator here")

	u, ok := s.Finish()
	if !ok {
		t.Fatalf("Finish: want a fragment, got none")
	}
	if u.Text != "no terminator here" || !u.IsTerminal {
		t.Errorf("Finish: got %+v", u)
	}
}

func TestSanitizer_ConcatenationInvariant(t *testing.T) {
	t.Parallel()
	tokens := []string{"Once ", "upon ", "a ", "time, ", "there ", "was ", "a ", "tavern. ", "It ", "thrived."}
	s := pipeline.NewSanitizer(pipeline.SanitizerConfig{MinLength: 10, MaxLength: 100})
	got := feedAll(t, s, tokens)

	var rebuilt strings.Builder
	for _, u := range got {
		// Fragments are whitespace-trimmed, so the boundary space between
		// them is restored before comparing.
		rebuilt.WriteString(u.Text)
		rebuilt.WriteString(" ")
	}

	var wholeInput strings.Builder
	for _, tok := range tokens {
		wholeInput.WriteString(tok)
	}

	gotTrimmed := strings.Join(strings.Fields(rebuilt.String()), " ")
	wantTrimmed := strings.Join(strings.Fields(wholeInput.String()), " ")
	if gotTrimmed != wantTrimmed {
		t.Errorf("concatenation invariant: want %q, got %q", wantTrimmed, gotTrimmed)
	}
}
