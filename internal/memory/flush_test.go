package memory

import (
	"strings"
	"testing"
	"time"
)

func TestShouldTriggerFlush(t *testing.T) {
	f := NewFlushFlow(nil)
	if !f.ShouldTriggerFlush(FlushThreshold, false) {
		t.Fatal("idle flow should flush on threshold")
	}

	f.Begin()
	if f.ShouldTriggerFlush(FlushThreshold, false) || f.ShouldTriggerFlush(FlushCompactionPending, true) {
		t.Fatal("no automatic flush while one is in progress")
	}
	if !f.ShouldTriggerFlush(FlushManual, false) || !f.ShouldTriggerFlush(FlushSessionEnd, false) {
		t.Fatal("manual and session_end always flush")
	}
	f.Complete(true)

	if f.ShouldTriggerFlush(FlushCompactionPending, true) {
		t.Fatal("pre-compaction flush runs once per cycle")
	}
	if !f.ShouldTriggerFlush(FlushThreshold, false) {
		t.Fatal("non pre-compaction threshold flush is still allowed")
	}
	f.BeginCycle()
	if !f.ShouldTriggerFlush(FlushCompactionPending, true) {
		t.Fatal("new cycle re-enables pre-compaction flush")
	}
}

func TestFlushFlow_StateTransitions(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := NewFlushFlow(func() time.Time { return at })

	f.Begin()
	f.Complete(false)
	s := f.State()
	if s.InProgress || s.FlushedThisCycle || s.FlushCount != 1 || !s.LastFlushAt.Equal(at) {
		t.Fatalf("after regular flush: %+v", s)
	}

	f.Begin()
	f.Abort()
	if s := f.State(); s.InProgress || s.FlushCount != 1 {
		t.Fatalf("abort must not count: %+v", s)
	}

	f.Begin()
	f.Complete(true)
	if s := f.State(); !s.FlushedThisCycle || s.FlushCount != 2 {
		t.Fatalf("after pre-compaction flush: %+v", s)
	}
}

func TestFlushPrompt_MentionsConvention(t *testing.T) {
	p := FlushPrompt(FlushCompactionPending, []string{"Context", "Key Decisions"})
	for _, want := range []string{"```" + UpdateFence, NoUpdateSentinel, "Key Decisions", "compacted"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestParseFlushResponse_RoundTrip(t *testing.T) {
	in := []Update{
		{Section: "Key Decisions", Content: "Use sqlite for the mailbox."},
		{Section: "Session Notes", Content: "User prefers short answers.\nFollow up on the budget."},
	}
	got, noUpdate := ParseFlushResponse("Here you go:\n\n" + FormatUpdates(in) + "\nThanks.")
	if noUpdate {
		t.Fatal("expected updates")
	}
	if len(got) != len(in) {
		t.Fatalf("got %d updates, want %d: %+v", len(got), len(in), got)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("update %d = %+v, want %+v", i, got[i], in[i])
		}
	}
}

func TestParseFlushResponse_RoundTripKeepsCodeBlocks(t *testing.T) {
	in := []Update{
		{Section: "Snippets", Content: "Use this:\n```go\nfmt.Println(1)\n```\nDone."},
		{Section: "Shell", Content: "Quote with ````md fences```` when nesting.\n```\nls -la\n```"},
		{Section: "Key Decisions", Content: "Plain text after code."},
	}
	formatted := FormatUpdates(in)
	if !strings.HasPrefix(formatted, "````"+UpdateFence+"\n") {
		t.Fatalf("fence should outgrow the inner code block:\n%s", formatted)
	}
	got, noUpdate := ParseFlushResponse("Saving now.\n\n" + formatted)
	if noUpdate || len(got) != len(in) {
		t.Fatalf("got %d updates, want %d: %+v", len(got), len(in), got)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("update %d = %+v, want %+v", i, got[i], in[i])
		}
	}
}

func TestParseFlushResponse_UnterminatedFenceRunsToEnd(t *testing.T) {
	got, _ := ParseFlushResponse("```" + UpdateFence + "\nsection: Notes\ncut off mid")
	if len(got) != 1 || got[0].Section != "Notes" || got[0].Content != "cut off mid" {
		t.Fatalf("unexpected parse %+v", got)
	}
}

func TestParseFlushResponse_Sentinel(t *testing.T) {
	for _, text := range []string{NoUpdateSentinel, "  " + NoUpdateSentinel + "\n", ""} {
		got, noUpdate := ParseFlushResponse(text)
		if !noUpdate || len(got) != 0 {
			t.Errorf("ParseFlushResponse(%q) = %+v, %v", text, got, noUpdate)
		}
	}
}

func TestParseFlushResponse_HeadingFallback(t *testing.T) {
	text := "Loose note before headings.\n\n## Key Decisions\nShip on Friday.\n\n## Open Questions\nWho owns QA?"
	got, noUpdate := ParseFlushResponse(text)
	if noUpdate || len(got) != 3 {
		t.Fatalf("unexpected parse %+v", got)
	}
	if got[0].Section != DefaultSection || got[0].Content != "Loose note before headings." {
		t.Errorf("first update = %+v", got[0])
	}
	if got[1].Section != "Key Decisions" || got[1].Content != "Ship on Friday." {
		t.Errorf("second update = %+v", got[1])
	}
	if got[2].Section != "Open Questions" {
		t.Errorf("third update = %+v", got[2])
	}
}

func TestParseFlushResponse_NoHeadingDefaultsSection(t *testing.T) {
	got, _ := ParseFlushResponse("Remember the API migration deadline.")
	if len(got) != 1 || got[0].Section != DefaultSection {
		t.Fatalf("expected default section, got %+v", got)
	}
}

func TestParseFlushResponse_FenceWithoutSection(t *testing.T) {
	got, _ := ParseFlushResponse("```" + UpdateFence + "\nbare content\n```")
	if len(got) != 1 || got[0].Section != DefaultSection || got[0].Content != "bare content" {
		t.Fatalf("unexpected parse %+v", got)
	}
}
