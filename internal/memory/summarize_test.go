package memory

import (
	"context"
	"strings"
	"testing"
)

func TestStaticSummarizer(t *testing.T) {
	s := &StaticSummarizer{MaxLineLen: 10, MaxLines: 2}
	out, err := s.Summarize(context.Background(), []WindowMessage{
		{Role: "user", Content: "first line that is long\nsecond line"},
		{Role: "assistant", Content: "short"},
		{Role: "user", Content: "dropped"},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	for _, want := range []string{"[Summary of 3 earlier messages]", "user: first line...", "assistant: short", "1 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if empty, _ := s.Summarize(context.Background(), nil); empty != "" {
		t.Fatalf("expected empty summary, got %q", empty)
	}
}
