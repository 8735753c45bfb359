package memory

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer compresses archived messages into a brief summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []WindowMessage) (string, error)
}

// StaticSummarizer builds a digest without calling a model: a count plus
// the first line of each message, truncated.
type StaticSummarizer struct {
	MaxLineLen int // default 120
	MaxLines   int // default 20
}

func (s *StaticSummarizer) Summarize(ctx context.Context, messages []WindowMessage) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	lineLen, maxLines := s.MaxLineLen, s.MaxLines
	if lineLen <= 0 {
		lineLen = 120
	}
	if maxLines <= 0 {
		maxLines = 20
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Summary of %d earlier messages]", len(messages))
	for i, m := range messages {
		if i >= maxLines {
			fmt.Fprintf(&b, "\n- ... %d more", len(messages)-maxLines)
			break
		}
		line, _, _ := strings.Cut(strings.TrimSpace(m.Content), "\n")
		if r := []rune(line); len(r) > lineLen {
			line = string(r[:lineLen]) + "..."
		}
		fmt.Fprintf(&b, "\n- %s: %s", m.Role, line)
	}
	return b.String(), nil
}

var _ Summarizer = (*StaticSummarizer)(nil)
