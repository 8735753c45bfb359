package memory

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// FlushReason says why a flush was requested.
type FlushReason string

const (
	FlushThreshold         FlushReason = "threshold"
	FlushCompactionPending FlushReason = "compaction_pending"
	FlushManual            FlushReason = "manual"
	FlushSessionEnd        FlushReason = "session_end"
)

const (
	// NoUpdateSentinel is the reply an agent gives when nothing is worth saving.
	NoUpdateSentinel = "NO_MEMORY_UPDATE"
	// UpdateFence is the info string of a memory update fenced block.
	UpdateFence = "memory-update"
	// DefaultSection receives updates that name no section.
	DefaultSection = "Session Notes"
)

// FlushState is a snapshot of one session's flush cycle.
type FlushState struct {
	InProgress       bool
	FlushedThisCycle bool
	LastFlushAt      time.Time
	FlushCount       int
}

// FlushFlow tracks flushes across compaction cycles for one session.
type FlushFlow struct {
	mu    sync.Mutex
	state FlushState
	now   func() time.Time
}

// NewFlushFlow returns an idle flow. now may be nil.
func NewFlushFlow(now func() time.Time) *FlushFlow {
	if now == nil {
		now = time.Now
	}
	return &FlushFlow{now: now}
}

// ShouldTriggerFlush reports whether a flush should run. Manual and
// session-end flushes always run. Threshold and compaction-pending flushes
// are skipped while one is in progress, and pre-compaction flushes run at
// most once per cycle.
func (f *FlushFlow) ShouldTriggerFlush(reason FlushReason, preCompaction bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch reason {
	case FlushManual, FlushSessionEnd:
		return true
	}
	if f.state.InProgress {
		return false
	}
	if preCompaction && f.state.FlushedThisCycle {
		return false
	}
	return true
}

// Begin marks a flush as running.
func (f *FlushFlow) Begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.InProgress = true
}

// Complete records a finished flush.
func (f *FlushFlow) Complete(preCompaction bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.InProgress = false
	f.state.FlushCount++
	f.state.LastFlushAt = f.now()
	if preCompaction {
		f.state.FlushedThisCycle = true
	}
}

// Abort clears the in-progress flag without counting a flush.
func (f *FlushFlow) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.InProgress = false
}

// BeginCycle starts a new compaction cycle.
func (f *FlushFlow) BeginCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.FlushedThisCycle = false
}

// State returns a snapshot.
func (f *FlushFlow) State() FlushState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Update is one section's worth of memory content.
type Update struct {
	Section string
	Content string
}

// FlushPrompt builds the system turn that asks the agent to save memory.
// sections lists the headings already present in MEMORY.md.
func FlushPrompt(reason FlushReason, sections []string) string {
	var b strings.Builder
	switch reason {
	case FlushCompactionPending:
		b.WriteString("The conversation is about to be compacted and older messages will be removed.\n")
	case FlushSessionEnd:
		b.WriteString("This session is ending.\n")
	default:
		b.WriteString("The conversation is growing long.\n")
	}
	b.WriteString("Save anything from this conversation that you will need later into your memory file.\n\n")
	b.WriteString("Write each update as a fenced block:\n\n")
	fmt.Fprintf(&b, "```%s\nsection: <section heading>\n<content>\n```\n\n", UpdateFence)
	if len(sections) > 0 {
		fmt.Fprintf(&b, "Existing sections: %s.\n", strings.Join(sections, ", "))
	}
	fmt.Fprintf(&b, "Updates without a section go to %q.\n", DefaultSection)
	fmt.Fprintf(&b, "If there is nothing worth saving, reply with exactly %s.", NoUpdateSentinel)
	return b.String()
}

// FormatUpdates renders updates in the fenced-block form ParseFlushResponse
// reads. Each fence is longer than any backtick run in its content, so
// code blocks inside an update survive.
func FormatUpdates(updates []Update) string {
	var b strings.Builder
	for i, u := range updates {
		if i > 0 {
			b.WriteString("\n")
		}
		content := strings.TrimSpace(u.Content)
		fence := strings.Repeat("`", max(3, longestRun(content, '`')+1))
		fmt.Fprintf(&b, "%s%s\nsection: %s\n%s\n%s\n", fence, UpdateFence, u.Section, content, fence)
	}
	return b.String()
}

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*\s*$`)

func longestRun(s string, c byte) int {
	best, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] != c {
			run = 0
			continue
		}
		run++
		best = max(best, run)
	}
	return best
}

// openingFence returns the backtick count of a memory-update opener line,
// or 0 when line does not open one.
func openingFence(line string) int {
	t := strings.TrimSpace(line)
	n := longestRun(t, '`')
	if n < 3 || !strings.HasPrefix(t, strings.Repeat("`", n)) {
		return 0
	}
	if strings.TrimSpace(t[n:]) != UpdateFence {
		return 0
	}
	return n
}

func closesFence(line string, n int) bool {
	t := strings.TrimSpace(line)
	return len(t) >= n && strings.Trim(t, "`") == ""
}

// fencedBlocks returns the bodies of memory-update blocks. A block ends at
// the first line made only of at least as many backticks as its opener, or
// at the end of text.
func fencedBlocks(text string) []string {
	var out []string
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		n := openingFence(lines[i])
		if n == 0 {
			continue
		}
		j := i + 1
		for j < len(lines) && !closesFence(lines[j], n) {
			j++
		}
		out = append(out, strings.Join(lines[i+1:j], "\n"))
		i = j
	}
	return out
}

// ParseFlushResponse extracts memory updates from an agent reply. Fenced
// blocks win; otherwise the reply is split on markdown headings. Text with
// no heading goes to DefaultSection. noUpdate is true when the reply is the
// sentinel and carries no updates.
func ParseFlushResponse(text string) (updates []Update, noUpdate bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, true
	}

	if blocks := fencedBlocks(trimmed); len(blocks) > 0 {
		for _, body := range blocks {
			if u, ok := parseBlock(body); ok {
				updates = append(updates, u)
			}
		}
		return updates, len(updates) == 0
	}

	if trimmed == NoUpdateSentinel || strings.HasPrefix(trimmed, NoUpdateSentinel) {
		return nil, true
	}

	updates = splitHeadings(trimmed)
	return updates, len(updates) == 0
}

func parseBlock(body string) (Update, bool) {
	lines := strings.Split(body, "\n")
	section := ""
	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		if rest, ok := cutPrefixFold(first, "section:"); ok {
			section = strings.TrimSpace(rest)
			lines = lines[1:]
		} else if m := headingRe.FindStringSubmatch(first); m != nil {
			section = strings.TrimSpace(m[1])
			lines = lines[1:]
		}
	}
	content := strings.TrimSpace(strings.Join(lines, "\n"))
	if content == "" {
		return Update{}, false
	}
	if section == "" {
		section = DefaultSection
	}
	return Update{Section: section, Content: content}, true
}

func splitHeadings(text string) []Update {
	var out []Update
	section := ""
	var body []string
	flush := func() {
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if content != "" {
			name := section
			if name == "" {
				name = DefaultSection
			}
			out = append(out, Update{Section: name, Content: content})
		}
		body = body[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			section = strings.TrimSpace(m[1])
			continue
		}
		body = append(body, line)
	}
	flush()
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
