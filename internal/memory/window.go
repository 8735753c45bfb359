package memory

import "github.com/basket/vaultclaw/internal/tokenutil"

// WindowMessage is one transcript row as seen by compaction.
type WindowMessage struct {
	ID      int64
	Role    string
	Content string
	Tokens  int
}

// EstimateWindow fills missing token counts and returns the total.
func EstimateWindow(messages []WindowMessage) int {
	total := 0
	for i := range messages {
		if messages[i].Tokens <= 0 {
			messages[i].Tokens = tokenutil.MessageOverhead + tokenutil.EstimateTokens(messages[i].Content)
		}
		total += messages[i].Tokens
	}
	return total
}

// WindowResult splits a transcript into rows to archive and rows to keep.
type WindowResult struct {
	Archive       []WindowMessage // oldest rows, summarized then archived
	Keep          []WindowMessage // newest rows that fit the budget, oldest first
	KeptTokens    int
	RemovedTokens int
}

// BuildWindow keeps the newest messages whose tokens fit within budget,
// always keeping at least minKeep of them, and marks the rest for archiving.
// messages are ordered oldest first.
func BuildWindow(messages []WindowMessage, budget, minKeep int) WindowResult {
	EstimateWindow(messages)
	if len(messages) == 0 {
		return WindowResult{Keep: []WindowMessage{}}
	}
	if minKeep < 0 {
		minKeep = 0
	}

	split := len(messages)
	kept := 0
	for i := len(messages) - 1; i >= 0; i-- {
		n := len(messages) - i
		if n > minKeep && kept+messages[i].Tokens > budget {
			break
		}
		kept += messages[i].Tokens
		split = i
	}

	res := WindowResult{
		Archive:    append([]WindowMessage(nil), messages[:split]...),
		Keep:       append([]WindowMessage(nil), messages[split:]...),
		KeptTokens: kept,
	}
	for _, m := range res.Archive {
		res.RemovedTokens += m.Tokens
	}
	return res
}
