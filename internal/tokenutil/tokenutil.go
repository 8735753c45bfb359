// Package tokenutil estimates token counts without a tokenizer.
// Every estimate is a heuristic; callers budget against it, not against
// provider-reported usage.
package tokenutil

import (
	"math"
	"strings"
	"unicode"
)

const (
	// CharsPerToken is the density used by the character estimator.
	CharsPerToken = 4.0
	// WordsPerToken is the word density used by the word estimator
	// (ceil(words / 0.75)).
	WordsPerToken = 0.75
	// CodeCharsPerToken is the denser ratio applied to code-like text.
	CodeCharsPerToken = 3.0
	// CodeSymbolRatio is the share of punctuation/symbol runes above which
	// text is treated as code.
	CodeSymbolRatio = 0.10

	// MessageOverhead is added per chat message for role and framing.
	MessageOverhead = 4
	// ReplyPriming is added once per message list for the assistant reply header.
	ReplyPriming = 3
	// ToolOverhead is added per tool declaration.
	ToolOverhead = 8
	// ToolFieldOverhead is added per declared parameter.
	ToolFieldOverhead = 3
)

// EstimateByChars returns ceil(len/4) over the byte length.
func EstimateByChars(content string) int {
	if content == "" {
		return 0
	}
	return int(math.Ceil(float64(len(content)) / CharsPerToken))
}

// EstimateByWords returns ceil(words/0.75) over whitespace-separated words.
func EstimateByWords(content string) int {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / WordsPerToken))
}

// SymbolRatio reports the share of non-space runes that are punctuation or symbols.
func SymbolRatio(content string) float64 {
	var total, symbols int
	for _, r := range content {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}

// EstimateTokens is the default hybrid estimator: the larger of the char and
// word estimates, raised to ceil(len/3) for code-like text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	est := EstimateByChars(content)
	if w := EstimateByWords(content); w > est {
		est = w
	}
	if SymbolRatio(content) > CodeSymbolRatio {
		if c := int(math.Ceil(float64(len(content)) / CodeCharsPerToken)); c > est {
			est = c
		}
	}
	return est
}

// Message is the minimal chat message shape the estimator needs.
type Message struct {
	Role    string
	Content string
}

// EstimateMessages sums content estimates plus fixed per-message overhead.
// An empty list costs nothing.
func EstimateMessages(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := ReplyPriming
	for _, m := range msgs {
		total += MessageOverhead + EstimateTokens(m.Role) + EstimateTokens(m.Content)
	}
	return total
}

// ToolSchema describes a tool declaration as sent to the model. Parameters
// is a JSON-schema object; only its "properties" are inspected.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// EstimateTools sums tool name, description and per-field costs.
func EstimateTools(tools []ToolSchema) int {
	total := 0
	for _, t := range tools {
		total += ToolOverhead + EstimateTokens(t.Name) + EstimateTokens(t.Description)
		props, _ := t.Parameters["properties"].(map[string]any)
		for name, raw := range props {
			total += ToolFieldOverhead + EstimateTokens(name)
			field, _ := raw.(map[string]any)
			if desc, ok := field["description"].(string); ok {
				total += EstimateTokens(desc)
			}
			if typ, ok := field["type"].(string); ok {
				total += EstimateTokens(typ)
			}
		}
	}
	return total
}

// DefaultStreamThreshold is the buffered length at which a StreamingCounter
// folds its buffer into the running total.
const DefaultStreamThreshold = 256

// StreamingCounter keeps a running estimate over streamed text. Text is
// buffered and estimated in chunks so earlier output is never re-scanned.
// It is not safe for concurrent use.
type StreamingCounter struct {
	threshold int
	buf       strings.Builder
	total     int
}

// NewStreamingCounter returns a counter folding at threshold bytes
// (DefaultStreamThreshold when threshold <= 0).
func NewStreamingCounter(threshold int) *StreamingCounter {
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	return &StreamingCounter{threshold: threshold}
}

// Add appends streamed text and returns the current estimate.
func (c *StreamingCounter) Add(text string) int {
	c.buf.WriteString(text)
	if c.buf.Len() >= c.threshold {
		c.total += EstimateTokens(c.buf.String())
		c.buf.Reset()
	}
	return c.Total()
}

// Total returns folded tokens plus an estimate of the pending buffer.
func (c *StreamingCounter) Total() int {
	return c.total + EstimateTokens(c.buf.String())
}

// Reset zeroes the counter.
func (c *StreamingCounter) Reset() {
	c.total = 0
	c.buf.Reset()
}
