package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/vaultclaw/internal/memory"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/tokenutil"
)

// summaryPrefix marks the system row that replaces archived history.
const summaryPrefix = "Previous conversation summary: "

const truncationSummary = "[History compacted due to length. Older messages were truncated.]"

// Compactor archives the oldest transcript rows of a session and replaces
// them with one summary row.
type Compactor struct {
	store      *persistence.Store
	summarizer memory.Summarizer
	minKeep    int
	timeout    time.Duration
	logger     *slog.Logger
}

// CompactorConfig holds configuration for the Compactor.
type CompactorConfig struct {
	Store      *persistence.Store
	Summarizer memory.Summarizer // defaults to memory.StaticSummarizer
	MinKeep    int               // always keep N most recent rows (default 4)
	Timeout    time.Duration     // bounds the summarizer call (default DefaultLLMTimeout)
	Logger     *slog.Logger
}

// CompactionResult reports what Compact did.
type CompactionResult struct {
	Compacted     bool
	Archived      int
	RemovedTokens int
	KeptTokens    int
	Summary       string
}

// NewCompactor creates a Compactor.
func NewCompactor(cfg CompactorConfig) *Compactor {
	if cfg.Summarizer == nil {
		cfg.Summarizer = &memory.StaticSummarizer{}
	}
	if cfg.MinKeep <= 0 {
		cfg.MinKeep = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compactor{
		store:      cfg.Store,
		summarizer: cfg.Summarizer,
		minKeep:    cfg.MinKeep,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

// Compact shrinks the live transcript of sessionID to roughly targetTokens.
// A summarizer failure or timeout falls back to a fixed truncation notice.
// Archiving and the summary row are written together or not at all.
func (c *Compactor) Compact(ctx context.Context, sessionID, agentID string, targetTokens int) (CompactionResult, error) {
	rows, err := c.store.ListTranscript(ctx, sessionID, 1000)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("list transcript for compaction: %w", err)
	}
	msgs := make([]memory.WindowMessage, len(rows))
	for i, r := range rows {
		msgs[i] = memory.WindowMessage{ID: r.ID, Role: r.Role, Content: r.Content, Tokens: r.Tokens}
	}
	win := memory.BuildWindow(msgs, targetTokens, c.minKeep)
	res := CompactionResult{KeptTokens: win.KeptTokens}
	if len(win.Archive) == 0 {
		return res, nil
	}

	c.logger.Info("context limit exceeded, compacting",
		"session_id", sessionID,
		"agent_id", agentID,
		"archive_rows", len(win.Archive),
		"removed_tokens", win.RemovedTokens,
		"target_tokens", targetTokens,
	)

	sumCtx, cancel := context.WithTimeout(ctx, c.timeout)
	summary, err := c.summarizer.Summarize(sumCtx, win.Archive)
	cancel()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil || strings.TrimSpace(summary) == "" {
		c.logger.Warn("compaction summarization failed, falling back to truncation",
			"session_id", sessionID,
			"timed_out", errors.Is(err, context.DeadlineExceeded),
			"error", err,
		)
		summary = truncationSummary
	}

	last := win.Archive[len(win.Archive)-1].ID
	content := summaryPrefix + summary
	n, err := c.store.CompactTranscript(ctx, sessionID, last, persistence.TranscriptEntry{
		AgentID: agentID,
		Role:    RoleSystem,
		Content: content,
		Tokens:  tokenutil.MessageOverhead + tokenutil.EstimateTokens(content),
	})
	if err != nil {
		return res, err
	}

	res.Compacted = true
	res.Archived = int(n)
	res.RemovedTokens = win.RemovedTokens
	res.Summary = summary
	return res, nil
}

// ChatSummarizer summarizes archived history with the model.
type ChatSummarizer struct {
	Chat  ChatClient
	Model string
}

func (s *ChatSummarizer) Summarize(ctx context.Context, messages []memory.WindowMessage) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	var conversation strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&conversation, "%s: %s\n", m.Role, m.Content)
	}
	prompt := `Summarize the following conversation history into a concise summary that preserves:
- Key facts, decisions, and conclusions
- User preferences and constraints mentioned
- Any ongoing tasks or action items
- Important context needed for future turns

Conversation:
` + conversation.String()

	resp, err := s.Chat.Chat(ctx, ChatRequest{
		Model:    s.Model,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

var _ memory.Summarizer = (*ChatSummarizer)(nil)
