package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/memory"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/policy"
	"github.com/basket/vaultclaw/internal/session"
	"github.com/basket/vaultclaw/internal/vault"
)

// scriptedChat answers requests through fn and records them.
type scriptedChat struct {
	mu   sync.Mutex
	reqs []ChatRequest
	fn   func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error)
}

func (c *scriptedChat) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	n := len(c.reqs)
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return ChatResponse{Content: "ok"}, nil
	}
	return fn(ctx, req, n)
}

func (c *scriptedChat) requests() []ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatRequest(nil), c.reqs...)
}

func lastUserMessage(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func isFlushPrompt(req ChatRequest) bool {
	return strings.Contains(lastUserMessage(req), memory.NoUpdateSentinel)
}

func isSummaryPrompt(req ChatRequest) bool {
	return req.System == "" && strings.HasPrefix(lastUserMessage(req), "Summarize the following conversation")
}

type turnHarness struct {
	runner   *TurnRunner
	chat     *scriptedChat
	store    *persistence.Store
	vault    *vault.Vault
	registry *agent.Registry
	locks    *session.LockManager
	enforcer *policy.Enforcer
	bus      *bus.Bus
}

func newTurnHarness(t *testing.T, mutate func(*TurnConfig)) *turnHarness {
	t.Helper()
	eventBus := bus.New()
	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vaultclaw.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg, err := agent.NewRegistry(agent.RegistryConfig{Vault: v, Bus: eventBus})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.SpawnAgent(agent.SpawnConfig{Type: agent.TypeSkill, Name: "Writer", Description: "Writes notes."}); err != nil {
		t.Fatalf("spawn writer: %v", err)
	}
	locks := session.NewLockManager(session.Config{Bus: eventBus, AcquireTimeout: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	enforcer := policy.NewEnforcer(policy.EnforcerConfig{Base: v.Root()})
	chat := &scriptedChat{}

	cfg := TurnConfig{
		Registry: reg,
		Store:    store,
		Locks:    locks,
		Chat:     chat,
		Enforcer: enforcer,
		Bus:      eventBus,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	runner, err := NewTurnRunner(cfg)
	if err != nil {
		t.Fatalf("new turn runner: %v", err)
	}
	return &turnHarness{
		runner:   runner,
		chat:     chat,
		store:    store,
		vault:    v,
		registry: reg,
		locks:    locks,
		enforcer: enforcer,
		bus:      eventBus,
	}
}

func (h *turnHarness) seedSession(t *testing.T, sessionID string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.store.EnsureSession(ctx, sessionID, "writer"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	var entries []persistence.TranscriptEntry
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		entries = append(entries, persistence.TranscriptEntry{SessionID: sessionID, AgentID: "writer", Role: role, Content: c})
	}
	if len(entries) > 0 {
		if err := h.store.AppendTranscript(ctx, entries); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestTurnRunner_RequiresCollaborators(t *testing.T) {
	if _, err := NewTurnRunner(TurnConfig{}); err == nil {
		t.Fatal("expected error without registry, store, locks and chat")
	}
}

func TestTurn_SuccessCreatesSessionAndPersists(t *testing.T) {
	h := newTurnHarness(t, nil)
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		return ChatResponse{Content: "hello back", Usage: Usage{InputTokens: 12, OutputTokens: 3}}, nil
	}
	sub := h.bus.Subscribe("turn:")
	defer h.bus.Unsubscribe(sub)

	ctx := context.Background()
	res, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "  hello  "})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded() || res.Status() != "success" {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Response != "hello back" || res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected response/usage: %q %+v", res.Response, res.Usage)
	}
	if res.SessionID == "" || res.RunID == "" {
		t.Fatalf("expected session and run ids, got %+v", res)
	}
	if res.TokensEstimated <= 0 || res.Guard.Action != memory.ActionNone {
		t.Fatalf("unexpected guard outcome: tokens=%d action=%s", res.TokensEstimated, res.Guard.Action)
	}
	for name, w := range map[string]WriteResult{"transcript": res.Persist.Transcript, "session": res.Persist.Session, "lock": res.Persist.Lock} {
		if !w.Attempted || !w.OK {
			t.Fatalf("%s write: %+v", name, w)
		}
	}
	if res.Persist.Memory.Attempted {
		t.Fatal("memory write should not be attempted without an update block")
	}

	rows, err := h.store.ListTranscript(ctx, res.SessionID, 10)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(rows) != 2 || rows[0].Role != RoleUser || rows[0].Content != "hello" || rows[1].Role != RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", rows)
	}
	if rows[0].RunID != res.RunID {
		t.Fatalf("transcript run id = %q, want %q", rows[0].RunID, res.RunID)
	}
	sess, err := h.store.GetSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.AgentID != "writer" || sess.MessageCount != 2 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if h.locks.IsLocked(res.SessionID) {
		t.Fatal("lock still held after turn")
	}

	reqs := h.chat.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 chat request, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].System, "Writer") || !strings.Contains(reqs[0].System, "skills/writer/**") {
		t.Fatalf("system prompt missing identity or scope:\n%s", reqs[0].System)
	}
	if !reqs[0].Tools.Has(ToolVaultRead) || reqs[0].Tools.Has(ToolSendMessage) {
		t.Fatal("expected vault tools without send_message when no mailbox is wired")
	}

	var stages []string
	var completed bool
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		switch ev.Topic {
		case bus.TopicTurnStage:
			stages = append(stages, ev.Payload.(bus.TurnStageEvent).Stage)
		case bus.TopicTurnCompleted:
			completed = true
		}
	}
	if strings.Join(stages, ",") != "intake,context,execute,persist" {
		t.Fatalf("unexpected stages: %v", stages)
	}
	if !completed {
		t.Fatal("expected turn:completed event")
	}
}

func TestTurn_ContinuesSessionWithHistory(t *testing.T) {
	h := newTurnHarness(t, nil)
	ctx := context.Background()
	first, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "remember the colour blue"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: first.SessionID, Message: "what colour?"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	reqs := h.chat.requests()
	msgs := reqs[len(reqs)-1].Messages
	if len(msgs) != 3 || msgs[0].Content != "remember the colour blue" || msgs[2].Content != "what colour?" {
		t.Fatalf("unexpected history sent: %+v", msgs)
	}
}

func TestTurn_IntakeValidation(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) { c.MaxMessageLength = 10 })
	ctx := context.Background()

	_, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "   "})
	wantCode(t, err, CodeValidation)

	_, err = h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "this message is too long"})
	wantCode(t, err, CodeValidation)

	_, err = h.runner.Run(ctx, TurnRequest{Message: "hi"})
	wantCode(t, err, CodeValidation)

	res, err := h.runner.Run(ctx, TurnRequest{AgentID: "ghost", Message: "hi"})
	wantCode(t, err, CodeAgentNotFound)
	if res.Err == nil || res.Err.Stage != StageIntake || res.Status() != "failed" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.chat.requests()) != 0 {
		t.Fatal("model must not be called when intake fails")
	}
}

func TestTurn_ArchivedAndInactiveAgents(t *testing.T) {
	h := newTurnHarness(t, nil)
	ctx := context.Background()

	entry, err := h.registry.Get("writer")
	if err != nil {
		t.Fatal(err)
	}
	entry.Status = agent.StatusInactive
	if err := h.registry.RegisterAgent(entry); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "hi"})
	wantCode(t, err, CodeAgentInvalid)

	if err := h.registry.UnregisterAgent("writer"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	_, err = h.runner.Run(ctx, TurnRequest{AgentID: "writer", Message: "hi"})
	wantCode(t, err, CodeAgentNotFound)
}

func TestTurn_SessionErrors(t *testing.T) {
	h := newTurnHarness(t, nil)
	ctx := context.Background()

	_, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "missing", Message: "hi"})
	wantCode(t, err, CodeSessionNotFound)

	res, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "named", CreateSession: true, Message: "hi"})
	if err != nil || res.SessionID != "named" {
		t.Fatalf("create named session: %v %+v", err, res)
	}

	if err := h.store.CompleteSession(ctx, "named"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "named", Message: "again"})
	wantCode(t, err, CodeSessionTerminated)
	if !errors.Is(err, persistence.ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated in chain, got %v", err)
	}

	if _, _, err := h.store.EnsureSession(ctx, "foreign", "someone-else"); err != nil {
		t.Fatal(err)
	}
	_, err = h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "foreign", Message: "hi"})
	wantCode(t, err, CodeValidation)
}

func TestTurn_LockTimeout(t *testing.T) {
	h := newTurnHarness(t, nil)
	ctx := context.Background()
	h.seedSession(t, "busy")

	held := h.locks.Acquire(ctx, "busy", "other-run")
	if !held.Success {
		t.Fatalf("pre-acquire: %v", held.Err)
	}
	res, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "busy", Message: "hi"})
	wantCode(t, err, CodeLockTimeout)
	if !CodeOf(err).Recoverable() {
		t.Fatal("lock timeout should be recoverable")
	}
	if res.Persist.Transcript.Attempted {
		t.Fatal("nothing should be persisted without the lock")
	}
	if l, ok := h.locks.GetLock("busy"); !ok || l.RunID != "other-run" {
		t.Fatalf("foreign lock must stay untouched, got %+v %v", l, ok)
	}
}

func TestTurn_LeaseOutlivesLockTimeout(t *testing.T) {
	h := newTurnHarness(t, func(cfg *TurnConfig) {
		cfg.Locks = session.NewLockManager(session.Config{
			LockTimeout:    100 * time.Millisecond,
			AcquireTimeout: 2 * time.Second,
			PollInterval:   5 * time.Millisecond,
		})
	})
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(300 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return ChatResponse{Content: "ok"}, nil
	}
	h.seedSession(t, "s1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", SessionID: "s1", Message: "hi"})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	if peak != 1 {
		t.Fatalf("expected turns on one session to run one at a time, saw %d at once", peak)
	}
}

func TestTurn_AbortPersistsPartialTranscript(t *testing.T) {
	h := newTurnHarness(t, nil)
	started := make(chan struct{})
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		close(started)
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := h.runner.Run(ctx, TurnRequest{AgentID: "writer", SessionID: "s1", CreateSession: true, Message: "long task"})
	wantCode(t, err, CodeAborted)
	if res.Err.Stage != StageExecute {
		t.Fatalf("expected abort at execute, got %s", res.Err.Stage)
	}
	if !res.Persist.Transcript.OK || !res.Persist.Lock.OK {
		t.Fatalf("persist should still run after abort: %+v", res.Persist)
	}
	rows, err := h.store.ListTranscript(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Content != "long task" {
		t.Fatalf("expected only the user message, got %+v", rows)
	}
	if h.locks.IsLocked("s1") {
		t.Fatal("lock still held after abort")
	}
}

func TestTurn_LLMErrorReleasesLock(t *testing.T) {
	h := newTurnHarness(t, nil)
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		return ChatResponse{}, errors.New("HTTP 500 upstream")
	}
	sub := h.bus.Subscribe(bus.TopicTurnFailed)
	defer h.bus.Unsubscribe(sub)

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "hi"})
	wantCode(t, err, CodeLLMError)
	if h.locks.IsLocked(res.SessionID) {
		t.Fatal("lock still held after LLM error")
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.TurnEndEvent).Code != string(CodeLLMError) {
			t.Fatalf("unexpected failed event: %+v", ev.Payload)
		}
	default:
		t.Fatal("expected turn:failed event")
	}
}

func TestTurn_ToolCallsAndScopeDenial(t *testing.T) {
	h := newTurnHarness(t, nil)
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		if call == 1 {
			return ChatResponse{ToolCalls: []ToolCall{
				{ID: "t1", Name: ToolVaultWrite, Args: map[string]any{"path": "skills/writer/notes.md", "content": "draft"}},
				{ID: "t2", Name: ToolVaultRead, Args: map[string]any{"path": "secrets/keys.md"}},
			}}, nil
		}
		return ChatResponse{Content: "finished"}, nil
	}

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "write notes"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Response != "finished" || len(res.ToolCalls) != 2 {
		t.Fatalf("unexpected result: %q %+v", res.Response, res.ToolCalls)
	}
	if res.ToolCalls[0].Err != "" || !strings.Contains(res.ToolCalls[0].Result, "wrote 5 bytes") {
		t.Fatalf("write call: %+v", res.ToolCalls[0])
	}
	if !strings.Contains(res.ToolCalls[1].Err, "outside scope") {
		t.Fatalf("expected scope denial, got %+v", res.ToolCalls[1])
	}
	if got, err := h.vault.Read("skills/writer/notes.md"); err != nil || got != "draft" {
		t.Fatalf("note = %q, %v", got, err)
	}
	if v := h.enforcer.Violations("writer"); len(v) != 1 || v[0].AttemptedPath != "secrets/keys.md" {
		t.Fatalf("expected one violation, got %+v", v)
	}

	reqs := h.chat.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	follow := reqs[1].Messages
	if len(follow) < 3 || follow[len(follow)-1].Role != RoleTool || follow[len(follow)-1].Name != ToolVaultRead {
		t.Fatalf("tool results not fed back: %+v", follow)
	}

	rows, err := h.store.ListTranscript(context.Background(), res.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[1].Role != RoleTool || rows[3].Role != RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", rows)
	}
}

func TestTurn_ToolRoundsAreBounded(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) { c.MaxToolRounds = 2 })
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		return ChatResponse{ToolCalls: []ToolCall{{Name: ToolVaultList, Args: map[string]any{"dir": "skills/writer"}}}}, nil
	}
	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "loop"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(h.chat.requests()); n != 2 {
		t.Fatalf("expected 2 model calls, got %d", n)
	}
	if len(res.ToolCalls) != 2 || !strings.Contains(res.ToolCalls[0].Result, "skills/writer/AGENT.md") {
		t.Fatalf("unexpected tool calls: %+v", res.ToolCalls)
	}
}

func TestTurn_MemoryUpdateBlockIsApplied(t *testing.T) {
	h := newTurnHarness(t, nil)
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		return ChatResponse{Content: "Noted.\n\n```memory-update\nsection: Preferences\nLikes short answers.\n```"}, nil
	}
	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "keep it short"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Persist.Memory.Attempted || !res.Persist.Memory.OK {
		t.Fatalf("memory write: %+v", res.Persist.Memory)
	}
	text, err := h.vault.Read("skills/writer/MEMORY.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "## Preferences") || !strings.Contains(text, "Likes short answers.") {
		t.Fatalf("memory not updated:\n%s", text)
	}
}

func TestTurn_FlushThresholdWritesMemory(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) {
		c.Guard = memory.GuardConfig{
			ContextWindow: 1000000,
			Thresholds:    memory.Thresholds{Flush: 0.00001, Compact: 0.9, Critical: 0.95},
		}
	})
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		if isFlushPrompt(req) {
			return ChatResponse{Content: "```memory-update\nsection: Facts\nThe user is called Sam.\n```"}, nil
		}
		return ChatResponse{Content: "hi Sam"}, nil
	}
	sub := h.bus.Subscribe(bus.TopicMemoryFlushed)
	defer h.bus.Unsubscribe(sub)

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "I am Sam"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Guard.Action != memory.ActionFlush || !res.Flushed {
		t.Fatalf("expected flush, got action=%s flushed=%v", res.Guard.Action, res.Flushed)
	}
	text, err := h.vault.Read("skills/writer/MEMORY.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "The user is called Sam.") {
		t.Fatalf("memory not flushed:\n%s", text)
	}
	if st := h.runner.FlushState(res.SessionID); st.FlushCount != 1 || st.InProgress {
		t.Fatalf("unexpected flush state: %+v", st)
	}
	if len(sub.Ch()) != 1 {
		t.Fatalf("expected one memory:flushed event, got %d", len(sub.Ch()))
	}
}

func TestTurn_CompactsLongHistory(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) {
		c.Guard = memory.GuardConfig{
			ContextWindow: 12000,
			Thresholds:    memory.Thresholds{Flush: 0.5, Compact: 0.6, Critical: 0.99},
		}
	})
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		switch {
		case isFlushPrompt(req):
			return ChatResponse{Content: memory.NoUpdateSentinel}, nil
		case isSummaryPrompt(req):
			return ChatResponse{Content: "we talked about lorem ipsum"}, nil
		}
		return ChatResponse{Content: "done"}, nil
	}
	big := strings.Repeat("lorem ipsum ", 170)
	contents := make([]string, 20)
	for i := range contents {
		contents[i] = big
	}
	h.seedSession(t, "long", contents...)
	sub := h.bus.Subscribe(bus.TopicCompacted)
	defer h.bus.Unsubscribe(sub)

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", SessionID: "long", Message: "continue"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Compaction == nil || !res.Compaction.Compacted || res.Compaction.Archived == 0 {
		t.Fatalf("expected compaction, got %+v", res.Compaction)
	}
	if res.Compaction.Summary != "we talked about lorem ipsum" {
		t.Fatalf("unexpected summary %q", res.Compaction.Summary)
	}
	if res.Guard.Action == memory.ActionCompact || res.Guard.Action == memory.ActionReject {
		t.Fatalf("context still too large after compaction: %+v", res.Guard)
	}
	_, archived, err := h.store.CountTranscript(context.Background(), "long")
	if err != nil {
		t.Fatal(err)
	}
	if archived != res.Compaction.Archived {
		t.Fatalf("archived rows = %d, want %d", archived, res.Compaction.Archived)
	}

	reqs := h.chat.requests()
	final := reqs[len(reqs)-1]
	if final.Messages[0].Role != RoleSystem || !strings.HasPrefix(final.Messages[0].Content, summaryPrefix) {
		t.Fatalf("summary should lead the history, got %+v", final.Messages[0])
	}
	if st := h.runner.FlushState("long"); st.FlushCount != 1 || st.FlushedThisCycle {
		t.Fatalf("expected one pre-compaction flush and a new cycle, got %+v", st)
	}
	if len(sub.Ch()) != 1 {
		t.Fatalf("expected one memory:compacted event, got %d", len(sub.Ch()))
	}
}

func TestTurn_ContextOverflowWhenCompactionCannotHelp(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) {
		c.Guard = memory.GuardConfig{
			ContextWindow: 3000,
			Thresholds:    memory.Thresholds{Flush: 0.3, Compact: 0.5, Critical: 0.6},
		}
	})
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		if isFlushPrompt(req) {
			return ChatResponse{Content: memory.NoUpdateSentinel}, nil
		}
		return ChatResponse{Content: "should not happen"}, nil
	}
	big := strings.Repeat("lorem ipsum ", 200)
	h.seedSession(t, "full", big, big, big, big)

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", SessionID: "full", Message: "more"})
	wantCode(t, err, CodeContextOverflow)
	if res.Err.Stage != StageContext || res.Err.Status() != 413 {
		t.Fatalf("unexpected error: %+v", res.Err)
	}
	if res.Persist.Transcript.Attempted {
		t.Fatal("nothing should be written when the model was never called")
	}
	if !res.Persist.Lock.OK || h.locks.IsLocked("full") {
		t.Fatal("lock must be released after overflow")
	}
	for _, req := range h.chat.requests() {
		if lastUserMessage(req) == "more" {
			t.Fatal("model was called despite overflow")
		}
	}
}

func TestSystemPrompt_IncludesMemoryAndSections(t *testing.T) {
	def := agent.Definition{
		ID:       "writer",
		Name:     "Writer",
		Type:     agent.TypeSkill,
		Scope:    []string{"skills/writer/**", "20_Notes/**"},
		Sections: []memory.Section{{Name: "Role", Body: "Writes things."}},
	}
	got := systemPrompt(def, "# Writer Memory\n\n## Facts\n\nSky is blue.")
	for _, want := range []string{"You are Writer", "## Role", "Writes things.", "skills/writer/**, 20_Notes/**", "## Your Memory", "Sky is blue."} {
		if !strings.Contains(got, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(systemPrompt(def, "  "), "Your Memory") {
		t.Fatal("empty memory should be omitted")
	}
}

func TestTurn_EstimatesCostFromUsage(t *testing.T) {
	h := newTurnHarness(t, func(c *TurnConfig) { c.Model = "gpt-4o" })
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		return ChatResponse{Content: "done", Usage: Usage{InputTokens: 1000, OutputTokens: 500}}, nil
	}
	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "price me"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CostUSD < 0.007 || res.CostUSD > 0.008 {
		t.Fatalf("expected ~0.0075 USD, got %f", res.CostUSD)
	}

	unpriced := newTurnHarness(t, nil)
	res, err = unpriced.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "price me"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CostUSD != 0 {
		t.Fatalf("unknown model should cost 0, got %f", res.CostUSD)
	}
}

func TestTurn_RedactsSecretsFromToolOutput(t *testing.T) {
	h := newTurnHarness(t, nil)
	if err := h.vault.Write("skills/writer/config.md", "endpoint: example\napi_key: abcdef0123456789abcdef\n"); err != nil {
		t.Fatal(err)
	}
	h.chat.fn = func(ctx context.Context, req ChatRequest, call int) (ChatResponse, error) {
		if call == 1 {
			return ChatResponse{ToolCalls: []ToolCall{
				{ID: "t1", Name: ToolVaultRead, Args: map[string]any{"path": "skills/writer/config.md"}},
			}}, nil
		}
		return ChatResponse{Content: "read it"}, nil
	}

	res, err := h.runner.Run(context.Background(), TurnRequest{AgentID: "writer", Message: "check config"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := res.ToolCalls[0].Result
	if strings.Contains(got, "abcdef0123456789abcdef") || !strings.Contains(got, "[REDACTED]") || !strings.Contains(got, "endpoint: example") {
		t.Fatalf("secret not redacted: %q", got)
	}
	follow := h.chat.requests()[1].Messages
	if strings.Contains(follow[len(follow)-1].Content, "abcdef0123456789abcdef") {
		t.Fatal("secret reached the model")
	}
}
