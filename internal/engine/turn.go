package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/memory"
	"github.com/basket/vaultclaw/internal/messaging"
	vcotel "github.com/basket/vaultclaw/internal/otel"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/policy"
	"github.com/basket/vaultclaw/internal/pricing"
	"github.com/basket/vaultclaw/internal/safety"
	"github.com/basket/vaultclaw/internal/session"
	"github.com/basket/vaultclaw/internal/shared"
	"github.com/basket/vaultclaw/internal/telemetry"
	"github.com/basket/vaultclaw/internal/tokenutil"
	"github.com/basket/vaultclaw/internal/vault"
)

// Stage is a step of the turn pipeline.
type Stage string

const (
	StageIntake  Stage = "intake"
	StageContext Stage = "context"
	StageExecute Stage = "execute"
	StagePersist Stage = "persist"
)

// Defaults applied by NewTurnRunner.
const (
	DefaultMaxMessageLength = 32000
	DefaultHistoryLimit     = 50
	DefaultLLMTimeout       = 2 * time.Minute
	DefaultMaxToolRounds    = 4
	DefaultCompactionRatio  = 0.5
)

// flowCacheSize bounds the per-session flush bookkeeping kept in memory.
const flowCacheSize = 1024

// lockGrace is lease time on top of one model call for the work around it.
const lockGrace = 30 * time.Second

// memoryFence opens a memory update block in an assistant reply.
const memoryFence = "```" + memory.UpdateFence

// TurnRequest is one message for an agent.
type TurnRequest struct {
	AgentID string
	// SessionID selects an existing session. Empty starts a new one.
	SessionID string
	// CreateSession creates SessionID when it does not exist yet.
	CreateSession bool
	Message       string
	// Source labels the origin (user, schedule, mailbox) for logs.
	Source string
}

// WriteResult reports one persist sub-write.
type WriteResult struct {
	Attempted bool
	OK        bool
	Err       error
}

func (w *WriteResult) set(err error) {
	w.Attempted = true
	w.OK = err == nil
	w.Err = err
}

// PersistReport reports each persist sub-write separately.
type PersistReport struct {
	Transcript WriteResult
	Session    WriteResult
	Memory     WriteResult
	Lock       WriteResult
}

// TurnResult is the outcome of a turn. Err is nil on success.
type TurnResult struct {
	RunID           string
	SessionID       string
	AgentID         string
	Response        string
	ToolCalls       []ToolCall
	Usage           Usage
	CostUSD         float64
	TokensEstimated int
	Guard           memory.GuardResult
	Flushed         bool
	Compaction      *CompactionResult
	Persist         PersistReport
	Duration        time.Duration
	Err             *TurnError
}

// Succeeded reports whether the turn ended in success.
func (r TurnResult) Succeeded() bool { return r.Err == nil }

// Status is "success" or "failed".
func (r TurnResult) Status() string {
	if r.Err == nil {
		return "success"
	}
	return "failed"
}

// TurnConfig wires a TurnRunner.
type TurnConfig struct {
	Registry *agent.Registry
	Store    *persistence.Store
	Locks    *session.LockManager
	Chat     ChatClient
	Enforcer *policy.Enforcer
	Mailbox  *messaging.Mailbox // optional; enables the send_message tool
	Policy   policy.Checker     // gates send_message to skills
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *vcotel.Metrics

	Guard      memory.GuardConfig // zero uses memory.DefaultGuardConfig
	Limits     *ContextLimits
	Provider   string
	Model      string            // priced when the agent sets no model
	Summarizer memory.Summarizer // defaults to ChatSummarizer over Chat

	MaxMessageLength int
	HistoryLimit     int
	LLMTimeout       time.Duration
	MaxToolRounds    int
	CompactionRatio  float64
	Now              func() time.Time
}

// TurnRunner runs agent turns through intake, context, execute and
// persist. At most one turn runs per session at a time.
type TurnRunner struct {
	cfg       TurnConfig
	vault     *vault.Vault
	logger    *slog.Logger
	compactor *Compactor
	leaks     *safety.LeakDetector

	flowMu sync.Mutex
	flows  *lru.Cache[string, *memory.FlushFlow]
}

// NewTurnRunner validates cfg and applies defaults.
func NewTurnRunner(cfg TurnConfig) (*TurnRunner, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Locks == nil || cfg.Chat == nil {
		return nil, fmt.Errorf("turn runner: registry, store, locks and chat are required")
	}
	if cfg.Guard == (memory.GuardConfig{}) {
		cfg.Guard = memory.DefaultGuardConfig()
	}
	if err := cfg.Guard.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limits == nil {
		cfg.Limits = NewContextLimits(nil)
	}
	if cfg.Enforcer == nil {
		cfg.Enforcer = policy.NewEnforcer(policy.EnforcerConfig{Base: cfg.Registry.Vault().Root(), Logger: cfg.Logger})
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = &ChatSummarizer{Chat: cfg.Chat}
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.CompactionRatio <= 0 || cfg.CompactionRatio > 1 {
		cfg.CompactionRatio = DefaultCompactionRatio
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	flows, err := lru.New[string, *memory.FlushFlow](flowCacheSize)
	if err != nil {
		return nil, fmt.Errorf("turn runner: %w", err)
	}
	return &TurnRunner{
		cfg:    cfg,
		vault:  cfg.Registry.Vault(),
		logger: cfg.Logger,
		compactor: NewCompactor(CompactorConfig{
			Store:      cfg.Store,
			Summarizer: cfg.Summarizer,
			Timeout:    cfg.LLMTimeout,
			Logger:     cfg.Logger,
		}),
		leaks: safety.NewLeakDetector(),
		flows: flows,
	}, nil
}

func (r *TurnRunner) flow(sessionID string) *memory.FlushFlow {
	r.flowMu.Lock()
	defer r.flowMu.Unlock()
	f, ok := r.flows.Get(sessionID)
	if !ok {
		f = memory.NewFlushFlow(r.cfg.Now)
		r.flows.Add(sessionID, f)
	}
	return f
}

// ForgetSession drops the flush bookkeeping of a session that will not run
// again.
func (r *TurnRunner) ForgetSession(sessionID string) {
	r.flows.Remove(sessionID)
}

// renewLock stretches the session lease over the next model call. A lease
// that was lost fails the turn, since another turn may now hold the session.
func (r *TurnRunner) renewLock(t *turn, s Stage) error {
	if _, err := r.cfg.Locks.Extend(t.res.SessionID, t.lock.RunID, r.cfg.LLMTimeout+lockGrace); err != nil {
		return turnErr(CodeLockFailed, s, fmt.Errorf("session lease lost: %w", err))
	}
	return nil
}

// FlushState returns the flush bookkeeping for a session.
func (r *TurnRunner) FlushState(sessionID string) memory.FlushState {
	return r.flow(sessionID).State()
}

// turn carries state between stages.
type turn struct {
	req      TurnRequest
	res      *TurnResult
	def      agent.Definition
	lock     *session.Lock
	system   string
	history  []Message
	tools    *ToolSet
	executed bool
	added    []persistence.TranscriptEntry
	logger   *slog.Logger
}

// Run executes one turn. The returned error is the result's *TurnError.
// The session lock is released on every path.
func (r *TurnRunner) Run(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := r.cfg.Now()
	res := &TurnResult{RunID: shared.NewRunID(), AgentID: req.AgentID, SessionID: req.SessionID}
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithRunID(ctx, res.RunID)
	ctx = shared.WithAgentID(ctx, req.AgentID)
	t := &turn{req: req, res: res}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveTurns.Add(ctx, 1)
		defer r.cfg.Metrics.ActiveTurns.Add(ctx, -1)
	}

	ctx, span := vcotel.StartSpan(ctx, r.cfg.Tracer, "turn",
		vcotel.AttrAgentID.String(req.AgentID),
		vcotel.AttrRunID.String(res.RunID),
	)
	defer span.End()

	err := r.stage(ctx, t, StageIntake, r.intake)
	if err == nil {
		ctx = shared.WithSessionID(ctx, res.SessionID)
		err = r.stage(ctx, t, StageContext, r.buildContext)
		if err == nil {
			err = r.stage(ctx, t, StageExecute, r.execute)
		}
	}
	if t.lock != nil {
		// Persist runs even when the caller cancelled so partial transcripts
		// are kept.
		perr := r.stage(context.WithoutCancel(ctx), t, StagePersist, r.persist)
		if err == nil {
			err = perr
		}
	}

	res.Duration = r.cfg.Now().Sub(start)
	r.finish(ctx, span, res, err)
	if res.Err != nil {
		return *res, res.Err
	}
	return *res, nil
}

func (r *TurnRunner) stage(ctx context.Context, t *turn, s Stage, fn func(context.Context, *turn) error) error {
	ctx, span := vcotel.StartSpan(ctx, r.cfg.Tracer, "turn."+string(s), vcotel.AttrStage.String(string(s)))
	defer span.End()
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicTurnStage, bus.TurnStageEvent{
			RunID:     t.res.RunID,
			SessionID: t.res.SessionID,
			AgentID:   t.res.AgentID,
			Stage:     string(s),
		})
	}
	err := fn(ctx, t)
	if err != nil {
		var te *TurnError
		if !errors.As(err, &te) {
			err = turnErr(CodeInternal, s, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *TurnRunner) finish(ctx context.Context, span trace.Span, res *TurnResult, err error) {
	logger := telemetry.FromContext(ctx, r.logger)
	end := bus.TurnEndEvent{RunID: res.RunID, SessionID: res.SessionID, AgentID: res.AgentID, Duration: res.Duration}
	attrs := metric.WithAttributes(attribute.String("agent_id", res.AgentID))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.TurnDuration.Record(ctx, res.Duration.Seconds(), attrs)
	}

	if err == nil {
		span.SetStatus(codes.Ok, "")
		logger.Info("turn completed",
			"duration_ms", res.Duration.Milliseconds(),
			"tokens_estimated", res.TokensEstimated,
			"tool_calls", len(res.ToolCalls),
			"cost_usd", res.CostUSD,
		)
		if r.cfg.Bus != nil {
			r.cfg.Bus.Publish(bus.TopicTurnCompleted, end)
		}
		return
	}

	var te *TurnError
	if !errors.As(err, &te) {
		te = turnErr(CodeInternal, StagePersist, err)
	}
	res.Err = te
	end.Code = string(te.Code)
	span.SetAttributes(vcotel.AttrErrorCode.String(string(te.Code)))
	span.SetStatus(codes.Error, te.Error())
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.TurnFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent_id", res.AgentID),
			attribute.String("code", string(te.Code)),
		))
	}
	logger.Warn("turn failed",
		"code", te.Code,
		"stage", te.Stage,
		"status", te.Status(),
		"duration_ms", res.Duration.Milliseconds(),
		"error", te.Err,
	)
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicTurnFailed, end)
	}
}

// intake validates the request, resolves agent and session and takes the
// session lock.
func (r *TurnRunner) intake(ctx context.Context, t *turn) error {
	msg := strings.TrimSpace(t.req.Message)
	if msg == "" {
		return turnErr(CodeValidation, StageIntake, errors.New("message is empty"))
	}
	if n := utf8.RuneCountInString(msg); n > r.cfg.MaxMessageLength {
		return turnErr(CodeValidation, StageIntake, fmt.Errorf("message has %d characters, limit is %d", n, r.cfg.MaxMessageLength))
	}
	if t.req.AgentID == "" {
		return turnErr(CodeValidation, StageIntake, errors.New("agent id is required"))
	}
	t.req.Message = msg

	entry, err := r.cfg.Registry.Get(t.req.AgentID)
	if err != nil || entry.Status == agent.StatusArchived {
		return turnErr(CodeAgentNotFound, StageIntake, fmt.Errorf("agent %q", t.req.AgentID))
	}
	if entry.Status != agent.StatusActive {
		return turnErr(CodeAgentInvalid, StageIntake, fmt.Errorf("agent %q is %s", entry.ID, entry.Status))
	}
	def, err := agent.LoadDefinition(r.vault, entry.Path)
	if err != nil {
		return turnErr(CodeAgentInvalid, StageIntake, err)
	}
	t.def = def

	sess, err := r.resolveSession(ctx, t)
	if err != nil {
		return err
	}
	t.res.SessionID = sess.ID
	t.logger = telemetry.FromContext(shared.WithSessionID(ctx, sess.ID), r.logger)

	acq := r.cfg.Locks.Acquire(ctx, sess.ID, t.res.RunID)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.LockWait.Record(ctx, acq.Waited.Seconds())
	}
	if !acq.Success {
		switch {
		case errors.Is(acq.Err, session.ErrLockTimeout):
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.LockTimeouts.Add(ctx, 1)
			}
			return turnErr(CodeLockTimeout, StageIntake, acq.Err)
		case ctx.Err() != nil:
			return turnErr(CodeAborted, StageIntake, ctx.Err())
		default:
			return turnErr(CodeLockFailed, StageIntake, acq.Err)
		}
	}
	t.lock = acq.Lock
	t.logger.Debug("turn intake complete", "source", t.req.Source, "waited_ms", acq.Waited.Milliseconds())
	return nil
}

func (r *TurnRunner) resolveSession(ctx context.Context, t *turn) (persistence.Session, error) {
	id := t.req.SessionID
	if id == "" {
		id = uuid.NewString()
		t.req.CreateSession = true
	}
	var (
		sess persistence.Session
		err  error
	)
	if t.req.CreateSession {
		sess, _, err = r.cfg.Store.EnsureSession(ctx, id, t.def.ID)
	} else {
		sess, err = r.cfg.Store.GetSession(ctx, id)
	}
	switch {
	case errors.Is(err, persistence.ErrSessionNotFound):
		return sess, turnErr(CodeSessionNotFound, StageIntake, err)
	case err != nil:
		return sess, turnErr(CodeInternal, StageIntake, err)
	case sess.AgentID != t.def.ID:
		return sess, turnErr(CodeValidation, StageIntake, fmt.Errorf("session %s belongs to agent %q", sess.ID, sess.AgentID))
	case !sess.Active():
		return sess, turnErr(CodeSessionTerminated, StageIntake, fmt.Errorf("%w: %s is %s", persistence.ErrSessionTerminated, sess.ID, sess.Status))
	}
	return sess, nil
}

// buildContext assembles prompt, history, tools and memory and applies the
// guard's action.
func (r *TurnRunner) buildContext(ctx context.Context, t *turn) error {
	mem, err := r.readMemory(t.def)
	if err != nil {
		t.logger.Warn("memory unavailable", "path", t.def.MemoryPath(), "error", err)
	}
	t.system = systemPrompt(t.def, mem)

	tools, err := NewToolSet(ToolEnv{
		AgentID:   t.def.ID,
		AgentType: t.def.Type,
		Scope:     t.def.Scope,
		Vault:     r.vault,
		Enforcer:  r.cfg.Enforcer,
		Mailbox:   r.cfg.Mailbox,
		Registry:  r.cfg.Registry,
		Policy:    r.cfg.Policy,
	})
	if err != nil {
		return turnErr(CodeInternal, StageContext, err)
	}
	t.tools = tools

	if err := r.loadHistory(ctx, t); err != nil {
		return err
	}

	guardCfg := r.cfg.Limits.GuardConfig(r.cfg.Guard, r.cfg.Provider, t.def.Model)
	guard, err := memory.NewGuard(guardCfg)
	if err != nil {
		return turnErr(CodeInternal, StageContext, err)
	}

	tokens := r.estimate(t)
	check := guard.Check(tokens)
	flow := r.flow(t.res.SessionID)

	switch check.Action {
	case memory.ActionFlush:
		if flow.ShouldTriggerFlush(memory.FlushThreshold, false) {
			if err := r.renewLock(t, StageContext); err != nil {
				return err
			}
			t.res.Flushed = r.flushMemory(ctx, t, memory.FlushThreshold, false)
		}
	case memory.ActionCompact, memory.ActionReject:
		if flow.ShouldTriggerFlush(memory.FlushCompactionPending, true) {
			if err := r.renewLock(t, StageContext); err != nil {
				return err
			}
			t.res.Flushed = r.flushMemory(ctx, t, memory.FlushCompactionPending, true)
		}
		if err := r.renewLock(t, StageContext); err != nil {
			return err
		}
		overhead := tokens - tokenutil.EstimateMessages(toEstimate(t.history))
		target := guard.CompactionTarget(tokens, r.cfg.CompactionRatio).TargetTokens - overhead
		if target < 0 {
			target = 0
		}
		comp, err := r.compactor.Compact(ctx, t.res.SessionID, t.def.ID, target)
		if err != nil {
			if ctx.Err() != nil {
				return turnErr(CodeAborted, StageContext, ctx.Err())
			}
			return turnErr(CodePersistFailed, StageContext, err)
		}
		t.res.Compaction = &comp
		if comp.Compacted {
			flow.BeginCycle()
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.Compactions.Add(ctx, 1)
			}
			if r.cfg.Bus != nil {
				r.cfg.Bus.Publish(bus.TopicCompacted, bus.TurnStageEvent{
					RunID: t.res.RunID, SessionID: t.res.SessionID, AgentID: t.def.ID, Stage: string(StageContext),
				})
			}
			if err := r.loadHistory(ctx, t); err != nil {
				return err
			}
			tokens = r.estimate(t)
			check = guard.Check(tokens)
		}
	}

	t.res.TokensEstimated = tokens
	t.res.Guard = check
	if check.Action == memory.ActionReject {
		return turnErr(CodeContextOverflow, StageContext, errors.New(check.Reason))
	}
	t.logger.Debug("turn context built",
		"tokens", tokens,
		"guard_action", check.Action,
		"history", len(t.history),
	)
	return nil
}

func (r *TurnRunner) loadHistory(ctx context.Context, t *turn) error {
	rows, err := r.cfg.Store.ListTranscript(ctx, t.res.SessionID, r.cfg.HistoryLimit)
	if err != nil {
		return turnErr(CodeInternal, StageContext, err)
	}
	// Summary rows are newer than the rows they replace; send them first.
	var summaries, rest []Message
	for _, row := range rows {
		m := Message{Role: row.Role, Content: row.Content}
		if row.Role == RoleSystem {
			summaries = append(summaries, m)
			continue
		}
		rest = append(rest, m)
	}
	t.history = append(summaries, rest...)
	return nil
}

func (r *TurnRunner) estimate(t *turn) int {
	msgs := make([]Message, 0, len(t.history)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: t.system})
	msgs = append(msgs, t.history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: t.req.Message})
	return tokenutil.EstimateMessages(toEstimate(msgs)) + tokenutil.EstimateTools(toolSchemas(t.tools.Specs()))
}

func toEstimate(msgs []Message) []tokenutil.Message {
	out := make([]tokenutil.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenutil.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toolSchemas(specs []ToolSpec) []tokenutil.ToolSchema {
	out := make([]tokenutil.ToolSchema, len(specs))
	for i, s := range specs {
		out[i] = tokenutil.ToolSchema{Name: s.Name, Description: s.Description, Parameters: encodeArgs(s.Parameters)}
	}
	return out
}

func (r *TurnRunner) readMemory(def agent.Definition) (string, error) {
	text, err := r.vault.Read(def.MemoryPath())
	if vault.IsNotExist(err) {
		return "", nil
	}
	return text, err
}

func systemPrompt(def agent.Definition, mem string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent working inside a markdown knowledge vault.\n", def.Name, def.Type)
	if def.Description != "" {
		b.WriteString(def.Description)
		b.WriteString("\n")
	}
	for _, s := range def.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.Name, strings.TrimSpace(s.Body))
	}
	fmt.Fprintf(&b, "\nYou may only read and write vault paths matching: %s\n", strings.Join(def.Scope, ", "))
	fmt.Fprintf(&b, "To save something to your memory, reply with a ```%s fenced block whose first line is \"section: <name>\".\n", memory.UpdateFence)
	if strings.TrimSpace(mem) != "" {
		b.WriteString("\n## Your Memory\n\n")
		b.WriteString(strings.TrimSpace(mem))
		b.WriteString("\n")
	}
	return b.String()
}

// flushMemory asks the agent to write durable notes before context is lost.
// It reports whether MEMORY.md was updated. Failures are logged only.
func (r *TurnRunner) flushMemory(ctx context.Context, t *turn, reason memory.FlushReason, preCompaction bool) bool {
	flow := r.flow(t.res.SessionID)
	flow.Begin()

	text, err := r.readMemory(t.def)
	if err != nil {
		flow.Abort()
		t.logger.Warn("memory flush skipped", "error", err)
		return false
	}
	doc := memory.NewDocument(t.def.Name)
	if strings.TrimSpace(text) != "" {
		doc = memory.ParseDocument(text)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()
	msgs := append(append([]Message(nil), t.history...), Message{Role: RoleUser, Content: memory.FlushPrompt(reason, doc.SectionNames())})
	resp, err := r.cfg.Chat.Chat(callCtx, ChatRequest{Model: t.def.Model, System: t.system, Messages: msgs})
	if err != nil {
		flow.Abort()
		t.logger.Warn("memory flush failed", "reason", reason, "error", err)
		return false
	}

	updates, noUpdate := memory.ParseFlushResponse(resp.Content)
	applied := 0
	if !noUpdate && len(updates) > 0 {
		applied = doc.Apply(updates)
		if err := r.vault.Write(t.def.MemoryPath(), doc.String()); err != nil {
			flow.Abort()
			t.logger.Warn("memory flush write failed", "error", err)
			return false
		}
	}
	flow.Complete(preCompaction)
	t.logger.Info("memory flushed", "reason", reason, "sections_updated", applied)
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicMemoryFlushed, bus.TurnStageEvent{
			RunID: t.res.RunID, SessionID: t.res.SessionID, AgentID: t.def.ID, Stage: string(reason),
		})
	}
	return applied > 0
}

// execute calls the model, running unresolved tool calls between rounds.
func (r *TurnRunner) execute(ctx context.Context, t *turn) error {
	t.executed = true
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	msgs := append(append([]Message(nil), t.history...), Message{Role: RoleUser, Content: t.req.Message})
	for round := 0; round < r.cfg.MaxToolRounds; round++ {
		if err := r.renewLock(t, StageExecute); err != nil {
			return err
		}
		llmStart := time.Now()
		llmCtx, span := vcotel.StartClientSpan(callCtx, r.cfg.Tracer, "llm.chat", vcotel.AttrModel.String(t.def.Model))
		resp, err := r.cfg.Chat.Chat(llmCtx, ChatRequest{
			Model:    t.def.Model,
			System:   t.system,
			Messages: msgs,
			Tools:    t.tools,
		})
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.LLMCallDuration.Record(ctx, time.Since(llmStart).Seconds())
		}
		if err != nil {
			span.RecordError(err)
			span.End()
			if ctx.Err() != nil {
				return turnErr(CodeAborted, StageExecute, ctx.Err())
			}
			return turnErr(codeForLLM(ctx, err), StageExecute, err)
		}
		span.SetAttributes(
			vcotel.AttrTokensInput.Int(resp.Usage.InputTokens),
			vcotel.AttrTokensOutput.Int(resp.Usage.OutputTokens),
		)
		span.End()

		cost := pricing.EstimateCost(r.pricedModel(t), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
			r.cfg.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
			r.cfg.Metrics.LLMCost.Add(ctx, cost, metric.WithAttributes(attribute.String("agent_id", t.req.AgentID)))
		}
		t.res.Usage.InputTokens += resp.Usage.InputTokens
		t.res.Usage.OutputTokens += resp.Usage.OutputTokens
		t.res.CostUSD += cost
		if resp.Content != "" {
			t.res.Response = resp.Content
		}

		var pending []ToolCall
		for _, tc := range resp.ToolCalls {
			if tc.Resolved {
				r.recordToolCall(ctx, t, tc)
				continue
			}
			pending = append(pending, tc)
		}
		if len(pending) == 0 {
			break
		}
		if resp.Content != "" {
			msgs = append(msgs, Message{Role: RoleAssistant, Content: resp.Content})
		}
		for _, tc := range pending {
			tc = r.runTool(ctx, t, tc)
			msgs = append(msgs, Message{Role: RoleTool, Name: tc.Name, Content: toolMessage(tc)})
		}
		if ctx.Err() != nil {
			return turnErr(CodeAborted, StageExecute, ctx.Err())
		}
	}
	if ctx.Err() != nil {
		return turnErr(CodeAborted, StageExecute, ctx.Err())
	}
	return nil
}

func (r *TurnRunner) pricedModel(t *turn) string {
	if t.def.Model != "" {
		return t.def.Model
	}
	return r.cfg.Model
}

func (r *TurnRunner) runTool(ctx context.Context, t *turn, tc ToolCall) ToolCall {
	toolCtx, span := vcotel.StartSpan(ctx, r.cfg.Tracer, "tool."+tc.Name, vcotel.AttrToolName.String(tc.Name))
	out, err := t.tools.Call(toolCtx, tc.Name, tc.Args)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	out, leaked := r.leaks.Redact(out)
	for _, w := range leaked {
		t.logger.Warn("secret redacted from tool output", "tool", tc.Name, "pattern", w.Pattern, "sample", w.Sample)
	}
	tc.Result = out
	tc.Resolved = true
	if err != nil {
		tc.Err = err.Error()
	}
	r.recordToolCall(ctx, t, tc)
	return tc
}

func (r *TurnRunner) recordToolCall(ctx context.Context, t *turn, tc ToolCall) {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	t.res.ToolCalls = append(t.res.ToolCalls, tc)
	if tc.Err != "" {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tc.Name)))
		}
		t.logger.Warn("tool call failed", "tool", tc.Name, "error", tc.Err)
	}
}

func toolMessage(tc ToolCall) string {
	if tc.Err != "" {
		return tc.Name + " error: " + tc.Err
	}
	return tc.Name + " result: " + tc.Result
}

// persist writes transcript, session metadata and memory, then releases
// the lock. Every sub-write is attempted and reported on its own.
func (r *TurnRunner) persist(ctx context.Context, t *turn) error {
	rep := &t.res.Persist
	defer func() {
		err := r.cfg.Locks.Release(t.res.SessionID, t.lock.RunID)
		if errors.Is(err, session.ErrNotLocked) {
			// The lock expired during the turn; nothing is held.
			err = nil
		}
		rep.Lock.set(err)
		if err != nil {
			t.logger.Warn("session lock release failed", "error", err)
		}
	}()

	if t.executed {
		t.added = r.transcriptEntries(t)
		rep.Transcript.set(r.cfg.Store.AppendTranscript(ctx, t.added))
		if rep.Transcript.OK {
			rep.Session.set(r.cfg.Store.TouchSession(ctx, t.res.SessionID, len(t.added)))
		}
	}
	if t.res.Response != "" && strings.Contains(t.res.Response, memoryFence) {
		rep.Memory.set(r.applyMemoryUpdates(t))
	}

	for name, w := range map[string]WriteResult{"transcript": rep.Transcript, "session": rep.Session, "memory": rep.Memory} {
		if w.Err != nil {
			t.logger.Error("persist write failed", "write", name, "error", w.Err)
		}
	}
	if rep.Transcript.Err != nil {
		return turnErr(CodePersistFailed, StagePersist, rep.Transcript.Err)
	}
	if rep.Session.Err != nil {
		return turnErr(CodePersistFailed, StagePersist, rep.Session.Err)
	}
	return nil
}

func (r *TurnRunner) transcriptEntries(t *turn) []persistence.TranscriptEntry {
	mk := func(role, content string) persistence.TranscriptEntry {
		return persistence.TranscriptEntry{
			SessionID: t.res.SessionID,
			AgentID:   t.def.ID,
			RunID:     t.res.RunID,
			Role:      role,
			Content:   content,
			Tokens:    tokenutil.MessageOverhead + tokenutil.EstimateTokens(content),
		}
	}
	out := []persistence.TranscriptEntry{mk(RoleUser, t.req.Message)}
	for _, tc := range t.res.ToolCalls {
		out = append(out, mk(RoleTool, toolMessage(tc)))
	}
	if t.res.Response != "" {
		out = append(out, mk(RoleAssistant, t.res.Response))
	}
	return out
}

func (r *TurnRunner) applyMemoryUpdates(t *turn) error {
	updates, noUpdate := memory.ParseFlushResponse(t.res.Response)
	if noUpdate || len(updates) == 0 {
		return nil
	}
	text, err := r.readMemory(t.def)
	if err != nil {
		return err
	}
	doc := memory.NewDocument(t.def.Name)
	if strings.TrimSpace(text) != "" {
		doc = memory.ParseDocument(text)
	}
	doc.Apply(updates)
	return r.vault.Write(t.def.MemoryPath(), doc.String())
}
