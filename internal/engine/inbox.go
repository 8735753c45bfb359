package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/cron"
	"github.com/basket/vaultclaw/internal/messaging"
	"github.com/basket/vaultclaw/internal/safety"
	"github.com/basket/vaultclaw/internal/shared"
)

// InboxConfig configures an InboxProcessor.
type InboxConfig struct {
	Runner       *TurnRunner
	Mailbox      *messaging.Mailbox
	Registry     *agent.Registry
	Logger       *slog.Logger
	PollInterval time.Duration // default 1s
	Workers      int           // agents processed in parallel, default 4
	// BlockPatterns are extra case-insensitive expressions that reject a
	// request, on top of safety.DefaultRules.
	BlockPatterns []string
}

// InboxStatus is a snapshot of the processor.
type InboxStatus struct {
	Workers   int    `json:"workers"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// InboxProcessor answers mailbox requests by running a turn for the
// recipient and replying with the result. Messages of one agent are handled
// in send order.
type InboxProcessor struct {
	cfg       InboxConfig
	logger    *slog.Logger
	sanitizer *safety.Sanitizer

	once sync.Once
	wg   sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	lastError atomic.Pointer[string]
}

// NewInboxProcessor validates cfg and applies defaults.
func NewInboxProcessor(cfg InboxConfig) (*InboxProcessor, error) {
	if cfg.Runner == nil || cfg.Mailbox == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("inbox: runner, mailbox and registry are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	extra := make([]safety.Rule, 0, len(cfg.BlockPatterns))
	for _, expr := range cfg.BlockPatterns {
		extra = append(extra, safety.Rule{Name: "custom: " + expr, Action: safety.ActionBlock, Expr: expr})
	}
	sanitizer, err := safety.NewSanitizer(extra...)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	return &InboxProcessor{cfg: cfg, logger: cfg.Logger, sanitizer: sanitizer}, nil
}

// Start launches the poll loop. Calling it twice has no effect.
func (p *InboxProcessor) Start(ctx context.Context) {
	p.once.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx)
		}()
	})
}

// Wait blocks until the loop has exited.
func (p *InboxProcessor) Wait() { p.wg.Wait() }

// Drain waits for the loop to exit for at most timeout.
func (p *InboxProcessor) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("inbox drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("inbox drain timeout; unprocessed messages stay unread", "timeout", timeout)
	}
}

// Status returns counters since start.
func (p *InboxProcessor) Status() InboxStatus {
	st := InboxStatus{
		Workers:   p.cfg.Workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
	if e := p.lastError.Load(); e != nil {
		st.LastError = *e
	}
	return st
}

func (p *InboxProcessor) setLastError(err error) {
	s := err.Error()
	p.lastError.Store(&s)
}

func (p *InboxProcessor) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.setLastError(err)
			p.logger.Warn("inbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce handles every unread request currently queued for active
// agents and returns how many were answered.
func (p *InboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	agents, err := p.cfg.Registry.List(agent.ListFilter{Status: agent.StatusActive})
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	// One agent's failure must not cancel the turns of the others.
	var (
		handled atomic.Int64
		mu      sync.Mutex
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(p.cfg.Workers)
	for _, a := range agents {
		agentID := a.ID
		g.Go(func() error {
			n, err := p.processAgent(ctx, agentID)
			handled.Add(int64(n))
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("agent %s: %w", agentID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(handled.Load()), errors.Join(errs...)
}

func (p *InboxProcessor) processAgent(ctx context.Context, agentID string) (int, error) {
	msgs, err := p.cfg.Mailbox.ReceiveMessages(ctx, agentID, messaging.Filter{Type: messaging.TypeRequest, UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := p.handle(ctx, msg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// handle runs one turn for msg and replies. A failed turn still gets a reply
// carrying the error code so the sender is not left waiting.
func (p *InboxProcessor) handle(ctx context.Context, msg messaging.Envelope) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	check := p.sanitizer.Check(msg.Subject + "\n" + msg.Payload)
	if check.Action == safety.ActionWarn {
		p.logger.Warn("suspicious mailbox message", "message_id", msg.ID, "from", msg.From, "rule", check.Rule)
	}
	if err := check.Err(); err != nil {
		p.logger.Warn("mailbox message blocked", "message_id", msg.ID, "from", msg.From, "to", msg.To, "rule", check.Rule)
		return p.reply(ctx, msg, "", turnErr(CodeValidation, StageIntake, err))
	}
	res, err := p.cfg.Runner.Run(ctx, TurnRequest{
		AgentID:       msg.To,
		SessionID:     inboxSessionID(msg.To, msg.From),
		CreateSession: true,
		Message:       inboxPrompt(msg),
		Source:        "mailbox",
	})
	if err != nil && CodeOf(err).Recoverable() {
		// Leave the message unread; the next poll retries it.
		p.logger.Info("inbox turn deferred", "message_id", msg.ID, "agent_id", msg.To, "error", err)
		return nil
	}
	return p.reply(ctx, msg, res.Response, err)
}

// reply answers msg with response, or with the error code when err is set,
// and marks msg processed.
func (p *InboxProcessor) reply(ctx context.Context, msg messaging.Envelope, response string, err error) error {
	reply := response
	if err != nil {
		p.failed.Add(1)
		p.setLastError(err)
		reply = fmt.Sprintf("error %s: %v", CodeOf(err), err)
	}
	if _, rerr := p.cfg.Mailbox.Reply(ctx, msg, "", reply); rerr != nil {
		p.logger.Warn("inbox reply failed", "message_id", msg.ID, "error", rerr)
	}
	if err := p.cfg.Mailbox.MarkAsProcessed(ctx, msg.To, msg.ID); err != nil {
		return err
	}
	p.processed.Add(1)
	return nil
}

// inboxSessionID keeps one conversation per sender and recipient pair.
func inboxSessionID(to, from string) string {
	return "mailbox:" + to + ":" + from
}

func inboxPrompt(msg messaging.Envelope) string {
	if msg.Subject == "" {
		return fmt.Sprintf("Message from agent %s:\n\n%s", msg.From, msg.Payload)
	}
	return fmt.Sprintf("Message from agent %s (subject: %s):\n\n%s", msg.From, msg.Subject, msg.Payload)
}

// ScheduleExecutor runs cron entries as agent turns. Each run gets its own
// session.
type ScheduleExecutor struct {
	Runner *TurnRunner
}

func (e ScheduleExecutor) Execute(ctx context.Context, entry cron.Entry) (string, error) {
	res, err := e.Runner.Run(ctx, TurnRequest{
		AgentID: entry.AgentID,
		Message: entry.Prompt,
		Source:  "schedule",
	})
	if res.SessionID != "" {
		e.Runner.ForgetSession(res.SessionID)
	}
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

var _ cron.Executor = ScheduleExecutor{}
