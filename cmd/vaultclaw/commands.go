package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/config"
	"github.com/basket/vaultclaw/internal/cron"
	"github.com/basket/vaultclaw/internal/engine"
	"github.com/basket/vaultclaw/internal/pricing"
)

// openManagement opens a kernel without a chat client, for commands that
// only read or edit state.
func openManagement(ctx context.Context) (*kernel, io.Closer, int) {
	cfg, logger, closer, err := loadConfigAndLogger(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, nil, 1
	}
	k, err := openKernel(ctx, cfg, logger, nil)
	if err != nil {
		closer.Close()
		fmt.Fprintf(stderr, "open kernel: %v\n", err)
		return nil, nil, 1
	}
	return k, closer, 0
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeMinimalConfig(cfg config.Config) error {
	body := fmt.Sprintf(`# vaultclaw configuration
vault_dir: %s
log_level: info
llm:
  provider: %s
allowlist:
  default_allow: false
  entries:
    - agent_type: admin
      allowed_skills: ["*"]
scope:
  strict: false
inbox:
  enabled: true
`, cfg.VaultDir, cfg.LLM.Provider)
	return os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte(body), 0o644)
}

func runInitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bare := fs.Bool("bare", false, "skip the starter skill agents")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.NeedsInit {
		if err := writeMinimalConfig(cfg); err != nil {
			fmt.Fprintf(stderr, "write config: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", config.ConfigPath(cfg.HomeDir))
	}

	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	specs := []agent.SpawnConfig{{Type: agent.TypeAdmin, CreatedBy: "init"}}
	if !*bare {
		specs = append(specs, config.StarterAgents()...)
	}
	for _, spec := range specs {
		res, err := k.registry.SpawnAgent(spec)
		switch {
		case errors.Is(err, agent.ErrAlreadyExists):
			continue
		case err != nil:
			fmt.Fprintf(stderr, "spawn %s: %v\n", spec.Name, err)
			return 1
		}
		fmt.Fprintf(stdout, "spawned %s agent %s at %s\n", res.Entry.Type, res.Entry.ID, res.Entry.Path)
	}
	fmt.Fprintf(stdout, "vault ready at %s\n", k.vault.Root())
	return 0
}

func runSpawnCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw spawn", flag.ContinueOnError)
	fs.SetOutput(stderr)
	typ := fs.String("type", string(agent.TypeSkill), "agent type: skill or project")
	name := fs.String("name", "", "agent name")
	desc := fs.String("desc", "", "description")
	project := fs.String("project", "", "project folder for project agents")
	model := fs.String("model", "", "model override")
	scope := fs.String("scope", "", "comma separated scope patterns")
	caps := fs.String("cap", "", "comma separated capabilities")
	tags := fs.String("tags", "", "comma separated tags")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	t := agent.Type(strings.ToLower(strings.TrimSpace(*typ)))
	if t == agent.TypeAdmin || strings.TrimSpace(*name) == "" || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: vaultclaw spawn -type skill|project -name <name> [-desc D] [-project P] [-model M] [-scope a,b] [-cap a,b] [-tags a,b]")
		return 2
	}

	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	res, err := k.registry.SpawnAgent(agent.SpawnConfig{
		Type:         t,
		Name:         *name,
		ProjectPath:  *project,
		Description:  *desc,
		Scope:        splitList(*scope),
		Capabilities: splitList(*caps),
		Model:        *model,
		Tags:         splitList(*tags),
		CreatedBy:    "cli",
	})
	if err != nil {
		fmt.Fprintf(stderr, "spawn failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "spawned %s agent %s at %s\n", res.Entry.Type, res.Entry.ID, res.Entry.Path)
	return 0
}

func runArchiveCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: vaultclaw archive <agent>")
		return 2
	}
	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	if err := k.registry.UnregisterAgent(args[0]); err != nil {
		fmt.Fprintf(stderr, "archive failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "archived %s\n", args[0])
	return 0
}

func runAgentsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw agents", flag.ContinueOnError)
	fs.SetOutput(stderr)
	typ := fs.String("type", "", "only agents of this type")
	all := fs.Bool("all", false, "include archived agents")
	capability := fs.String("capability", "", "only active agents with this capability")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	if *capability != "" {
		defs, err := agent.FindAgentsByCapability(k.registry, *capability, k.logger)
		if err != nil {
			fmt.Fprintf(stderr, "find agents: %v\n", err)
			return 1
		}
		if len(defs) == 0 {
			fmt.Fprintf(stdout, "no agents with capability %q\n", *capability)
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tCAPABILITIES\tDIR")
		for _, d := range defs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Type, strings.Join(d.Capabilities, ","), d.Dir)
		}
		tw.Flush()
		return 0
	}

	entries, err := k.registry.List(agent.ListFilter{Type: agent.Type(*typ), IncludeArchived: *all})
	if err != nil {
		fmt.Fprintf(stderr, "list agents: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no agents")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Type, e.Status, e.Path)
	}
	tw.Flush()
	return 0
}

func runSessionsCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: vaultclaw sessions <agent>")
		return 2
	}
	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	sessions, err := k.store.ListSessions(ctx, args[0], 50)
	if err != nil {
		fmt.Fprintf(stderr, "list sessions: %v\n", err)
		return 1
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "no sessions")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Status, s.MessageCount, s.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
	return 0
}

func runSendCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "", "continue this session (created when missing)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: vaultclaw send [-session ID] <agent> <message>")
		return 2
	}
	agentID := fs.Arg(0)
	message := strings.Join(fs.Args()[1:], " ")

	cfg, logger, closer, err := loadConfigAndLogger(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closer.Close()
	chat, err := newChat(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "llm init: %v\n", err)
		return 1
	}
	k, err := openKernel(ctx, cfg, logger, chat)
	if err != nil {
		fmt.Fprintf(stderr, "open kernel: %v\n", err)
		return 1
	}
	defer k.Close()

	return printTurn(k.runner.Run(ctx, engine.TurnRequest{
		AgentID:       agentID,
		SessionID:     *sessionID,
		CreateSession: *sessionID != "",
		Message:       message,
		Source:        "cli",
	}))
}

func printTurn(res engine.TurnResult, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "%s (%d): %v\n", engine.CodeOf(err), engine.CodeOf(err).Status(), err)
		if res.SessionID != "" {
			fmt.Fprintf(stderr, "session: %s\n", res.SessionID)
		}
		return 1
	}
	fmt.Fprintln(stdout, res.Response)
	fmt.Fprintf(stderr, "session: %s  tokens: ~%d  cost: $%.4f  duration: %s\n", res.SessionID, res.TokensEstimated, res.CostUSD, res.Duration.Round(time.Millisecond))
	return 0
}

func runInvokeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw invoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "", "calling agent (default: admin)")
	timeout := fs.Duration("timeout", 2*time.Minute, "how long to wait for the reply")
	withMemory := fs.Bool("memory", false, "include the caller's MEMORY.md")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: vaultclaw invoke [-from ID] [-timeout D] [-memory] <skill> <task>")
		return 2
	}

	cfg, logger, closer, err := loadConfigAndLogger(true)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closer.Close()
	chat, err := newChat(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "llm init: %v\n", err)
		return 1
	}
	k, err := openKernel(ctx, cfg, logger, chat)
	if err != nil {
		fmt.Fprintf(stderr, "open kernel: %v\n", err)
		return 1
	}
	defer k.Close()

	return invokeSkill(ctx, k, agent.InvokeRequest{
		CallerID:      *from,
		SkillID:       fs.Arg(0),
		Subject:       "cli task",
		Payload:       strings.Join(fs.Args()[1:], " "),
		IncludeMemory: *withMemory,
	}, *timeout, logger)
}

// invokeSkill answers the request with an in-process inbox processor, so
// no daemon needs to be running.
func invokeSkill(ctx context.Context, k *kernel, req agent.InvokeRequest, timeout time.Duration, logger *slog.Logger) int {
	inbox, err := engine.NewInboxProcessor(engine.InboxConfig{
		Runner:        k.runner,
		Mailbox:       k.mailbox,
		Registry:      k.registry,
		Logger:        logger,
		PollInterval:  k.cfg.Messaging.PollInterval(),
		Workers:       1,
		BlockPatterns: k.cfg.Inbox.BlockPatterns,
	})
	if err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	inboxCtx, cancel := context.WithCancel(ctx)
	inbox.Start(inboxCtx)
	defer func() {
		cancel()
		inbox.Wait()
	}()

	res, err := k.invoker.InvokeSkillSync(ctx, req, timeout)
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "invoke failed: %v\n", err)
		return 1
	case res.TimedOut:
		fmt.Fprintf(stderr, "no reply from %s within %s (request %s)\n", req.SkillID, timeout, res.Request.ID)
		return 1
	}
	fmt.Fprintln(stdout, res.Response.Payload)
	return 0
}

func runSchedulesCommand(ctx context.Context, args []string) int {
	sub := "list"
	if len(args) > 0 {
		sub = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	k, closer, code := openManagement(ctx)
	if code != 0 {
		return code
	}
	defer closer.Close()
	defer k.Close()

	// The scheduler is only used to edit persisted entries here; the
	// daemon runs them.
	sched, err := cron.NewScheduler(cron.Config{
		Executor: cron.ExecutorFunc(func(context.Context, cron.Entry) (string, error) {
			return "", errors.New("schedules run in the daemon")
		}),
		Store:  k.store,
		Bus:    k.bus,
		Logger: k.logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "scheduler: %v\n", err)
		return 1
	}
	if _, err := sched.Load(ctx); err != nil {
		fmt.Fprintf(stderr, "load schedules: %v\n", err)
		return 1
	}

	switch sub {
	case "list":
		entries := sched.ListEntries()
		if len(entries) == 0 {
			fmt.Fprintln(stdout, "no schedules")
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tAGENT\tCRON\tENABLED\tNEXT RUN\tPROMPT")
		for _, e := range entries {
			next := "-"
			if e.NextRun != nil {
				next = e.NextRun.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", e.ID, e.AgentID, e.CronExpr, e.Enabled, next, e.Prompt)
		}
		tw.Flush()
		return 0

	case "add":
		fs := flag.NewFlagSet("vaultclaw schedules add", flag.ContinueOnError)
		fs.SetOutput(stderr)
		agentID := fs.String("agent", "", "agent to run")
		expr := fs.String("cron", "", "five-field cron expression or @daily-style descriptor")
		prompt := fs.String("prompt", "", "message sent to the agent on each run")
		id := fs.String("id", "", "schedule id (default: generated)")
		disabled := fs.Bool("disabled", false, "add the schedule disabled")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if *agentID == "" || *expr == "" || *prompt == "" {
			fmt.Fprintln(stderr, `usage: vaultclaw schedules add -agent <id> -cron "<expr>" -prompt "<text>" [-id ID] [-disabled]`)
			return 2
		}
		entry, err := k.registry.Get(*agentID)
		if err != nil || entry.Status != agent.StatusActive {
			fmt.Fprintf(stderr, "agent %q is not an active agent\n", *agentID)
			return 1
		}
		e, err := sched.AddEntry(ctx, cron.NewEntry{
			ID:        *id,
			AgentID:   entry.ID,
			AgentPath: entry.Path,
			CronExpr:  *expr,
			Prompt:    *prompt,
			Disabled:  *disabled,
		})
		if err != nil {
			fmt.Fprintf(stderr, "add schedule: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "added schedule %s (%s)\n", e.ID, e.CronExpr)
		return 0

	case "rm", "remove":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "usage: vaultclaw schedules rm <id>")
			return 2
		}
		if err := sched.RemoveEntry(ctx, args[0]); err != nil {
			fmt.Fprintf(stderr, "remove schedule: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "removed schedule %s\n", args[0])
		return 0

	case "history":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "usage: vaultclaw schedules history <id>")
			return 2
		}
		runs, err := k.store.ListScheduleRuns(ctx, args[0], 20)
		if err != nil {
			fmt.Fprintf(stderr, "history: %v\n", err)
			return 1
		}
		if len(runs) == 0 {
			fmt.Fprintln(stdout, "no runs")
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tDURATION\tOK\tDETAIL")
		for _, r := range runs {
			detail := r.Output
			if !r.Success {
				detail = r.Error
			}
			if len(detail) > 60 {
				detail = detail[:57] + "..."
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.StartedAt.Local().Format(time.DateTime), r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Success, strings.ReplaceAll(detail, "\n", " "))
		}
		tw.Flush()
		return 0
	}
	fmt.Fprintln(stderr, "usage: vaultclaw schedules [list|add|rm|history]")
	return 2
}

func runModelsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: vaultclaw models")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	models := cfg.AvailableModels()
	if len(models) == 0 {
		fmt.Fprintln(stdout, "no provider API keys configured")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tUSD PER 1M IN/OUT")
	for _, m := range models {
		price := "-"
		if p, ok := pricing.Lookup(m); ok {
			price = fmt.Sprintf("%.2f / %.2f", p.PromptPer1M, p.CompletionPer1M)
		}
		fmt.Fprintf(tw, "%s\t%s\n", m, price)
	}
	tw.Flush()
	fmt.Fprintf(stderr, "active: %s/%s\n", cfg.LLM.Provider, cfg.Model(cfg.LLM.Provider))
	return 0
}
