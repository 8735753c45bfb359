package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/config"
	"github.com/basket/vaultclaw/internal/cron"
	"github.com/basket/vaultclaw/internal/engine"
)

const (
	inboxDrainTimeout = 10 * time.Second
	pruneInterval     = time.Hour
)

func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vaultclaw run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	noInbox := fs.Bool("no-inbox", false, "do not answer mailbox messages")
	noScheduler := fs.Bool("no-scheduler", false, "do not run cron schedules")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Quiet logs (file-only) on a terminal so the banner stays readable.
	interactive := interactiveStdout()
	cfg, logger, closer, err := loadConfigAndLogger(interactive)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsInit {
		return fatalStartup(logger, "E_NOT_INITIALIZED", errors.New("no config.yaml; run vaultclaw init first"))
	}

	chat, err := newChat(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "E_LLM_INIT", err)
	}
	k, err := openKernel(ctx, cfg, logger, chat)
	if err != nil {
		return fatalStartup(logger, "E_KERNEL_OPEN", err)
	}
	defer k.Close()
	logger.Info("startup phase", "phase", "kernel_opened", "vault", k.vault.Root(), "policy_version", k.allowlist.PolicyVersion())

	if _, err := k.registry.Admin(); err != nil {
		return fatalStartup(logger, "E_NO_ADMIN", err)
	}
	go k.countMessages(ctx)

	var sched *cron.Scheduler
	if !*noScheduler {
		sched, err = startScheduler(ctx, k)
		if err != nil {
			return fatalStartup(logger, "E_SCHEDULER_START", err)
		}
		defer sched.Stop()
	}

	var inbox *engine.InboxProcessor
	if cfg.Inbox.Enabled && !*noInbox {
		inbox, err = engine.NewInboxProcessor(engine.InboxConfig{
			Runner:        k.runner,
			Mailbox:       k.mailbox,
			Registry:      k.registry,
			Logger:        logger,
			PollInterval:  cfg.Inbox.PollInterval(),
			Workers:       cfg.Inbox.Workers,
			BlockPatterns: cfg.Inbox.BlockPatterns,
		})
		if err != nil {
			return fatalStartup(logger, "E_INBOX_START", err)
		}
		inbox.Start(ctx)
		logger.Info("startup phase", "phase", "inbox_started", "workers", cfg.Inbox.Workers)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, k)
	}

	if cfg.Messaging.RetentionDays > 0 {
		go pruneMailbox(ctx, k)
	}

	logger.Info("startup phase", "phase", "ready")
	if interactive {
		fmt.Fprintf(stdout, "vaultclaw %s running (home %s). Press Ctrl-C to stop.\n", Version, cfg.HomeDir)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	if sched != nil {
		sched.Stop()
	}
	if inbox != nil {
		inbox.Drain(inboxDrainTimeout)
		st := inbox.Status()
		logger.Info("inbox drained", "processed", st.Processed, "failed", st.Failed)
	}
	return 0
}

// startScheduler starts the tick loop over the persisted schedules.
func startScheduler(ctx context.Context, k *kernel) (*cron.Scheduler, error) {
	sched, err := cron.NewScheduler(cron.Config{
		Executor:       engine.ScheduleExecutor{Runner: k.runner},
		Store:          k.store,
		Bus:            k.bus,
		Logger:         k.logger,
		Metrics:        k.metrics,
		Interval:       k.cfg.Scheduler.Interval(),
		MaxConcurrent:  k.cfg.Scheduler.MaxConcurrent,
		HistorySize:    k.cfg.Scheduler.HistorySize,
		RetryOnFailure: k.cfg.Scheduler.RetryOnFailure,
		MaxRetries:     k.cfg.Scheduler.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	sched.OnEvent(func(ev cron.Event) {
		if ev.Type == bus.TopicRunError {
			k.logger.Warn("scheduled run failed", "schedule_id", ev.EntryID, "agent_id", ev.AgentID, "error", ev.Err)
		}
	})
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	k.logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(sched.ListEntries()))
	return sched, nil
}

// watchConfig swaps the live allowlist when config.yaml or policy.yaml
// changes. Other settings need a restart.
func watchConfig(ctx context.Context, w *config.Watcher, k *kernel) {
	current := k.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				k.logger.Warn("config reload rejected; keeping previous settings", "paths", ev.Paths, "error", err)
				continue
			}
			before := k.allowlist.PolicyVersion()
			k.allowlist.Reload(next.Allowlist)
			after := k.allowlist.PolicyVersion()
			if before != after {
				k.logger.Info("allowlist reloaded", "paths", ev.Paths, "policy_version", after)
			}
			loaded := next.Allowlist
			next.Allowlist = current.Allowlist
			if next.Fingerprint() != current.Fingerprint() {
				k.logger.Warn("config changed; restart to apply settings other than the allowlist", "paths", ev.Paths)
			}
			current.Allowlist = loaded
		}
	}
}

func pruneMailbox(ctx context.Context, k *kernel) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := k.mailbox.PruneProcessed(ctx, k.cfg.Messaging.Retention())
		if err != nil {
			k.logger.Warn("mailbox prune failed", "error", err)
		} else if n > 0 {
			k.logger.Info("mailbox pruned", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
