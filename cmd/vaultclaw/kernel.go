package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/audit"
	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/config"
	"github.com/basket/vaultclaw/internal/engine"
	"github.com/basket/vaultclaw/internal/messaging"
	vcotel "github.com/basket/vaultclaw/internal/otel"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/policy"
	"github.com/basket/vaultclaw/internal/session"
	"github.com/basket/vaultclaw/internal/vault"
)

// kernel holds every long-lived component wired from one config.
type kernel struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	otel    *vcotel.Provider
	metrics *vcotel.Metrics

	store     *persistence.Store
	vault     *vault.Vault
	registry  *agent.Registry
	locks     *session.LockManager
	allowlist *policy.LiveAllowlist
	enforcer  *policy.Enforcer
	mailbox   *messaging.Mailbox
	audit     *audit.Log
	invoker   *agent.Invoker

	// runner is nil when the kernel was opened without a chat client.
	runner *engine.TurnRunner

	closers []func() error
}

// violationLogs fans one violation record out to several sinks.
type violationLogs []policy.ViolationLog

func (l violationLogs) Append(record any) error {
	var errs []error
	for _, sink := range l {
		if err := sink.Append(record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openKernel wires the store, vault, registry, policies, mailbox and,
// when chat is non-nil, the turn runner.
func openKernel(ctx context.Context, cfg config.Config, logger *slog.Logger, chat engine.ChatClient) (k *kernel, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	k = &kernel{cfg: cfg, logger: logger, bus: bus.New()}
	defer func() {
		if err != nil {
			k.Close()
			k = nil
		}
	}()

	k.closers = append(k.closers, func() error { k.bus.Close(); return nil })

	k.otel, err = vcotel.Init(ctx, cfg.OTel)
	if err != nil {
		return k, fmt.Errorf("init otel: %w", err)
	}
	k.closers = append(k.closers, func() error { return k.otel.Shutdown(context.Background()) })
	k.metrics, err = vcotel.NewMetrics(k.otel.Meter)
	if err != nil {
		return k, fmt.Errorf("init metrics: %w", err)
	}

	k.store, err = persistence.Open(cfg.DBPath, k.bus)
	if err != nil {
		return k, fmt.Errorf("open store: %w", err)
	}
	k.closers = append(k.closers, k.store.Close)

	k.vault, err = vault.Open(cfg.VaultDir)
	if err != nil {
		return k, err
	}
	k.registry, err = agent.NewRegistry(agent.RegistryConfig{Vault: k.vault, Bus: k.bus, Logger: logger})
	if err != nil {
		return k, err
	}

	k.locks = session.NewLockManager(session.Config{
		LockTimeout:    cfg.Lock.LockTimeout(),
		AcquireTimeout: cfg.Lock.AcquireTimeout(),
		PollInterval:   cfg.Lock.PollInterval(),
		Bus:            k.bus,
		Logger:         logger,
	})

	k.audit, err = audit.Open(cfg.HomeDir, audit.DecisionsFile)
	if err != nil {
		return k, fmt.Errorf("open audit log: %w", err)
	}
	k.closers = append(k.closers, k.audit.Close)

	sinks := violationLogs{k.store.ViolationLog()}
	if cfg.Scope.ViolationLog != "" {
		vlog, err := audit.Open(cfg.HomeDir, cfg.Scope.ViolationLog)
		if err != nil {
			return k, fmt.Errorf("open violation log: %w", err)
		}
		k.closers = append(k.closers, vlog.Close)
		sinks = append(sinks, vlog)
	}
	metrics := k.metrics
	k.enforcer = policy.NewEnforcer(policy.EnforcerConfig{
		Base:   k.vault.Root(),
		Strict: cfg.Scope.Strict,
		Log:    sinks,
		Logger: logger,
		OnViolation: func(v policy.Violation) {
			metrics.ScopeDenials.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent_id", v.AgentID)))
		},
	})

	k.allowlist = policy.NewLiveAllowlist(cfg.Allowlist, "")

	k.mailbox, err = messaging.New(messaging.Config{
		Store:        k.store,
		Resolver:     k.registry,
		Bus:          k.bus,
		Logger:       logger,
		PollInterval: cfg.Messaging.PollInterval(),
		ReplyTimeout: cfg.Messaging.ReplyTimeout(),
	})
	if err != nil {
		return k, err
	}

	k.invoker, err = agent.NewInvoker(agent.InvokerConfig{
		Registry: k.registry,
		Mailbox:  k.mailbox,
		Policy:   k.allowlist,
		Audit:    k.audit,
		Logger:   logger,
	})
	if err != nil {
		return k, err
	}

	if chat != nil {
		k.runner, err = engine.NewTurnRunner(engine.TurnConfig{
			Registry:         k.registry,
			Store:            k.store,
			Locks:            k.locks,
			Chat:             chat,
			Enforcer:         k.enforcer,
			Mailbox:          k.mailbox,
			Policy:           k.allowlist,
			Bus:              k.bus,
			Logger:           logger,
			Tracer:           k.otel.Tracer,
			Metrics:          k.metrics,
			Guard:            cfg.Context.Guard(),
			Limits:           engine.NewContextLimits(cfg.Context.ContextLimits),
			Provider:         cfg.LLM.Provider,
			Model:            cfg.Model(cfg.LLM.Provider),
			MaxMessageLength: cfg.AgentLoop.MaxMessageLength,
			HistoryLimit:     cfg.AgentLoop.HistoryLimit,
			LLMTimeout:       cfg.AgentLoop.LLMTimeout(),
			MaxToolRounds:    cfg.AgentLoop.MaxToolRounds,
			CompactionRatio:  cfg.Context.CompactionRatio,
		})
		if err != nil {
			return k, err
		}
	}
	return k, nil
}

// countMessages feeds message:sent events into the MessagesSent counter
// until ctx is done.
func (k *kernel) countMessages(ctx context.Context) {
	sub := k.bus.Subscribe(bus.TopicMessageSent)
	defer func() {
		k.bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			k.logger.Warn("message counter missed events", "dropped", n)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			var attrs []attribute.KeyValue
			if m, ok := ev.Payload.(bus.MessageEvent); ok {
				attrs = append(attrs, attribute.String("type", m.Type))
			}
			k.metrics.MessagesSent.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (k *kernel) Close() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}

// newChat builds the production chat client: a GenkitChat for the primary
// provider, wrapped in a FailoverChat when fallbacks are configured.
func newChat(ctx context.Context, cfg config.Config, logger *slog.Logger) (engine.ChatClient, error) {
	primary := engine.NewGenkitChat(ctx, engine.GenkitConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.Model(cfg.LLM.Provider),
		APIKey:   cfg.ProviderAPIKey(cfg.LLM.Provider),
		Logger:   logger,
	})
	if len(cfg.LLM.FallbackProviders) == 0 {
		return primary, nil
	}
	providers := []engine.NamedChat{{Name: cfg.LLM.Provider, Client: primary}}
	for _, p := range cfg.LLM.FallbackProviders {
		providers = append(providers, engine.NamedChat{
			Name: p,
			Client: engine.NewGenkitChat(ctx, engine.GenkitConfig{
				Provider: p,
				Model:    cfg.Model(p),
				APIKey:   cfg.ProviderAPIKey(p),
				Logger:   logger,
			}),
		})
	}
	return engine.NewFailoverChat(providers, engine.FailoverConfig{
		Threshold: cfg.LLM.FailoverThreshold,
		Cooldown:  cfg.LLM.FailoverCooldown(),
		Retries:   cfg.LLM.MaxRetries,
		Logger:    logger,
	})
}
