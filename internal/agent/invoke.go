package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/vaultclaw/internal/audit"
	"github.com/basket/vaultclaw/internal/messaging"
	"github.com/basket/vaultclaw/internal/policy"
	"github.com/basket/vaultclaw/internal/shared"
	"github.com/basket/vaultclaw/internal/vault"
	"golang.org/x/sync/errgroup"
)

const actionInvokeSkill = "invoke_skill"

// ErrDelegationDenied means the allowlist does not let the caller invoke
// the skill.
var ErrDelegationDenied = errors.New("delegation denied by allowlist")

type InvokerConfig struct {
	Registry *Registry
	Mailbox  *messaging.Mailbox
	Policy   policy.Checker
	Audit    *audit.Log
	Logger   *slog.Logger
	// MaxParallel bounds InvokeMultipleSkills fan-out. Zero is unbounded.
	MaxParallel int
}

// Invoker delegates work from one agent to skill agents over the mailbox.
type Invoker struct {
	registry    *Registry
	mailbox     *messaging.Mailbox
	policy      policy.Checker
	audit       *audit.Log
	logger      *slog.Logger
	maxParallel int
}

func NewInvoker(cfg InvokerConfig) (*Invoker, error) {
	if cfg.Registry == nil || cfg.Mailbox == nil {
		return nil, fmt.Errorf("invoker: registry and mailbox are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewLiveAllowlist(policy.Default(), "")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{
		registry:    cfg.Registry,
		mailbox:     cfg.Mailbox,
		policy:      cfg.Policy,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		maxParallel: cfg.MaxParallel,
	}, nil
}

type InvokeRequest struct {
	// CallerID defaults to the admin agent.
	CallerID string
	SkillID  string
	Subject  string
	Payload  string
	Priority messaging.Priority
	// IncludeMemory prepends the caller's MEMORY.md to the payload.
	IncludeMemory bool
}

type InvokeResult struct {
	SkillID  string
	Request  messaging.Envelope
	Response *messaging.Envelope
	TimedOut bool
	Err      error
}

// Succeeded reports whether a reply arrived without error.
func (r InvokeResult) Succeeded() bool {
	return r.Err == nil && !r.TimedOut && r.Response != nil
}

func (i *Invoker) record(verdict, reason, subject string) {
	if i.audit == nil {
		return
	}
	if err := i.audit.Record(verdict, actionInvokeSkill, reason, i.policy.PolicyVersion(), subject); err != nil {
		i.logger.Warn("audit record failed", "error", err)
	}
}

// prepare resolves caller and skill, checks the allowlist and builds the
// outgoing message.
func (i *Invoker) prepare(req InvokeRequest) (messaging.Outgoing, error) {
	callerID := req.CallerID
	if callerID == "" {
		admin, err := i.registry.Admin()
		if err != nil {
			return messaging.Outgoing{}, fmt.Errorf("resolve admin: %w", err)
		}
		callerID = admin.ID
	}
	caller, err := i.registry.Get(callerID)
	if err != nil || caller.Status == StatusArchived {
		return messaging.Outgoing{}, fmt.Errorf("%w: caller %q", messaging.ErrUnknownAgent, callerID)
	}
	skill, err := i.registry.Get(req.SkillID)
	if err != nil || skill.Status == StatusArchived {
		return messaging.Outgoing{}, fmt.Errorf("%w: skill %q", messaging.ErrUnknownAgent, req.SkillID)
	}
	if skill.Type != TypeSkill {
		return messaging.Outgoing{}, fmt.Errorf("invoke %s: agent is a %s, not a skill", skill.ID, skill.Type)
	}

	subject := caller.ID + "->" + skill.ID
	if !i.policy.CanSpawnSkill(caller.ID, string(caller.Type), skill.ID) {
		i.record("deny", "allowlist", subject)
		i.logger.Warn("skill invocation denied", "agent_id", caller.ID, "skill_id", skill.ID)
		return messaging.Outgoing{}, fmt.Errorf("%w: %s", ErrDelegationDenied, subject)
	}
	i.record("allow", "allowlist", subject)

	payload := req.Payload
	if req.IncludeMemory {
		mem, err := i.callerMemory(caller)
		if err != nil {
			i.logger.Warn("caller memory unavailable", "agent_id", caller.ID, "error", err)
		} else if mem != "" {
			payload = "## Caller Memory\n\n" + mem + "\n\n## Request\n\n" + payload
		}
	}
	title := req.Subject
	if title == "" {
		title = "Invoke " + skill.Name
	}
	return messaging.Outgoing{
		From:     caller.ID,
		To:       skill.ID,
		Type:     messaging.TypeRequest,
		Subject:  title,
		Payload:  payload,
		Priority: req.Priority,
	}, nil
}

func (i *Invoker) callerMemory(caller RegistryEntry) (string, error) {
	text, err := i.registry.Vault().Read(caller.Path + "/" + MemoryFile)
	if vault.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// InvokeSkill sends a request to a skill without waiting for its reply.
func (i *Invoker) InvokeSkill(ctx context.Context, req InvokeRequest) (messaging.Envelope, error) {
	out, err := i.prepare(req)
	if err != nil {
		return messaging.Envelope{}, err
	}
	env, err := i.mailbox.SendMessage(ctx, out)
	if err != nil {
		return messaging.Envelope{}, err
	}
	i.logger.Info("skill invoked", "agent_id", out.From, "skill_id", out.To, "message_id", env.ID, "trace_id", shared.TraceID(ctx))
	return env, nil
}

// InvokeSkillSync sends a request and waits up to timeout for the reply.
// A missing reply is reported through TimedOut, not as an error.
func (i *Invoker) InvokeSkillSync(ctx context.Context, req InvokeRequest, timeout time.Duration) (InvokeResult, error) {
	res := InvokeResult{SkillID: req.SkillID}
	out, err := i.prepare(req)
	if err != nil {
		return res, err
	}
	wait, err := i.mailbox.RequestAndWait(ctx, out, timeout)
	res.Request = wait.Request
	res.Response = wait.Response
	res.TimedOut = wait.TimedOut
	if err != nil {
		return res, err
	}
	i.logger.Info("skill invocation finished",
		"agent_id", out.From,
		"skill_id", out.To,
		"timed_out", wait.TimedOut,
		"waited_ms", wait.Waited.Milliseconds(),
	)
	return res, nil
}

// InvokeMultipleSkills runs every request concurrently. A failing request
// is reported in its own result and never cancels the others.
func (i *Invoker) InvokeMultipleSkills(ctx context.Context, reqs []InvokeRequest, timeout time.Duration) []InvokeResult {
	results := make([]InvokeResult, len(reqs))
	var g errgroup.Group
	if i.maxParallel > 0 {
		g.SetLimit(i.maxParallel)
	}
	for idx, req := range reqs {
		g.Go(func() error {
			res, err := i.InvokeSkillSync(ctx, req, timeout)
			res.SkillID = req.SkillID
			res.Err = err
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FindAgentsByCapability returns the definitions of active agents that list
// capability. Definitions are read fresh from the vault.
func (i *Invoker) FindAgentsByCapability(capability string) ([]Definition, error) {
	return FindAgentsByCapability(i.registry, capability, i.logger)
}

func FindAgentsByCapability(r *Registry, capability string, logger *slog.Logger) ([]Definition, error) {
	entries, err := r.List(ListFilter{Status: StatusActive})
	if err != nil {
		return nil, err
	}
	var out []Definition
	for _, e := range entries {
		def, err := LoadDefinition(r.Vault(), e.Path)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping unreadable definition", "agent_id", e.ID, "error", err)
			}
			continue
		}
		if def.HasCapability(capability) {
			out = append(out, def)
		}
	}
	return out, nil
}
