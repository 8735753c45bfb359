package policy

import (
	"log/slog"
	"sync"
	"time"
)

// maxViolationsPerAgent bounds the in-memory history kept for each agent.
const maxViolationsPerAgent = 500

// ViolationLog receives every recorded violation. Appends are best-effort.
type ViolationLog interface {
	Append(record any) error
}

// EnforcerConfig configures an Enforcer.
type EnforcerConfig struct {
	Base        string // vault root
	Strict      bool
	Log         ViolationLog
	Logger      *slog.Logger
	Now         func() time.Time
	OnViolation func(Violation)
}

// Enforcer applies scope checks for agents and remembers their violations.
type Enforcer struct {
	base        string
	strict      bool
	log         ViolationLog
	logger      *slog.Logger
	now         func() time.Time
	onViolation func(Violation)

	mu         sync.Mutex
	violations map[string][]Violation
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Enforcer{
		base:        cfg.Base,
		strict:      cfg.Strict,
		log:         cfg.Log,
		logger:      cfg.Logger,
		now:         cfg.Now,
		onViolation: cfg.OnViolation,
		violations:  make(map[string][]Violation),
	}
}

// Strict reports whether RequireAccess returns errors.
func (e *Enforcer) Strict() bool { return e.strict }

// Check runs CheckAccess and records a violation on denial.
func (e *Enforcer) Check(agentID string, scopes []string, path string) AccessResult {
	res := CheckAccess(agentID, scopes, path, e.base, e.now())
	if !res.Allowed {
		e.record(*res.Violation)
	}
	return res
}

// CanAccess reports whether the agent may access path.
func (e *Enforcer) CanAccess(agentID string, scopes []string, path string) bool {
	return e.Check(agentID, scopes, path).Allowed
}

// Authorize checks path once, recording a violation on denial. Strict
// enforcers also return the denial as a *ScopeViolationError.
func (e *Enforcer) Authorize(agentID string, scopes []string, path string) (AccessResult, error) {
	res := e.Check(agentID, scopes, path)
	if res.Allowed || !e.strict {
		return res, nil
	}
	return res, &ScopeViolationError{Violation: *res.Violation}
}

// RequireAccess returns a *ScopeViolationError for a denied path when the
// enforcer is strict. Non-strict enforcers record the violation and return nil.
func (e *Enforcer) RequireAccess(agentID string, scopes []string, path string) error {
	_, err := e.Authorize(agentID, scopes, path)
	return err
}

// FilterAccessible returns the subset of paths the agent may access, in order.
func (e *Enforcer) FilterAccessible(agentID string, scopes []string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if e.CanAccess(agentID, scopes, p) {
			out = append(out, p)
		}
	}
	return out
}

// ValidationResult partitions a batch of paths.
type ValidationResult struct {
	Allowed    []string
	Denied     []string
	Violations []Violation
}

// Valid reports whether every path was allowed.
func (r ValidationResult) Valid() bool { return len(r.Denied) == 0 }

// ValidatePaths checks every path and partitions the batch.
func (e *Enforcer) ValidatePaths(agentID string, scopes []string, paths []string) ValidationResult {
	var out ValidationResult
	for _, p := range paths {
		res := e.Check(agentID, scopes, p)
		if res.Allowed {
			out.Allowed = append(out.Allowed, p)
			continue
		}
		out.Denied = append(out.Denied, p)
		out.Violations = append(out.Violations, *res.Violation)
	}
	return out
}

// Violations returns a copy of the violations recorded for agentID.
func (e *Enforcer) Violations(agentID string) []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Violation(nil), e.violations[agentID]...)
}

// ClearViolations forgets the in-memory history for agentID. The log is untouched.
func (e *Enforcer) ClearViolations(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.violations, agentID)
}

func (e *Enforcer) record(v Violation) {
	e.mu.Lock()
	list := append(e.violations[v.AgentID], v)
	if len(list) > maxViolationsPerAgent {
		list = list[len(list)-maxViolationsPerAgent:]
	}
	e.violations[v.AgentID] = list
	e.mu.Unlock()

	e.logger.Warn("scope violation",
		"agent_id", v.AgentID,
		"path", v.AttemptedPath,
		"severity", string(v.Severity),
	)
	if e.log != nil {
		if err := e.log.Append(v); err != nil {
			e.logger.Warn("scope violation log append failed", "agent_id", v.AgentID, "error", err)
		}
	}
	if e.onViolation != nil {
		e.onViolation(v)
	}
}
