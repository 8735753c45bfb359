// Package memory manages the conversational context budget and the agent's
// durable memory document.
package memory

import (
	"fmt"
	"math"
)

// Action is the single decision the guard returns for a token count.
type Action string

const (
	ActionNone    Action = "none"
	ActionFlush   Action = "flush"
	ActionCompact Action = "compact"
	ActionReject  Action = "reject"
)

// Thresholds are fractions of the usable window.
type Thresholds struct {
	Flush    float64 `yaml:"flush"`
	Compact  float64 `yaml:"compact"`
	Critical float64 `yaml:"critical"`
}

// GuardConfig sizes the window. Usable = ContextWindow - ReserveTokens.
type GuardConfig struct {
	ContextWindow int        `yaml:"context_window"`
	ReserveTokens int        `yaml:"reserve_tokens"`
	Thresholds    Thresholds `yaml:"thresholds"`
}

// DefaultGuardConfig returns a 100k window with 4k reserved and
// flush/compact/critical at 70/85/95 percent.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ContextWindow: 100000,
		ReserveTokens: 4000,
		Thresholds:    Thresholds{Flush: 0.70, Compact: 0.85, Critical: 0.95},
	}
}

// Usable returns the token count thresholds are measured against.
func (c GuardConfig) Usable() int {
	return c.ContextWindow - c.ReserveTokens
}

// Validate checks that the window is positive and thresholds ascend in (0, 1].
func (c GuardConfig) Validate() error {
	if c.Usable() <= 0 {
		return fmt.Errorf("guard: usable window must be positive (window=%d reserve=%d)", c.ContextWindow, c.ReserveTokens)
	}
	t := c.Thresholds
	if t.Flush <= 0 || t.Flush > t.Compact || t.Compact > t.Critical || t.Critical > 1 {
		return fmt.Errorf("guard: thresholds must satisfy 0 < flush <= compact <= critical <= 1 (got %.2f/%.2f/%.2f)", t.Flush, t.Compact, t.Critical)
	}
	return nil
}

// GuardResult is the guard's verdict for one token count.
type GuardResult struct {
	Action     Action
	UsageRatio float64
	// TokensUntilThreshold is the distance to the next threshold. It is only
	// meaningful for ActionNone (next: flush) and ActionFlush (next: compact).
	TokensUntilThreshold int
	Reason               string
}

// CompactionTarget says how far compaction must shrink the context.
type CompactionTarget struct {
	TargetTokens   int
	TokensToRemove int
}

// Accommodation is the result of CanAccommodate.
type Accommodation struct {
	CanFit  bool
	Overage int
	Result  GuardResult
}

// Guard maps token counts to context actions.
type Guard struct {
	cfg GuardConfig
}

// NewGuard validates cfg and returns a Guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{cfg: cfg}, nil
}

// Config returns the guard's configuration.
func (g *Guard) Config() GuardConfig { return g.cfg }

// thresholdTokens is the smallest token count at which fraction is met.
func (g *Guard) thresholdTokens(fraction float64) int {
	return int(math.Ceil(fraction*float64(g.cfg.Usable()) - 1e-9))
}

// Check returns the most severe action whose threshold tokens meets:
// critical (reject) > compact > flush > none.
func (g *Guard) Check(tokens int) GuardResult {
	if tokens < 0 {
		tokens = 0
	}
	usable := g.cfg.Usable()
	t := g.cfg.Thresholds
	res := GuardResult{UsageRatio: float64(tokens) / float64(usable)}
	pct := res.UsageRatio * 100

	switch {
	case tokens >= g.thresholdTokens(t.Critical):
		res.Action = ActionReject
		res.Reason = fmt.Sprintf("usage %.1f%% reached critical threshold %.0f%%", pct, t.Critical*100)
	case tokens >= g.thresholdTokens(t.Compact):
		res.Action = ActionCompact
		res.Reason = fmt.Sprintf("usage %.1f%% reached compact threshold %.0f%%", pct, t.Compact*100)
	case tokens >= g.thresholdTokens(t.Flush):
		res.Action = ActionFlush
		res.TokensUntilThreshold = g.thresholdTokens(t.Compact) - tokens
		res.Reason = fmt.Sprintf("usage %.1f%% reached flush threshold %.0f%%", pct, t.Flush*100)
	default:
		res.Action = ActionNone
		res.TokensUntilThreshold = g.thresholdTokens(t.Flush) - tokens
		res.Reason = fmt.Sprintf("usage %.1f%% below flush threshold %.0f%%", pct, t.Flush*100)
	}
	return res
}

// TokenBudget returns the tokens left before the flush threshold, floored at 0.
func (g *Guard) TokenBudget(current int) int {
	left := g.thresholdTokens(g.cfg.Thresholds.Flush) - current
	if left < 0 {
		return 0
	}
	return left
}

// CompactionTarget returns the size compaction should shrink to, as ratio
// of the usable window (0.5 when ratio is outside (0, 1]).
func (g *Guard) CompactionTarget(current int, ratio float64) CompactionTarget {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	target := int(math.Floor(float64(g.cfg.Usable()) * ratio))
	remove := current - target
	if remove < 0 {
		remove = 0
	}
	return CompactionTarget{TargetTokens: target, TokensToRemove: remove}
}

// CanAccommodate evaluates current+incoming. It cannot fit only when the
// total reaches the critical threshold; Overage is then the number of tokens
// that must go to drop back below it.
func (g *Guard) CanAccommodate(current, incoming int) Accommodation {
	total := current + incoming
	res := g.Check(total)
	if res.Action != ActionReject {
		return Accommodation{CanFit: true, Result: res}
	}
	limit := g.thresholdTokens(g.cfg.Thresholds.Critical)
	return Accommodation{CanFit: false, Overage: total - limit + 1, Result: res}
}
