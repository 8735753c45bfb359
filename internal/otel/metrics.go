package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the kernel's instruments. Names live under "vaultclaw.".
type Metrics struct {
	TurnDuration    metric.Float64Histogram
	ActiveTurns     metric.Int64UpDownCounter
	TurnFailures    metric.Int64Counter
	LLMCallDuration metric.Float64Histogram
	TokensUsed      metric.Int64Counter
	LLMCost         metric.Float64Counter
	ToolCallErrors  metric.Int64Counter
	LockWait        metric.Float64Histogram
	LockTimeouts    metric.Int64Counter
	ScheduledRuns   metric.Int64Counter
	ScopeDenials    metric.Int64Counter
	MessagesSent    metric.Int64Counter
	Compactions     metric.Int64Counter
}

// NewMetrics registers every instrument on meter. All registration errors
// are reported together.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	seconds := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		*dst = h
		errs = append(errs, err)
	}
	count := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	seconds(&m.TurnDuration, "vaultclaw.turn.duration", "Agent turn duration")
	seconds(&m.LLMCallDuration, "vaultclaw.llm.duration", "Model call duration")
	seconds(&m.LockWait, "vaultclaw.lock.wait", "Time spent waiting for a session lock")

	count(&m.TurnFailures, "vaultclaw.turn.failures", "Turns that ended with an error code")
	count(&m.TokensUsed, "vaultclaw.llm.tokens", "Tokens consumed, by direction")
	count(&m.ToolCallErrors, "vaultclaw.tool.errors", "Tool calls that returned an error")
	count(&m.LockTimeouts, "vaultclaw.lock.timeouts", "Session lock acquisitions that timed out")
	count(&m.ScheduledRuns, "vaultclaw.scheduler.runs", "Scheduled runs started")
	count(&m.ScopeDenials, "vaultclaw.scope.denials", "Vault accesses outside an agent's scope")
	count(&m.MessagesSent, "vaultclaw.mailbox.sent", "Mailbox messages written")
	count(&m.Compactions, "vaultclaw.memory.compactions", "Transcript compactions")

	var err error
	m.ActiveTurns, err = meter.Int64UpDownCounter("vaultclaw.turn.active", metric.WithDescription("Turns in flight"))
	errs = append(errs, err)
	m.LLMCost, err = meter.Float64Counter("vaultclaw.llm.cost", metric.WithDescription("Estimated model spend"), metric.WithUnit("USD"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}
