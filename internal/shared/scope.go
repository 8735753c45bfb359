// Package shared holds identifiers and helpers used across the kernel:
// the per-request scope carried on contexts and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// AdminAgentID is the fixed identifier of the vault's admin agent.
const AdminAgentID = "admin"

// Scope is the set of identifiers a request carries through the kernel.
// Empty fields are unset.
type Scope struct {
	TraceID    string
	AgentID    string
	SessionID  string
	RunID      string
	ScheduleID string
}

type scopeKey struct{}

// ScopeOf returns the scope attached to ctx, or the zero Scope.
func ScopeOf(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// WithScope replaces the scope on ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func update(ctx context.Context, fn func(*Scope)) context.Context {
	s := ScopeOf(ctx)
	fn(&s)
	return WithScope(ctx, s)
}

// LogArgs returns slog key/value pairs for the scope. trace_id is always
// present ("-" when unset); the other identifiers only when set.
func (s Scope) LogArgs() []any {
	trace := s.TraceID
	if trace == "" {
		trace = "-"
	}
	args := []any{"trace_id", trace}
	for _, kv := range [...][2]string{
		{"agent_id", s.AgentID},
		{"session_id", s.SessionID},
		{"run_id", s.RunID},
		{"schedule_id", s.ScheduleID},
	} {
		if kv[1] != "" {
			args = append(args, kv[0], kv[1])
		}
	}
	return args
}

// NewTraceID generates a trace identifier.
func NewTraceID() string { return uuid.NewString() }

// NewRunID generates a run identifier.
func NewRunID() string { return uuid.NewString() }

// WithTraceID sets the trace identifier.
func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.TraceID = id })
}

// EnsureTraceID keeps an existing trace identifier or starts a new one.
func EnsureTraceID(ctx context.Context) context.Context {
	if ScopeOf(ctx).TraceID != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// TraceID returns the trace identifier, or "-" when unset.
func TraceID(ctx context.Context) string {
	if id := ScopeOf(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.AgentID = id })
}

func AgentID(ctx context.Context) string { return ScopeOf(ctx).AgentID }

func WithSessionID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.SessionID = id })
}

func SessionID(ctx context.Context) string { return ScopeOf(ctx).SessionID }

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.RunID = id })
}

func RunID(ctx context.Context) string { return ScopeOf(ctx).RunID }

// WithScheduleID marks ctx as belonging to a scheduled run.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.ScheduleID = id })
}

func ScheduleID(ctx context.Context) string { return ScopeOf(ctx).ScheduleID }
