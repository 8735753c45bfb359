package shared

import (
	"context"
	"reflect"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("TraceID for empty id = %q, want -", got)
	}
}

func TestScope_SettersDoNotLeakToParent(t *testing.T) {
	parent := WithAgentID(context.Background(), "researcher")
	child := WithSessionID(parent, "sess-1")
	child = WithRunID(child, "run-1")

	if SessionID(parent) != "" || RunID(parent) != "" {
		t.Fatalf("parent scope changed: %+v", ScopeOf(parent))
	}
	want := Scope{AgentID: "researcher", SessionID: "sess-1", RunID: "run-1"}
	if got := ScopeOf(child); got != want {
		t.Fatalf("child scope = %+v, want %+v", got, want)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	first := TraceID(ctx)
	if first == "-" {
		t.Fatal("expected a generated trace id")
	}
	if again := TraceID(EnsureTraceID(ctx)); again != first {
		t.Fatalf("existing trace id replaced: %q -> %q", first, again)
	}
}

func TestScope_LogArgs(t *testing.T) {
	ctx := WithScheduleID(context.Background(), "morning")
	ctx = WithAgentID(ctx, "writer")

	got := ScopeOf(ctx).LogArgs()
	want := []any{"trace_id", "-", "agent_id", "writer", "schedule_id", "morning"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LogArgs = %v, want %v", got, want)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("expected distinct run ids, got %q and %q", a, b)
	}
}
