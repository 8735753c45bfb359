package audit

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal audit line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesDecision(t *testing.T) {
	l, err := Open(t.TempDir(), DecisionsFile)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.Record("deny", "invoke_skill", "not_allowlisted", "allowlist-abc", "brain->researcher"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record("allow", "invoke_skill", "allowlisted", "allowlist-abc", "admin->researcher"); err != nil {
		t.Fatalf("record: %v", err)
	}

	lines := readLines(t, l.Path())
	if len(lines) != 2 {
		t.Fatalf("expected two entries, got %d", len(lines))
	}
	if lines[0]["decision"] != "deny" || lines[0]["action"] != "invoke_skill" {
		t.Fatalf("unexpected first entry %#v", lines[0])
	}
	if l.DenyCount() != 1 {
		t.Fatalf("deny count = %d, want 1", l.DenyCount())
	}
}

func TestAppend_ConcurrentAndAppendOnly(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home, ViolationsFile)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(map[string]any{"n": i})
		}(i)
	}
	wg.Wait()
	_ = l.Close()

	// Reopening must not truncate.
	l2, err := Open(home, ViolationsFile)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	defer l2.Close()
	if err := l2.Append(map[string]any{"n": 20}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if got := len(readLines(t, l2.Path())); got != 21 {
		t.Fatalf("expected 21 lines, got %d", got)
	}
}

func TestAppend_RedactsSecrets(t *testing.T) {
	l, err := Open(t.TempDir(), DecisionsFile)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer l.Close()
	_ = l.Append(map[string]string{"reason": "Bearer abcdefghijklmnopqrstuvwxyz"})
	raw, _ := os.ReadFile(l.Path())
	if strings.Contains(string(raw), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("expected secret redacted, got %s", raw)
	}
}

func TestAppend_AfterCloseFails(t *testing.T) {
	l, err := Open(t.TempDir(), DecisionsFile)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_ = l.Close()
	if err := l.Append("x"); err == nil {
		t.Fatal("expected append after close to fail")
	}
}
