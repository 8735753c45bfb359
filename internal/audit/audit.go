// Package audit appends security-relevant records (scope violations,
// delegation decisions) to JSONL files under <home>/logs.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/vaultclaw/internal/shared"
)

// Well-known log file names.
const (
	ViolationsFile = "scope_violations.jsonl"
	DecisionsFile  = "audit.jsonl"
)

type decision struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// Log is an append-only JSONL file. It is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	denyCount atomic.Int64
}

// Open opens (creating if needed) <homeDir>/logs/<name> for appending.
func Open(homeDir, name string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, path: path}, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Append writes record as one JSON line. Secrets are redacted before the
// line reaches disk.
func (l *Log) Append(record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line := shared.Redact(string(b)) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	_, err = l.file.WriteString(line)
	return err
}

// Record appends an allow/deny decision.
func (l *Log) Record(verdict, action, reason, policyVersion, subject string) error {
	if verdict == "deny" {
		l.denyCount.Add(1)
	}
	return l.Append(decision{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      verdict,
		Action:        action,
		Reason:        reason,
		PolicyVersion: policyVersion,
		Subject:       subject,
	})
}

// DenyCount returns the number of deny decisions recorded since Open.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Close closes the underlying file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
