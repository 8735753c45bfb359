package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type ViolationRow struct {
	ID            int64     `json:"id"`
	AgentID       string    `json:"agent_id"`
	AttemptedPath string    `json:"attempted_path"`
	Severity      string    `json:"severity"`
	Message       string    `json:"message"`
	Record        string    `json:"record"`
	CreatedAt     time.Time `json:"created_at"`
}

// ViolationLog appends scope violation records to the scope_violations
// table. It satisfies the enforcer's log sink.
type ViolationLog struct {
	store *Store
}

func (s *Store) ViolationLog() *ViolationLog {
	return &ViolationLog{store: s}
}

func (l *ViolationLog) Append(record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	var fields struct {
		AgentID       string `json:"agent_id"`
		AttemptedPath string `json:"attempted_path"`
		Severity      string `json:"severity"`
		Message       string `json:"message"`
	}
	_ = json.Unmarshal(raw, &fields)

	ctx := context.Background()
	now := time.Now().UTC()
	err = withBusyRetry(ctx, func() error {
		_, err := l.store.db.ExecContext(ctx, `
			INSERT INTO scope_violations (agent_id, attempted_path, severity, message, record, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, fields.AgentID, fields.AttemptedPath, fields.Severity, fields.Message, string(raw), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ListViolations returns the newest violations first, optionally for one agent.
func (s *Store) ListViolations(ctx context.Context, agentID string, limit int) ([]ViolationRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, agent_id, attempted_path, severity, message, record, created_at FROM scope_violations`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []ViolationRow
	for rows.Next() {
		var v ViolationRow
		if err := rows.Scan(&v.ID, &v.AgentID, &v.AttemptedPath, &v.Severity, &v.Message, &v.Record, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("violation rows: %w", err)
	}
	return out, nil
}
