package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrScheduleNotFound = errors.New("schedule not found")

type Schedule struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	AgentPath string     `json:"agent_path"`
	CronExpr  string     `json:"cron_expr"`
	Prompt    string     `json:"prompt"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ScheduleRun struct {
	ID         int64     `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	AgentID    string    `json:"agent_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// SaveSchedule inserts or replaces a schedule by id.
func (s *Store) SaveSchedule(ctx context.Context, sch Schedule) error {
	if sch.ID == "" || sch.AgentID == "" || sch.CronExpr == "" {
		return fmt.Errorf("save schedule: id, agent_id and cron_expr are required")
	}
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, agent_id, agent_path, cron_expr, prompt, enabled, last_run_at, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				agent_id = excluded.agent_id,
				agent_path = excluded.agent_path,
				cron_expr = excluded.cron_expr,
				prompt = excluded.prompt,
				enabled = excluded.enabled,
				last_run_at = excluded.last_run_at,
				next_run_at = excluded.next_run_at,
				updated_at = excluded.updated_at;
		`, sch.ID, sch.AgentID, sch.AgentPath, sch.CronExpr, sch.Prompt, sch.Enabled,
			nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), sch.CreatedAt, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, agent_path, cron_expr, prompt, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM schedules ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sch           Schedule
			last, nextRun sql.NullTime
		)
		if err := rows.Scan(&sch.ID, &sch.AgentID, &sch.AgentPath, &sch.CronExpr, &sch.Prompt, &sch.Enabled,
			&last, &nextRun, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if last.Valid {
			t := last.Time
			sch.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			sch.NextRunAt = &t
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun records the outcome timestamps of a fired schedule.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	now := time.Now().UTC()
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, lastRun.UTC(), nullTime(nextRun), now, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) InsertScheduleRun(ctx context.Context, run ScheduleRun) (int64, error) {
	var id int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO schedule_runs (schedule_id, agent_id, started_at, ended_at, success, output, error)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, run.ScheduleID, run.AgentID, run.StartedAt.UTC(), run.EndedAt.UTC(), run.Success, run.Output, run.Error)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert schedule run: %w", err)
	}
	return id, nil
}

// ListScheduleRuns returns the newest runs first. An empty scheduleID lists
// runs across all schedules.
func (s *Store) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if scheduleID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, schedule_id, agent_id, started_at, ended_at, success, output, error
			FROM schedule_runs WHERE schedule_id = ? ORDER BY id DESC LIMIT ?;
		`, scheduleID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, schedule_id, agent_id, started_at, ended_at, success, output, error
			FROM schedule_runs ORDER BY id DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule runs: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRun
	for rows.Next() {
		var r ScheduleRun
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.AgentID, &r.StartedAt, &r.EndedAt, &r.Success, &r.Output, &r.Error); err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule run rows: %w", err)
	}
	return out, nil
}
