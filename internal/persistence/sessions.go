package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session is not active")
)

type Session struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	Status       SessionStatus `json:"status"`
	MessageCount int           `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Active reports whether the session still accepts turns.
func (s Session) Active() bool { return s.Status == SessionActive }

type TranscriptEntry struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	AgentID    string     `json:"agent_id"`
	RunID      string     `json:"run_id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Tokens     int        `json:"tokens"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// EnsureSession returns the session with the given id, creating it for
// agentID when it does not exist yet.
func (s *Store) EnsureSession(ctx context.Context, sessionID, agentID string) (Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, false, fmt.Errorf("ensure session: empty session id")
	}
	if agentID == "" {
		return Session{}, false, fmt.Errorf("ensure session %s: empty agent id", sessionID)
	}
	now := time.Now().UTC()
	var created bool
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, status, message_count, created_at, updated_at)
			VALUES (?, ?, 'active', 0, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, sessionID, agentID, now, now)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	return sess, created, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, message_count, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.AgentID, &sess.Status, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// TouchSession bumps updated_at and adds added to message_count.
func (s *Store) TouchSession(ctx context.Context, sessionID string, added int) error {
	now := time.Now().UTC()
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET message_count = message_count + ?, updated_at = ?
			WHERE id = ?;
		`, added, now, sessionID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *Store) CompleteSession(ctx context.Context, sessionID string) error {
	return s.closeSession(ctx, sessionID, SessionCompleted)
}

func (s *Store) AbandonSession(ctx context.Context, sessionID string) error {
	return s.closeSession(ctx, sessionID, SessionAbandoned)
}

// closeSession moves an active session to a terminal status. Terminal
// sessions are kept with their transcript.
func (s *Store) closeSession(ctx context.Context, sessionID string, status SessionStatus) error {
	now := time.Now().UTC()
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ?
			WHERE id = ? AND status = 'active';
		`, string(status), now, sessionID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set session %s: %w", status, err)
	}
	if n > 0 {
		return nil
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrSessionTerminated, sess.ID, sess.Status)
}

// ListSessions returns the most recently updated sessions. An empty agentID
// lists sessions across all agents.
func (s *Store) ListSessions(ctx context.Context, agentID string, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, agent_id, status, message_count, created_at, updated_at
			FROM sessions WHERE agent_id = ?
			ORDER BY updated_at DESC LIMIT ?;
		`, agentID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, agent_id, status, message_count, created_at, updated_at
			FROM sessions
			ORDER BY updated_at DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Status, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

func validRole(role string) bool {
	switch role {
	case "system", "user", "assistant", "tool":
		return true
	}
	return false
}

func normalizeEntries(entries []TranscriptEntry) error {
	for i := range entries {
		entries[i].Role = strings.ToLower(strings.TrimSpace(entries[i].Role))
		if !validRole(entries[i].Role) {
			return fmt.Errorf("invalid role %q", entries[i].Role)
		}
	}
	return nil
}

func insertTranscript(ctx context.Context, tx *sql.Tx, entries []TranscriptEntry) error {
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript (session_id, agent_id, run_id, role, content, tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.SessionID, e.AgentID, e.RunID, e.Role, e.Content, e.Tokens, created); err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
	}
	return nil
}

// AppendTranscript writes entries in order inside one transaction.
func (s *Store) AppendTranscript(ctx context.Context, entries []TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := normalizeEntries(entries); err != nil {
		return err
	}
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transcript tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertTranscript(ctx, tx, entries); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CompactTranscript archives every live entry up to throughID and appends
// summary in one transaction; on failure neither change is kept. It
// returns the number of archived rows.
func (s *Store) CompactTranscript(ctx context.Context, sessionID string, throughID int64, summary TranscriptEntry) (int64, error) {
	summary.SessionID = sessionID
	entries := []TranscriptEntry{summary}
	if err := normalizeEntries(entries); err != nil {
		return 0, err
	}
	var n int64
	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin compaction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE transcript
			SET archived_at = ?
			WHERE session_id = ? AND id <= ? AND archived_at IS NULL;
		`, time.Now().UTC(), sessionID, throughID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		if err := insertTranscript(ctx, tx, entries); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("compact transcript: %w", err)
	}
	return n, nil
}

// ListTranscript returns the newest limit unarchived entries of a session,
// oldest first.
func (s *Store) ListTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, run_id, role, content, tokens, created_at FROM (
			SELECT id, session_id, agent_id, run_id, role, content, tokens, created_at
			FROM transcript
			WHERE session_id = ? AND archived_at IS NULL
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.RunID, &e.Role, &e.Content, &e.Tokens, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript rows: %w", err)
	}
	return out, nil
}

// ArchiveTranscript marks every unarchived entry up to and including
// throughID as archived and returns the number of rows affected.
func (s *Store) ArchiveTranscript(ctx context.Context, sessionID string, throughID int64) (int64, error) {
	now := time.Now().UTC()
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE transcript
			SET archived_at = ?
			WHERE session_id = ? AND id <= ? AND archived_at IS NULL;
		`, now, sessionID, throughID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive transcript: %w", err)
	}
	return n, nil
}

// CountTranscript returns the number of archived and live entries.
func (s *Store) CountTranscript(ctx context.Context, sessionID string) (live, archived int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN archived_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN archived_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM transcript WHERE session_id = ?;
	`, sessionID).Scan(&live, &archived)
	if err != nil {
		return 0, 0, fmt.Errorf("count transcript: %w", err)
	}
	return live, archived, nil
}
