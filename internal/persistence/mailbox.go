package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/vaultclaw/internal/bus"
)

var ErrMessageNotFound = errors.New("message not found")

// MailboxMessage is one durable mailbox row. Rows are append-only; only the
// processed marker changes, and only from false to true.
type MailboxMessage struct {
	Seq           int64      `json:"seq"`
	ID            string     `json:"id"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Type          string     `json:"type"`
	Subject       string     `json:"subject"`
	Payload       string     `json:"payload"`
	Priority      string     `json:"priority"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ReplyTo       string     `json:"reply_to,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type MailboxFilter struct {
	Type       string
	From       string
	ReplyTo    string
	UnreadOnly bool
	Limit      int
}

func (s *Store) InsertMessage(ctx context.Context, msg MailboxMessage) (MailboxMessage, error) {
	if msg.ID == "" || msg.From == "" || msg.To == "" {
		return MailboxMessage{}, fmt.Errorf("insert message: id, from and to are required")
	}
	if msg.Priority == "" {
		msg.Priority = "normal"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO mailbox (id, from_agent, to_agent, type, subject, payload, priority, correlation_id, reply_to, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.From, msg.To, msg.Type, msg.Subject, msg.Payload, msg.Priority, msg.CorrelationID, msg.ReplyTo, msg.CreatedAt)
		if err != nil {
			return err
		}
		msg.Seq, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return MailboxMessage{}, fmt.Errorf("insert message: %w", err)
	}
	s.publish(bus.TopicMessageSent, bus.MessageEvent{MessageID: msg.ID, From: msg.From, To: msg.To, Type: msg.Type})
	return msg, nil
}

// ListMessages returns the mailbox of agentID in append order. A zero
// filter limit returns every match.
func (s *Store) ListMessages(ctx context.Context, agentID string, filter MailboxFilter) ([]MailboxMessage, error) {
	var (
		where = []string{"to_agent = ?"}
		args  = []any{agentID}
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.From != "" {
		where = append(where, "from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.ReplyTo != "" {
		where = append(where, "reply_to = ?")
		args = append(args, filter.ReplyTo)
	}
	if filter.UnreadOnly {
		where = append(where, "processed = 0")
	}
	limit := ""
	if filter.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, from_agent, to_agent, type, subject, payload, priority,
			correlation_id, reply_to, created_at, processed, processed_at
		FROM mailbox
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq ASC
		`+limit+`;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	defer rows.Close()

	var out []MailboxMessage
	for rows.Next() {
		var (
			m           MailboxMessage
			processedAt sql.NullTime
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.From, &m.To, &m.Type, &m.Subject, &m.Payload, &m.Priority,
			&m.CorrelationID, &m.ReplyTo, &m.CreatedAt, &m.Processed, &processedAt); err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mailbox rows: %w", err)
	}
	return out, nil
}

// MarkMessageProcessed sets the processed marker. changed is false when the
// message was already processed.
func (s *Store) MarkMessageProcessed(ctx context.Context, agentID, messageID string) (bool, error) {
	now := time.Now().UTC()
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE mailbox SET processed = 1, processed_at = ?
			WHERE id = ? AND to_agent = ? AND processed = 0;
		`, now, messageID, agentID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark message processed: %w", err)
	}
	if n > 0 {
		s.publish(bus.TopicMessageProcessed, bus.MessageEvent{MessageID: messageID, To: agentID})
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mailbox WHERE id = ? AND to_agent = ?;`, messageID, agentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup message: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return false, nil
}

// PruneProcessedMessages deletes processed messages older than cutoff.
func (s *Store) PruneProcessedMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM mailbox WHERE processed = 1 AND processed_at IS NOT NULL AND processed_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune mailbox: %w", err)
	}
	return n, nil
}
