// Package messaging implements the durable per-agent mailbox used for
// delegation between agents.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultReplyTimeout = 60 * time.Second
)

type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

var (
	// ErrSendFailed means the message was not stored. It wraps the cause.
	ErrSendFailed = errors.New("messaging: send failed")
	// ErrUnknownAgent means a sender or recipient could not be resolved.
	ErrUnknownAgent = errors.New("messaging: unknown agent")
)

// Envelope is one message as seen by agents.
type Envelope struct {
	ID            string      `json:"id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Type          MessageType `json:"type"`
	Subject       string      `json:"subject"`
	Payload       string      `json:"payload"`
	Priority      Priority    `json:"priority"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ReplyTo       string      `json:"replyTo,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Processed     bool        `json:"processed"`
}

// Outgoing describes a message to send. ID and Timestamp are assigned by
// the mailbox.
type Outgoing struct {
	From          string
	To            string
	Type          MessageType
	Subject       string
	Payload       string
	Priority      Priority
	CorrelationID string
	ReplyTo       string
}

type Filter struct {
	Type       MessageType
	From       string
	UnreadOnly bool
}

// AgentResolver reports whether an agent id is known.
type AgentResolver interface {
	AgentExists(agentID string) bool
}

// ResolverFunc adapts a function to AgentResolver.
type ResolverFunc func(agentID string) bool

func (f ResolverFunc) AgentExists(agentID string) bool { return f(agentID) }

type Config struct {
	Store        *persistence.Store
	Resolver     AgentResolver
	Bus          *bus.Bus
	Logger       *slog.Logger
	PollInterval time.Duration
	ReplyTimeout time.Duration
}

// Mailbox sends and receives envelopes on top of the store.
type Mailbox struct {
	store        *persistence.Store
	resolver     AgentResolver
	bus          *bus.Bus
	logger       *slog.Logger
	pollInterval time.Duration
	replyTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg Config) (*Mailbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("messaging: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	return &Mailbox{
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		replyTimeout: cfg.ReplyTimeout,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

func (m *Mailbox) agentLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

func (m *Mailbox) resolve(agentID string) bool {
	if strings.TrimSpace(agentID) == "" {
		return false
	}
	if m.resolver == nil {
		return true
	}
	return m.resolver.AgentExists(agentID)
}

// SendMessage appends an envelope to the recipient's mailbox.
func (m *Mailbox) SendMessage(ctx context.Context, out Outgoing) (Envelope, error) {
	if !m.resolve(out.From) {
		return Envelope{}, fmt.Errorf("%w: %w: sender %q", ErrSendFailed, ErrUnknownAgent, out.From)
	}
	if !m.resolve(out.To) {
		return Envelope{}, fmt.Errorf("%w: %w: recipient %q", ErrSendFailed, ErrUnknownAgent, out.To)
	}
	if out.Type == "" {
		out.Type = TypeRequest
	}
	if out.Type != TypeRequest && out.Type != TypeResponse {
		return Envelope{}, fmt.Errorf("%w: invalid type %q", ErrSendFailed, out.Type)
	}
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	if !out.Priority.valid() {
		return Envelope{}, fmt.Errorf("%w: invalid priority %q", ErrSendFailed, out.Priority)
	}

	lock := m.agentLock(out.To)
	lock.Lock()
	defer lock.Unlock()

	row, err := m.store.InsertMessage(ctx, persistence.MailboxMessage{
		ID:            uuid.NewString(),
		From:          out.From,
		To:            out.To,
		Type:          string(out.Type),
		Subject:       out.Subject,
		Payload:       out.Payload,
		Priority:      string(out.Priority),
		CorrelationID: out.CorrelationID,
		ReplyTo:       out.ReplyTo,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	m.logger.Debug("message sent",
		"message_id", row.ID,
		"from", row.From,
		"to", row.To,
		"type", row.Type,
	)
	return fromRow(row), nil
}

// ReceiveMessages returns the agent's mailbox in send order.
func (m *Mailbox) ReceiveMessages(ctx context.Context, agentID string, filter Filter) ([]Envelope, error) {
	rows, err := m.store.ListMessages(ctx, agentID, persistence.MailboxFilter{
		Type:       string(filter.Type),
		From:       filter.From,
		UnreadOnly: filter.UnreadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages for %s: %w", agentID, err)
	}
	out := make([]Envelope, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// MarkAsProcessed sets the processed marker. Marking twice is a no-op.
func (m *Mailbox) MarkAsProcessed(ctx context.Context, agentID, messageID string) error {
	if _, err := m.store.MarkMessageProcessed(ctx, agentID, messageID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Reply sends a response to req from its recipient.
func (m *Mailbox) Reply(ctx context.Context, req Envelope, subject, payload string) (Envelope, error) {
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = req.ID
	}
	if subject == "" {
		subject = "Re: " + req.Subject
	}
	return m.SendMessage(ctx, Outgoing{
		From:          req.To,
		To:            req.From,
		Type:          TypeResponse,
		Subject:       subject,
		Payload:       payload,
		Priority:      req.Priority,
		CorrelationID: correlation,
		ReplyTo:       req.ID,
	})
}

// WaitResult reports a request/response exchange. TimedOut is a normal
// outcome, not an error.
type WaitResult struct {
	Request  Envelope
	Response *Envelope
	TimedOut bool
	Waited   time.Duration
}

// RequestAndWait sends a request and polls the sender's mailbox for a
// response whose ReplyTo matches. timeout <= 0 uses the configured default.
func (m *Mailbox) RequestAndWait(ctx context.Context, out Outgoing, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = m.replyTimeout
	}
	out.Type = TypeRequest

	// Subscribe first so a fast reply is not missed between send and wait.
	var sub *bus.Subscription
	if m.bus != nil {
		sub = m.bus.Subscribe(bus.TopicMessageSent)
		defer m.bus.Unsubscribe(sub)
	}

	req, err := m.SendMessage(ctx, out)
	if err != nil {
		return WaitResult{}, err
	}
	start := time.Now()
	result := WaitResult{Request: req}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}

	for {
		resp, err := m.findResponse(ctx, req)
		if err != nil {
			return result, err
		}
		if resp != nil {
			result.Response = resp
			result.Waited = time.Since(start)
			return result, nil
		}

		select {
		case <-ctx.Done():
			result.Waited = time.Since(start)
			return result, fmt.Errorf("wait for reply to %s: %w", req.ID, ctx.Err())
		case <-deadline.C:
			// One last look so a reply landing on the deadline still counts.
			if resp, err := m.findResponse(ctx, req); err == nil && resp != nil {
				result.Response = resp
			} else {
				result.TimedOut = true
			}
			result.Waited = time.Since(start)
			return result, nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e, isMsg := ev.Payload.(bus.MessageEvent); isMsg && e.To != req.From {
				continue
			}
		}
	}
}

func (m *Mailbox) findResponse(ctx context.Context, req Envelope) (*Envelope, error) {
	rows, err := m.store.ListMessages(ctx, req.From, persistence.MailboxFilter{
		Type:    string(TypeResponse),
		ReplyTo: req.ID,
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("poll reply to %s: %w", req.ID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	env := fromRow(rows[0])
	return &env, nil
}

// BroadcastResult lists per-recipient outcomes.
type BroadcastResult struct {
	Sent   []Envelope
	Failed map[string]error
}

// Broadcast sends one request to each recipient without waiting for replies.
// A failed recipient does not stop the others.
func (m *Mailbox) Broadcast(ctx context.Context, from string, to []string, subject, payload string, priority Priority) BroadcastResult {
	res := BroadcastResult{Failed: make(map[string]error)}
	for _, recipient := range to {
		env, err := m.SendMessage(ctx, Outgoing{
			From:     from,
			To:       recipient,
			Type:     TypeRequest,
			Subject:  subject,
			Payload:  payload,
			Priority: priority,
		})
		if err != nil {
			res.Failed[recipient] = err
			m.logger.Warn("broadcast recipient failed", "from", from, "to", recipient, "error", err)
			continue
		}
		res.Sent = append(res.Sent, env)
	}
	return res
}

// PruneProcessed deletes processed messages older than olderThan.
func (m *Mailbox) PruneProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := m.store.PruneProcessedMessages(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("mailbox pruned", "removed", n, "older_than", olderThan.String())
	}
	return n, nil
}

func fromRow(r persistence.MailboxMessage) Envelope {
	return Envelope{
		ID:            r.ID,
		From:          r.From,
		To:            r.To,
		Type:          MessageType(r.Type),
		Subject:       r.Subject,
		Payload:       r.Payload,
		Priority:      Priority(r.Priority),
		CorrelationID: r.CorrelationID,
		ReplyTo:       r.ReplyTo,
		Timestamp:     r.CreatedAt,
		Processed:     r.Processed,
	}
}
