// Package session provides per-session mutual exclusion for agent turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/shared"
)

// Default timings.
const (
	DefaultLockTimeout    = 5 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

var (
	// ErrLockTimeout means the lock stayed held past the acquire timeout.
	// Callers may retry.
	ErrLockTimeout = errors.New("session lock: acquire timed out")
	// ErrNotHolder means the run id does not own the session's lock.
	ErrNotHolder = errors.New("session lock: run is not the holder")
	// ErrNotLocked means no live lock exists for the session.
	ErrNotLocked = errors.New("session lock: session is not locked")
	// ErrInvalidSession means an empty session id was supplied.
	ErrInvalidSession = errors.New("session lock: session id is required")
)

// Lock is a granted session lock.
type Lock struct {
	SessionID  string
	RunID      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock has lapsed at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AcquireResult reports the outcome of Acquire.
type AcquireResult struct {
	Success bool
	Lock    *Lock
	Waited  time.Duration
	Err     error
}

// Config configures a LockManager.
type Config struct {
	LockTimeout    time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	Bus            *bus.Bus
	Logger         *slog.Logger
	Now            func() time.Time
}

// AcquireOption overrides manager defaults for a single Acquire.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	lockTimeout    time.Duration
	acquireTimeout time.Duration
}

// WithLockTimeout sets how long a granted lock lives.
func WithLockTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a held lock.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.acquireTimeout = d
		}
	}
}

// LockManager grants at most one live lock per session id. Expired locks
// count as released.
type LockManager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*Lock
}

// NewLockManager creates a LockManager with defaults for unset fields.
func NewLockManager(cfg Config) *LockManager {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LockManager{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		locks:  make(map[string]*Lock),
	}
}

// Acquire grants the session lock to runID, waiting up to the acquire
// timeout for a holder to release or expire. An empty runID is replaced by a
// fresh one. A timeout is reported as Success=false with ErrLockTimeout and
// Waited at least the timeout; context cancellation ends the wait early.
func (m *LockManager) Acquire(ctx context.Context, sessionID, runID string, opts ...AcquireOption) AcquireResult {
	if sessionID == "" {
		return AcquireResult{Err: ErrInvalidSession}
	}
	if runID == "" {
		runID = shared.NewRunID()
	}
	o := acquireOptions{lockTimeout: m.cfg.LockTimeout, acquireTimeout: m.cfg.AcquireTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	deadline := start.Add(o.acquireTimeout)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if lock, ok := m.tryGrant(sessionID, runID, o.lockTimeout); ok {
			return AcquireResult{Success: true, Lock: lock, Waited: time.Since(start)}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			waited := time.Since(start)
			m.logger.Warn("session lock timeout", "session_id", sessionID, "run_id", runID, "waited", waited)
			return AcquireResult{
				Waited: waited,
				Err:    fmt.Errorf("%w after %s (session %s)", ErrLockTimeout, o.acquireTimeout, sessionID),
			}
		}
		wait := m.cfg.PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return AcquireResult{Waited: time.Since(start), Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (m *LockManager) tryGrant(sessionID, runID string, ttl time.Duration) (*Lock, bool) {
	m.mu.Lock()
	now := m.now()
	var expired *Lock
	if cur, ok := m.locks[sessionID]; ok {
		if !cur.Expired(now) {
			m.mu.Unlock()
			return nil, false
		}
		expired = cur
	}
	lock := &Lock{SessionID: sessionID, RunID: runID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.locks[sessionID] = lock
	m.mu.Unlock()

	if expired != nil {
		m.logger.Info("session lock expired", "session_id", sessionID, "run_id", expired.RunID)
		m.publish(bus.TopicLockExpired, *expired)
	}
	m.publish(bus.TopicLockAcquired, *lock)
	cp := *lock
	return &cp, true
}

// Release frees the lock if runID holds it.
func (m *LockManager) Release(sessionID, runID string) error {
	m.mu.Lock()
	cur, ok := m.locks[sessionID]
	if !ok || cur.Expired(m.now()) {
		if ok {
			delete(m.locks, sessionID)
		}
		m.mu.Unlock()
		return ErrNotLocked
	}
	if cur.RunID != runID {
		m.mu.Unlock()
		return ErrNotHolder
	}
	delete(m.locks, sessionID)
	released := *cur
	m.mu.Unlock()

	m.publish(bus.TopicLockReleased, released)
	return nil
}

// ForceRelease frees the lock regardless of holder. It reports whether a
// lock was removed.
func (m *LockManager) ForceRelease(sessionID string) bool {
	m.mu.Lock()
	cur, ok := m.locks[sessionID]
	if ok {
		delete(m.locks, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Warn("session lock force released", "session_id", sessionID, "run_id", cur.RunID)
	m.publish(bus.TopicLockReleased, *cur)
	return true
}

// Extend pushes the holder's expiry to now+d (the lock timeout when d <= 0).
// Expiry never moves backwards.
func (m *LockManager) Extend(sessionID, runID string, d time.Duration) (Lock, error) {
	if d <= 0 {
		d = m.cfg.LockTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := m.locks[sessionID]
	if !ok || cur.Expired(now) {
		return Lock{}, ErrNotLocked
	}
	if cur.RunID != runID {
		return Lock{}, ErrNotHolder
	}
	if next := now.Add(d); next.After(cur.ExpiresAt) {
		cur.ExpiresAt = next
	}
	return *cur, nil
}

// IsLocked reports whether a live lock exists.
func (m *LockManager) IsLocked(sessionID string) bool {
	_, ok := m.GetLock(sessionID)
	return ok
}

// GetLock returns the live lock for a session.
func (m *LockManager) GetLock(sessionID string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[sessionID]
	if !ok || cur.Expired(m.now()) {
		return Lock{}, false
	}
	return *cur, true
}

// CleanupExpired removes every expired lock and returns how many it removed.
func (m *LockManager) CleanupExpired() int {
	m.mu.Lock()
	now := m.now()
	var removed []Lock
	for id, l := range m.locks {
		if l.Expired(now) {
			removed = append(removed, *l)
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()
	for _, l := range removed {
		m.publish(bus.TopicLockExpired, l)
	}
	if len(removed) > 0 {
		m.logger.Info("expired session locks removed", "count", len(removed))
	}
	return len(removed)
}

// ActiveCount returns the number of live locks.
func (m *LockManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, l := range m.locks {
		if !l.Expired(now) {
			n++
		}
	}
	return n
}

// Reset drops every lock without publishing events.
func (m *LockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = make(map[string]*Lock)
}

// WithLock runs fn while holding the session lock and releases it on every
// exit path, panics included. A failed acquire returns its error without
// calling fn.
func (m *LockManager) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context, lock Lock) error, opts ...AcquireOption) error {
	res := m.Acquire(ctx, sessionID, "", opts...)
	if !res.Success {
		return res.Err
	}
	defer func() {
		if err := m.Release(sessionID, res.Lock.RunID); err != nil && !errors.Is(err, ErrNotLocked) {
			m.logger.Warn("session lock release failed", "session_id", sessionID, "error", err)
		}
	}()
	return fn(ctx, *res.Lock)
}

func (m *LockManager) publish(topic string, l Lock) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(topic, bus.LockEvent{SessionID: l.SessionID, RunID: l.RunID, ExpiresAt: l.ExpiresAt})
}
