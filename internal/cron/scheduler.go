package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/basket/vaultclaw/internal/bus"
	vcotel "github.com/basket/vaultclaw/internal/otel"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/shared"
)

// Defaults applied by NewScheduler.
const (
	DefaultInterval      = time.Minute
	DefaultMaxConcurrent = 3
	DefaultHistorySize   = 100
)

// ErrEntryNotFound means no schedule entry has the given id.
var ErrEntryNotFound = errors.New("cron: schedule entry not found")

// Entry is a scheduled agent run.
type Entry struct {
	ID        string
	AgentID   string
	AgentPath string
	CronExpr  string
	Prompt    string
	Enabled   bool
	LastRun   *time.Time
	NextRun   *time.Time
	CreatedAt time.Time

	expr Expression
}

// NewEntry describes an entry to add. Entries start enabled unless Disabled
// is set.
type NewEntry struct {
	ID        string
	AgentID   string
	AgentPath string
	CronExpr  string
	Prompt    string
	Disabled  bool
}

// EntryUpdate changes selected fields of an entry. Nil fields are kept.
type EntryUpdate struct {
	CronExpr *string
	Prompt   *string
	Enabled  *bool
}

// RunRecord is one execution in the run history.
type RunRecord struct {
	EntryID   string
	AgentID   string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Output    string
	Error     string
}

// Executor performs a scheduled run and returns its output.
type Executor interface {
	Execute(ctx context.Context, entry Entry) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, entry Entry) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, entry Entry) (string, error) {
	return f(ctx, entry)
}

// Event is delivered to listeners and published on the bus under Type.
type Event struct {
	Type    string
	EntryID string
	AgentID string
	At      time.Time
	Run     *RunRecord
	Err     error
}

// Listener receives scheduler events synchronously.
type Listener func(Event)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Executor Executor
	Store    *persistence.Store // optional; entries are kept in memory only when nil
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *vcotel.Metrics

	Interval      time.Duration // tick interval; defaults to 1 minute
	MaxConcurrent int
	HistorySize   int

	// RetryOnFailure and MaxRetries are accepted for configuration
	// compatibility. Failed runs are recorded and not retried.
	RetryOnFailure bool
	MaxRetries     int

	Now func() time.Time
}

// Scheduler fires enabled entries whose expression matches the current
// minute. Runs beyond MaxConcurrent wait for a later tick.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	entries   map[string]*Entry
	history   []RunRecord
	listeners []Listener
	running   bool

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("cron: executor is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		entries: make(map[string]*Entry),
	}, nil
}

// OnEvent registers a listener for every scheduler event.
func (s *Scheduler) OnEvent(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Scheduler) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.cfg.Now()
	}
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(ev.Type, ev)
	}
}

// Load replaces in-memory entries with the schedules held in the store.
// Rows with an unparsable expression are skipped.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	if s.cfg.Store == nil {
		return 0, nil
	}
	rows, err := s.cfg.Store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		expr, err := Parse(row.CronExpr)
		if err != nil {
			s.logger.Warn("cron: skipping schedule with invalid expression",
				"schedule_id", row.ID,
				"cron_expr", row.CronExpr,
				"error", err,
			)
			continue
		}
		s.entries[row.ID] = &Entry{
			ID:        row.ID,
			AgentID:   row.AgentID,
			AgentPath: row.AgentPath,
			CronExpr:  row.CronExpr,
			Prompt:    row.Prompt,
			Enabled:   row.Enabled,
			LastRun:   row.LastRunAt,
			NextRun:   row.NextRunAt,
			CreatedAt: row.CreatedAt,
			expr:      expr,
		}
		loaded++
	}
	return loaded, nil
}

func (s *Scheduler) nextRun(expr Expression, from time.Time) *time.Time {
	next, err := expr.Next(from)
	if err != nil {
		return nil
	}
	return &next
}

func (s *Scheduler) persist(ctx context.Context, e Entry) error {
	if s.cfg.Store == nil {
		return nil
	}
	return s.cfg.Store.SaveSchedule(ctx, persistence.Schedule{
		ID:        e.ID,
		AgentID:   e.AgentID,
		AgentPath: e.AgentPath,
		CronExpr:  e.CronExpr,
		Prompt:    e.Prompt,
		Enabled:   e.Enabled,
		LastRunAt: e.LastRun,
		NextRunAt: e.NextRun,
		CreatedAt: e.CreatedAt,
	})
}

// AddEntry validates the expression, stores the entry and emits
// schedule:added.
func (s *Scheduler) AddEntry(ctx context.Context, ne NewEntry) (Entry, error) {
	if ne.AgentID == "" {
		return Entry{}, fmt.Errorf("cron: agent id is required")
	}
	expr, err := Parse(ne.CronExpr)
	if err != nil {
		return Entry{}, err
	}
	if ne.ID == "" {
		ne.ID = uuid.NewString()
	}
	now := s.cfg.Now()
	e := &Entry{
		ID:        ne.ID,
		AgentID:   ne.AgentID,
		AgentPath: ne.AgentPath,
		CronExpr:  expr.String(),
		Prompt:    ne.Prompt,
		Enabled:   !ne.Disabled,
		NextRun:   s.nextRun(expr, now),
		CreatedAt: now,
		expr:      expr,
	}

	s.mu.Lock()
	if _, exists := s.entries[e.ID]; exists {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("cron: entry %q already exists", e.ID)
	}
	s.entries[e.ID] = e
	snapshot := *e
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		s.mu.Lock()
		delete(s.entries, e.ID)
		s.mu.Unlock()
		return Entry{}, err
	}
	s.emit(Event{Type: bus.TopicScheduleAdded, EntryID: e.ID, AgentID: e.AgentID})
	return snapshot, nil
}

// RemoveEntry deletes an entry and emits schedule:removed.
func (s *Scheduler) RemoveEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DeleteSchedule(ctx, id); err != nil && !errors.Is(err, persistence.ErrScheduleNotFound) {
			return err
		}
	}
	s.emit(Event{Type: bus.TopicScheduleRemoved, EntryID: id, AgentID: e.AgentID})
	return nil
}

// UpdateEntry applies upd, recomputes the next run and emits
// schedule:updated.
func (s *Scheduler) UpdateEntry(ctx context.Context, id string, upd EntryUpdate) (Entry, error) {
	var expr Expression
	if upd.CronExpr != nil {
		var err error
		if expr, err = Parse(*upd.CronExpr); err != nil {
			return Entry{}, err
		}
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if upd.CronExpr != nil {
		e.expr = expr
		e.CronExpr = expr.String()
	}
	if upd.Prompt != nil {
		e.Prompt = *upd.Prompt
	}
	if upd.Enabled != nil {
		e.Enabled = *upd.Enabled
	}
	e.NextRun = s.nextRun(e.expr, s.cfg.Now())
	snapshot := *e
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		return Entry{}, err
	}
	s.emit(Event{Type: bus.TopicScheduleUpdated, EntryID: id, AgentID: snapshot.AgentID})
	return snapshot, nil
}

// GetEntry returns a copy of the entry.
func (s *Scheduler) GetEntry(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ListEntries returns copies of all entries ordered by creation time.
func (s *Scheduler) ListEntries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the bounded run history, oldest first. An empty id
// returns runs for every entry.
func (s *Scheduler) History(id string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, r := range s.history {
		if id == "" || r.EntryID == id {
			out = append(out, r)
		}
	}
	return out
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start loads persisted entries and begins the tick loop in a background
// goroutine. Stop or cancelling ctx ends it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron: scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	if _, err := s.Load(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started",
		"interval", s.cfg.Interval,
		"max_concurrent", s.cfg.MaxConcurrent,
	)
	s.emit(Event{Type: bus.TopicSchedulerStarted})
	return nil
}

// Stop cancels the tick loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()
	s.runWG.Wait()
	s.logger.Info("cron scheduler stopped")
	s.emit(Event{Type: bus.TopicSchedulerStopped})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled entry due in the current minute and returns how
// many runs it started. Runs execute in the background.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.cfg.Now()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled || !e.expr.Matches(now) {
			continue
		}
		if e.LastRun != nil && sameMinute(*e.LastRun, now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	var fired []Entry
	for _, e := range due {
		if !s.sem.TryAcquire(1) {
			s.logger.Debug("cron: max concurrent reached, deferring",
				"schedule_id", e.ID,
				"agent_id", e.AgentID,
			)
			continue
		}
		last := now
		e.LastRun = &last
		e.NextRun = s.nextRun(e.expr, now)
		fired = append(fired, *e)
	}
	s.mu.Unlock()

	for _, e := range fired {
		if s.cfg.Store != nil {
			if err := s.cfg.Store.UpdateScheduleRun(ctx, e.ID, now, e.NextRun); err != nil {
				s.logger.Error("cron: failed to update schedule run",
					"schedule_id", e.ID,
					"error", err,
				)
			}
		}
		s.runWG.Add(1)
		go s.run(ctx, e)
	}
	return len(fired)
}

func (s *Scheduler) run(ctx context.Context, e Entry) {
	defer s.runWG.Done()
	defer s.sem.Release(1)

	ctx = shared.WithScheduleID(ctx, e.ID)
	ctx = shared.WithAgentID(ctx, e.AgentID)
	ctx = shared.EnsureTraceID(ctx)

	rec := RunRecord{EntryID: e.ID, AgentID: e.AgentID, StartedAt: s.cfg.Now()}
	s.emit(Event{Type: bus.TopicRunStart, EntryID: e.ID, AgentID: e.AgentID, At: rec.StartedAt})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ScheduledRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", e.AgentID)))
	}

	output, err := s.execute(ctx, e)
	rec.EndedAt = s.cfg.Now()
	rec.Output = output
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	s.record(rec)

	if s.cfg.Store != nil {
		_, perr := s.cfg.Store.InsertScheduleRun(context.WithoutCancel(ctx), persistence.ScheduleRun{
			ScheduleID: rec.EntryID,
			AgentID:    rec.AgentID,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
			Success:    rec.Success,
			Output:     rec.Output,
			Error:      rec.Error,
		})
		if perr != nil {
			s.logger.Error("cron: failed to record schedule run", "schedule_id", e.ID, "error", perr)
		}
	}

	if err != nil {
		s.logger.Warn("cron: scheduled run failed",
			"schedule_id", e.ID,
			"agent_id", e.AgentID,
			"trace_id", shared.TraceID(ctx),
			"error", err,
		)
		s.emit(Event{Type: bus.TopicRunError, EntryID: e.ID, AgentID: e.AgentID, At: rec.EndedAt, Run: &rec, Err: err})
		return
	}
	s.logger.Info("cron: schedule fired",
		"schedule_id", e.ID,
		"agent_id", e.AgentID,
		"trace_id", shared.TraceID(ctx),
		"duration_ms", rec.EndedAt.Sub(rec.StartedAt).Milliseconds(),
	)
	s.emit(Event{Type: bus.TopicRunEnd, EntryID: e.ID, AgentID: e.AgentID, At: rec.EndedAt, Run: &rec})
}

func (s *Scheduler) execute(ctx context.Context, e Entry) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: executor panic: %v", r)
		}
	}()
	return s.cfg.Executor.Execute(ctx, e)
}

func (s *Scheduler) record(rec RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]RunRecord(nil), s.history[over:]...)
	}
}
