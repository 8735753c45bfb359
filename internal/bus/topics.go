package bus

import "time"

// Session lock topics.
const (
	TopicLockAcquired = "lock:acquired"
	TopicLockReleased = "lock:released"
	TopicLockExpired  = "lock:expired"
)

// Mailbox topics.
const (
	TopicMessageSent      = "message:sent"
	TopicMessageProcessed = "message:processed"
)

// Scheduler topics. Names match the listener event names.
const (
	TopicScheduleAdded    = "schedule:added"
	TopicScheduleRemoved  = "schedule:removed"
	TopicScheduleUpdated  = "schedule:updated"
	TopicRunStart         = "run:start"
	TopicRunEnd           = "run:end"
	TopicRunError         = "run:error"
	TopicSchedulerStarted = "scheduler:started"
	TopicSchedulerStopped = "scheduler:stopped"
)

// Agent loop topics.
const (
	TopicTurnStage     = "turn:stage"
	TopicTurnCompleted = "turn:completed"
	TopicTurnFailed    = "turn:failed"
	TopicMemoryFlushed = "memory:flushed"
	TopicCompacted     = "memory:compacted"
)

// Registry topics.
const (
	TopicAgentRegistered   = "agent:registered"
	TopicAgentUnregistered = "agent:unregistered"
)

// LockEvent is published for every session lock transition.
type LockEvent struct {
	SessionID string
	RunID     string
	ExpiresAt time.Time
}

// MessageEvent is published when a mailbox message is written or processed.
type MessageEvent struct {
	MessageID string
	From      string
	To        string
	Type      string
}

// TurnStageEvent is published when an agent turn enters a new stage.
type TurnStageEvent struct {
	RunID     string
	SessionID string
	AgentID   string
	Stage     string
}

// TurnEndEvent is published when an agent turn finishes.
type TurnEndEvent struct {
	RunID     string
	SessionID string
	AgentID   string
	Code      string // empty on success
	Duration  time.Duration
}

// AgentEvent is published on registry changes.
type AgentEvent struct {
	AgentID string
	Type    string
	Path    string
}
