package eventbus

import (
	"time"

	"github.com/statusrelay/relay/internal/types"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Synchronization lifecycle events.
	EventSyncCompleted EventType = "sync.completed"
	EventSyncFailed    EventType = "sync.failed"

	// Conflict events.
	EventConflictDetected  EventType = "conflict.detected"
	EventConflictResolved  EventType = "conflict.resolved"
	EventConflictEscalated EventType = "conflict.escalated"

	// Queue events.
	EventDeadLetter       EventType = "queue.dead_letter"
	EventRetryScheduled   EventType = "queue.retry_scheduled"
	EventDuplicateDropped EventType = "queue.duplicate_dropped"

	// Fan-out hub connection events.
	EventConnectionNew           EventType = "connection.new"
	EventConnectionAuthenticated EventType = "connection.authenticated"
	EventConnectionClosed        EventType = "connection.closed"
	EventConnectionError         EventType = "connection.error"
	EventMessageReceived         EventType = "message.received"
	EventRoomJoined              EventType = "room.joined"
	EventRoomLeft                EventType = "room.left"

	// Monitor events.
	EventAlertRaised   EventType = "alert.raised"
	EventAlertResolved EventType = "alert.resolved"
)

// Event is a single bus event with a tagged payload. Exactly one payload
// field is populated, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Sync       *SyncPayload       `json:"sync,omitempty"`
	Conflict   *ConflictPayload   `json:"conflict,omitempty"`
	Queue      *QueuePayload      `json:"queue,omitempty"`
	Connection *ConnectionPayload `json:"connection,omitempty"`
	Alert      *AlertPayload      `json:"alert,omitempty"`
}

// SyncPayload carries data for sync.completed and sync.failed.
type SyncPayload struct {
	SyncID   string             `json:"sync_id"`
	Update   *types.StatusUpdate `json:"update"`
	Success  bool               `json:"success"`
	Duration time.Duration      `json:"duration"`
	Failed   []types.SystemName `json:"failed_systems,omitempty"`
}

// ConflictPayload carries data for conflict events.
type ConflictPayload struct {
	EntityKey  string            `json:"entity_key"`
	Conflicts  []types.Conflict  `json:"conflicts"`
	Resolution *types.Resolution `json:"resolution,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
}

// QueuePayload carries data for queue events.
type QueuePayload struct {
	Event  *types.Event `json:"event"`
	Reason string       `json:"reason,omitempty"`
	Delay  time.Duration `json:"delay,omitempty"`
}

// ConnectionPayload carries data for hub connection and room events.
type ConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	Room         string `json:"room,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AlertPayload carries data for monitor alert events.
type AlertPayload struct {
	AlertID  string `json:"alert_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Metric   string `json:"metric"`
}

// IsSyncEvent reports whether t belongs to the sync lifecycle category.
func (t EventType) IsSyncEvent() bool {
	return t == EventSyncCompleted || t == EventSyncFailed
}

// IsConflictEvent reports whether t belongs to the conflict category.
func (t EventType) IsConflictEvent() bool {
	switch t {
	case EventConflictDetected, EventConflictResolved, EventConflictEscalated:
		return true
	}
	return false
}

// IsConnectionEvent reports whether t belongs to the hub connection category.
func (t EventType) IsConnectionEvent() bool {
	switch t {
	case EventConnectionNew, EventConnectionAuthenticated, EventConnectionClosed,
		EventConnectionError, EventMessageReceived, EventRoomJoined, EventRoomLeft:
		return true
	}
	return false
}
