package types

import (
	"time"
)

// EventKind classifies a queued event. Most events carry status updates;
// the kind exists so batch handoff can group by it.
type EventKind string

const (
	// EventStatusUpdate is the default kind for queued updates.
	EventStatusUpdate EventKind = "status_update"
)

// Event wraps a StatusUpdate for queueing. The queue owns the event until
// it is handed to the orchestrator; on failure it returns to the queue with
// RetryCount incremented.
type Event struct {
	ID         string       `json:"id"`
	Kind       EventKind    `json:"type"`
	Update     *StatusUpdate `json:"update"`
	Priority   Priority     `json:"priority"`
	RetryCount int          `json:"retry_count"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// ConflictType names one of the four detected conflict families.
type ConflictType string

const (
	ConflictConcurrentUpdate      ConflictType = "concurrent_update"
	ConflictInvalidTransition     ConflictType = "invalid_state_transition"
	ConflictDependency            ConflictType = "dependency_conflict"
	ConflictBusinessRuleViolation ConflictType = "business_rule_violation"
)

// Severity grades a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict describes a detected synchronization conflict.
type Conflict struct {
	Type         ConflictType `json:"type"`
	Severity     Severity     `json:"severity"`
	SourceSystem SystemName   `json:"source_system"`
	Description  string       `json:"description"`
	Timestamp    time.Time    `json:"timestamp"`

	// Concurrent-update fields.
	CollidingSystems []SystemName `json:"colliding_systems,omitempty"`

	// Invalid-transition fields.
	PreviousStatus   Status   `json:"previous_status,omitempty"`
	NewStatus        Status   `json:"new_status,omitempty"`
	ValidTransitions []Status `json:"valid_transitions,omitempty"`

	// Dependency fields.
	BlockingEntities []string `json:"blocking_entities,omitempty"`

	// Business-rule fields.
	Rule string `json:"rule,omitempty"`
}

// Resolution is the outcome of resolving one or more conflicts.
type Resolution struct {
	ResolvedUpdate    *StatusUpdate `json:"resolved_update"`
	WinningSystem     SystemName    `json:"winning_system"`
	Reason            string        `json:"reason"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Strategy          string        `json:"strategy"`
	Automatic         bool          `json:"automatic"`
	Timestamp         time.Time     `json:"timestamp"`
}

// SystemResult is the per-target outcome of a dispatch. Permanent marks
// failures that must not be retried; it is internal routing state, not
// part of the wire shape.
type SystemResult struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Permanent bool        `json:"-"`
}

// SyncResult aggregates a full synchronize call. Success is true iff every
// dispatched target succeeded.
type SyncResult struct {
	SyncID   string                       `json:"sync_id"`
	Success  bool                         `json:"success"`
	Update   *StatusUpdate                `json:"update"`
	Results  map[SystemName]*SystemResult `json:"results"`
	Duration time.Duration                `json:"duration"`
}
