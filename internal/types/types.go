// Package types defines core data structures for the relay sync engine.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SystemName identifies one of the four federated systems.
type SystemName string

const (
	// SystemDatabase is the relational store, the canonical source of truth.
	SystemDatabase SystemName = "database"
	// SystemTracker is the issue tracker.
	SystemTracker SystemName = "tracker"
	// SystemVCS is the version-control host.
	SystemVCS SystemName = "vcs"
	// SystemAgents is the agent execution service.
	SystemAgents SystemName = "agents"
)

// KnownSystems returns all federated systems in stable order.
func KnownSystems() []SystemName {
	return []SystemName{SystemDatabase, SystemTracker, SystemVCS, SystemAgents}
}

// Valid reports whether s names a known system.
func (s SystemName) Valid() bool {
	switch s {
	case SystemDatabase, SystemTracker, SystemVCS, SystemAgents:
		return true
	}
	return false
}

// Status is a canonical status token, the cross-system lingua franca.
// Each system's native vocabulary is projected onto these five values by
// the mapper.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// CanonicalStatuses returns the canonical status set in stable order.
func CanonicalStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
}

// Valid reports whether s is a canonical status token.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EntityType categorizes the subject of a status update.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityIssue      EntityType = "issue"
	EntityPR         EntityType = "pr"
	EntityDeployment EntityType = "deployment"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityIssue, EntityPR, EntityDeployment:
		return true
	}
	return false
}

// EntityTypes returns all entity types in stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityTask, EntityIssue, EntityPR, EntityDeployment}
}

// Priority is a queue priority level. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3

	// PriorityLevels is the number of queue levels.
	PriorityLevels = 4
)

// Valid reports whether p is within the queue's priority range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority converts a priority token or numeric string to a Priority.
// Unknown values fall back to PriorityNormal.
func ParsePriority(v string) Priority {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical", "urgent", "0":
		return PriorityCritical
	case "high", "1":
		return PriorityHigh
	case "normal", "medium", "2":
		return PriorityNormal
	case "low", "3":
		return PriorityLow
	}
	if n, err := strconv.Atoi(v); err == nil && Priority(n).Valid() {
		return Priority(n)
	}
	return PriorityNormal
}

// StatusUpdate is the unit of synchronization. The (EntityType, EntityID)
// pair identifies the same logical object across all four systems; Status
// carries the source system's native token until the mapper translates it.
type StatusUpdate struct {
	EntityID       string                 `json:"entity_id"`
	EntityType     EntityType             `json:"entity_type"`
	Status         string                 `json:"status"`
	PreviousStatus string                 `json:"previous_status,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
	Source         SystemName             `json:"source"`
	Timestamp      int64                  `json:"timestamp"` // ms since epoch, assigned on acceptance
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks that the required fields are present and well-formed.
func (u *StatusUpdate) Validate() error {
	if u == nil {
		return fmt.Errorf("types: nil status update")
	}
	if u.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "required"}
	}
	if u.EntityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if !u.EntityType.Valid() {
		return &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", u.EntityType)}
	}
	if u.Status == "" {
		return &ValidationError{Field: "status", Reason: "required"}
	}
	if u.Source == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if !u.Source.Valid() {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown system %q", u.Source)}
	}
	return nil
}

// EntityKey returns the cross-system identity key "entityType:entityId".
func (u *StatusUpdate) EntityKey() string {
	return string(u.EntityType) + ":" + u.EntityID
}

// DedupKey returns the deduplication key used by the event queue.
func (u *StatusUpdate) DedupKey() string {
	return strings.Join([]string{string(u.EntityType), u.EntityID, u.Status, string(u.Source)}, ":")
}

// Clone returns a deep copy of the update. Metadata values are copied at
// the top level; nested values are assumed immutable by convention.
func (u *StatusUpdate) Clone() *StatusUpdate {
	if u == nil {
		return nil
	}
	c := *u
	if u.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ValidationError reports a malformed status update field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid status update: %s: %s", e.Field, e.Reason)
}

// NowMillis returns the current wall clock in milliseconds since epoch,
// the timestamp granularity used on StatusUpdate.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// validTransitions is the canonical transition graph. Reopening a
// completed entity is allowed (completed -> pending).
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
	StatusCompleted:  {StatusPending},
	StatusFailed:     {StatusPending, StatusInProgress},
	StatusCancelled:  {StatusPending},
}

// ValidTransitions returns the allowed successor statuses for from.
// The returned slice must not be modified.
func ValidTransitions(from Status) []Status {
	return validTransitions[from]
}

// CanTransition reports whether the canonical graph permits from -> to.
// A self-transition is always permitted (idempotent replays).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
