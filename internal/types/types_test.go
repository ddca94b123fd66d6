package types

import (
	"errors"
	"testing"
)

func TestStatusUpdateValidate(t *testing.T) {
	valid := &StatusUpdate{
		EntityID:   "T1",
		EntityType: EntityTask,
		Status:     "completed",
		Source:     SystemTracker,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*StatusUpdate)
		field  string
	}{
		{"missing entity id", func(u *StatusUpdate) { u.EntityID = "" }, "entity_id"},
		{"missing entity type", func(u *StatusUpdate) { u.EntityType = "" }, "entity_type"},
		{"unknown entity type", func(u *StatusUpdate) { u.EntityType = "sprint" }, "entity_type"},
		{"missing status", func(u *StatusUpdate) { u.Status = "" }, "status"},
		{"missing source", func(u *StatusUpdate) { u.Source = "" }, "source"},
		{"unknown source", func(u *StatusUpdate) { u.Source = "wiki" }, "source"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := valid.Clone()
			tc.mutate(u)
			err := u.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error type = %T, want *ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("Field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	u := &StatusUpdate{
		EntityID:   "T2",
		EntityType: EntityTask,
		Status:     "pending",
		Source:     SystemTracker,
	}
	if got, want := u.DedupKey(), "task:T2:pending:tracker"; got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
	if got, want := u.EntityKey(), "task:T2"; got != want {
		t.Errorf("EntityKey() = %q, want %q", got, want)
	}
}

func TestCloneIsolatesMetadata(t *testing.T) {
	u := &StatusUpdate{
		EntityID:   "T3",
		EntityType: EntityTask,
		Status:     "pending",
		Source:     SystemVCS,
		Metadata:   map[string]interface{}{"labels": "a"},
	}
	c := u.Clone()
	c.Metadata["labels"] = "b"
	if u.Metadata["labels"] != "a" {
		t.Errorf("Clone() shares metadata map with original")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusCompleted, StatusPending, true}, // reopen
		{StatusCompleted, StatusInProgress, false},
		{StatusFailed, StatusInProgress, true},
		{StatusCancelled, StatusPending, true},
		{StatusCancelled, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true}, // self-transition
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"urgent", PriorityCritical},
		{"HIGH", PriorityHigh},
		{"normal", PriorityNormal},
		{"medium", PriorityNormal},
		{"low", PriorityLow},
		{"2", PriorityNormal},
		{"", PriorityNormal},
		{"garbage", PriorityNormal},
		{"99", PriorityNormal},
	}
	for _, tc := range tests {
		if got := ParsePriority(tc.in); got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSystemNameValid(t *testing.T) {
	for _, s := range KnownSystems() {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false, want true", s)
		}
	}
	if SystemName("slack").Valid() {
		t.Errorf("slack.Valid() = true, want false")
	}
}
