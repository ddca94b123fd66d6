package mapper

import (
	"github.com/statusrelay/relay/internal/types"
)

// Kind selects which vocabulary a mapping applies to.
type Kind string

const (
	KindStatus     Kind = "status"
	KindEntityType Kind = "entityType"
	KindPriority   Kind = "priority"
)

// Valid reports whether k is a known mapping kind.
func (k Kind) Valid() bool {
	return k == KindStatus || k == KindEntityType || k == KindPriority
}

// defaultTables returns the compile-time forward tables: per system, per
// kind, canonical token -> native token. Reverse tables are derived at
// construction. The database speaks canonical tokens directly.
func defaultTables() map[types.SystemName]map[Kind]map[string]string {
	return map[types.SystemName]map[Kind]map[string]string{
		types.SystemDatabase: {
			KindStatus: {
				"pending":     "pending",
				"in_progress": "in_progress",
				"completed":   "completed",
				"failed":      "failed",
				"cancelled":   "cancelled",
			},
			KindEntityType: {
				"task":       "task",
				"issue":      "issue",
				"pr":         "pr",
				"deployment": "deployment",
			},
			KindPriority: {
				"critical": "critical",
				"high":     "high",
				"normal":   "normal",
				"low":      "low",
			},
		},
		types.SystemTracker: {
			KindStatus: {
				"pending":     "To Do",
				"in_progress": "In Progress",
				"completed":   "Done",
				"failed":      "Blocked",
				"cancelled":   "Cancelled",
			},
			KindEntityType: {
				"task":       "Task",
				"issue":      "Bug",
				"pr":         "Code Review",
				"deployment": "Release",
			},
			KindPriority: {
				"critical": "Highest",
				"high":     "High",
				"normal":   "Medium",
				"low":      "Low",
			},
		},
		types.SystemVCS: {
			KindStatus: {
				"pending":     "open",
				"in_progress": "draft",
				"completed":   "merged",
				"failed":      "changes_requested",
				"cancelled":   "closed",
			},
			KindEntityType: {
				"task":       "issue",
				"issue":      "issue",
				"pr":         "pull_request",
				"deployment": "deployment",
			},
			KindPriority: {
				"critical": "priority:critical",
				"high":     "priority:high",
				"normal":   "priority:normal",
				"low":      "priority:low",
			},
		},
		types.SystemAgents: {
			KindStatus: {
				"pending":     "queued",
				"in_progress": "running",
				"completed":   "success",
				"failed":      "error",
				"cancelled":   "aborted",
			},
			KindEntityType: {
				"task":       "job",
				"issue":      "job",
				"pr":         "validation_job",
				"deployment": "deploy_job",
			},
			KindPriority: {
				"critical": "urgent",
				"high":     "high",
				"normal":   "normal",
				"low":      "background",
			},
		},
	}
}
