// Package conflict detects synchronization conflicts and resolves them
// through pluggable strategies.
//
// Detection runs four checks in sequence: concurrent updates against a
// bounded resolution history, canonical transition-graph violations,
// incomplete blocking dependencies, and configurable business rules.
package conflict

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/statusrelay/relay/internal/types"
)

// DependencyChecker reports the incomplete dependencies blocking an
// entity. The relational store adapter implements this against its
// dependency table.
type DependencyChecker interface {
	BlockingDependencies(ctx context.Context, update *types.StatusUpdate) ([]string, error)
}

// Rule is one business-rule predicate. Check returns true when the rule
// is violated.
type Rule struct {
	Name     string
	Message  string
	Severity types.Severity
	Check    func(update *types.StatusUpdate) bool
}

// DefaultRules returns the built-in business rules: production
// deployments cannot complete on weekends and must carry an approved
// metadata flag.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "no-weekend-production-deploys",
			Message:  "production deployments cannot be completed on weekends",
			Severity: types.SeverityHigh,
			Check: func(u *types.StatusUpdate) bool {
				if u.EntityType != types.EntityDeployment || u.Status != string(types.StatusCompleted) {
					return false
				}
				if env, _ := u.Metadata["environment"].(string); env != "production" {
					return false
				}
				day := time.UnixMilli(u.Timestamp).UTC().Weekday()
				return day == time.Saturday || day == time.Sunday
			},
		},
		{
			Name:     "production-deploys-require-approval",
			Message:  "production deployments require an approved metadata flag",
			Severity: types.SeverityHigh,
			Check: func(u *types.StatusUpdate) bool {
				if u.EntityType != types.EntityDeployment || u.Status != string(types.StatusCompleted) {
					return false
				}
				if env, _ := u.Metadata["environment"].(string); env != "production" {
					return false
				}
				approved, _ := u.Metadata["approved"].(bool)
				return !approved
			},
		},
	}
}

// historyEntry records one resolved update for concurrent-update
// detection.
type historyEntry struct {
	entityKey  string
	source     types.SystemName
	status     string
	timestamp  int64 // update timestamp, ms
	resolvedAt time.Time
}

// Detector runs the four conflict checks. It keeps a bounded history of
// recent resolutions; Record appends after each successful sync.
type Detector struct {
	window     time.Duration
	maxHistory int
	deps       DependencyChecker
	rules      []Rule

	mu      sync.Mutex
	history []historyEntry
}

// NewDetector creates a detector. deps may be nil to disable dependency
// checks; rules may be nil for the defaults.
func NewDetector(window time.Duration, maxHistory int, deps DependencyChecker, rules []Rule) *Detector {
	if window <= 0 {
		window = 30 * time.Second
	}
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Detector{
		window:     window,
		maxHistory: maxHistory,
		deps:       deps,
		rules:      rules,
	}
}

// Detect runs all checks against update and returns every conflict found.
// An empty slice means the update is clean.
func (d *Detector) Detect(ctx context.Context, update *types.StatusUpdate) []types.Conflict {
	now := time.Now()
	var conflicts []types.Conflict

	if c := d.checkConcurrent(update, now); c != nil {
		conflicts = append(conflicts, *c)
	}
	if c := d.checkTransition(update, now); c != nil {
		conflicts = append(conflicts, *c)
	}
	if c := d.checkDependencies(ctx, update, now); c != nil {
		conflicts = append(conflicts, *c)
	}
	for _, rule := range d.rules {
		if rule.Check(update) {
			conflicts = append(conflicts, types.Conflict{
				Type:         types.ConflictBusinessRuleViolation,
				Severity:     rule.Severity,
				SourceSystem: update.Source,
				Description:  rule.Message,
				Rule:         rule.Name,
				Timestamp:    now,
			})
		}
	}
	return conflicts
}

// Record appends a resolved update to the history, evicting the oldest
// entry past the bound.
func (d *Detector) Record(update *types.StatusUpdate) {
	entry := historyEntry{
		entityKey:  update.EntityKey(),
		source:     update.Source,
		status:     update.Status,
		timestamp:  update.Timestamp,
		resolvedAt: time.Now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, entry)
	if len(d.history) > d.maxHistory {
		d.history = d.history[len(d.history)-d.maxHistory:]
	}
}

// Recent returns the most recent history entry for key from system, if
// one exists within the conflict window. Strategies use it to recover
// the colliding update's status.
func (d *Detector) Recent(key string, system types.SystemName) (status string, timestamp int64, ok bool) {
	cutoff := time.Now().Add(-d.window)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.history) - 1; i >= 0; i-- {
		e := d.history[i]
		if e.resolvedAt.Before(cutoff) {
			break
		}
		if e.entityKey == key && e.source == system {
			return e.status, e.timestamp, true
		}
	}
	return "", 0, false
}

func (d *Detector) checkConcurrent(update *types.StatusUpdate, now time.Time) *types.Conflict {
	key := update.EntityKey()
	cutoff := now.Add(-d.window)

	d.mu.Lock()
	seen := make(map[types.SystemName]bool)
	for i := len(d.history) - 1; i >= 0; i-- {
		e := d.history[i]
		if e.resolvedAt.Before(cutoff) {
			break
		}
		if e.entityKey == key && e.source != update.Source {
			seen[e.source] = true
		}
	}
	d.mu.Unlock()

	if len(seen) == 0 {
		return nil
	}
	colliding := make([]types.SystemName, 0, len(seen)+1)
	for _, s := range types.KnownSystems() {
		if seen[s] {
			colliding = append(colliding, s)
		}
	}
	colliding = append(colliding, update.Source)
	return &types.Conflict{
		Type:             types.ConflictConcurrentUpdate,
		Severity:         types.SeverityMedium,
		SourceSystem:     update.Source,
		CollidingSystems: colliding,
		Description: fmt.Sprintf("concurrent updates to %s from %d systems within %s",
			key, len(colliding), d.window),
		Timestamp: now,
	}
}

func (d *Detector) checkTransition(update *types.StatusUpdate, now time.Time) *types.Conflict {
	if update.PreviousStatus == "" {
		return nil
	}
	from := types.Status(update.PreviousStatus)
	to := types.Status(update.Status)
	// Unknown tokens (untranslated native statuses) skip the check.
	if !from.Valid() || !to.Valid() {
		return nil
	}
	if types.CanTransition(from, to) {
		return nil
	}
	return &types.Conflict{
		Type:             types.ConflictInvalidTransition,
		Severity:         types.SeverityHigh,
		SourceSystem:     update.Source,
		PreviousStatus:   from,
		NewStatus:        to,
		ValidTransitions: types.ValidTransitions(from),
		Description:      fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		Timestamp:        now,
	}
}

func (d *Detector) checkDependencies(ctx context.Context, update *types.StatusUpdate, now time.Time) *types.Conflict {
	if d.deps == nil || update.Status != string(types.StatusCompleted) {
		return nil
	}
	if update.EntityType != types.EntityTask && update.EntityType != types.EntityIssue {
		return nil
	}

	blockers, err := d.deps.BlockingDependencies(ctx, update)
	if err != nil {
		// A failed lookup must not block the sync; log and move on.
		log.Printf("conflict: dependency check for %s failed: %v", update.EntityKey(), err)
		return nil
	}
	if len(blockers) == 0 {
		return nil
	}
	return &types.Conflict{
		Type:             types.ConflictDependency,
		Severity:         types.SeverityHigh,
		SourceSystem:     update.Source,
		BlockingEntities: blockers,
		Description: fmt.Sprintf("%s cannot complete: %d incomplete blocking dependencies",
			update.EntityKey(), len(blockers)),
		Timestamp: now,
	}
}
