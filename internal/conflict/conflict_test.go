package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

func update(id string, status, prev string, source types.SystemName) *types.StatusUpdate {
	return &types.StatusUpdate{
		EntityID:       id,
		EntityType:     types.EntityTask,
		Status:         status,
		PreviousStatus: prev,
		Source:         source,
		Timestamp:      types.NowMillis(),
	}
}

func findConflict(conflicts []types.Conflict, ct types.ConflictType) *types.Conflict {
	for i := range conflicts {
		if conflicts[i].Type == ct {
			return &conflicts[i]
		}
	}
	return nil
}

func TestDetectCleanUpdate(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, nil, nil)
	got := d.Detect(context.Background(), update("T1", "in_progress", "pending", types.SystemTracker))
	if len(got) != 0 {
		t.Fatalf("Detect() = %v, want none", got)
	}
}

func TestDetectConcurrentUpdate(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, nil, nil)

	first := update("T1", "completed", "", types.SystemTracker)
	d.Record(first)

	second := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), second)

	c := findConflict(conflicts, types.ConflictConcurrentUpdate)
	if c == nil {
		t.Fatalf("Detect() = %v, want concurrent_update conflict", conflicts)
	}
	if c.Severity != types.SeverityMedium {
		t.Errorf("severity = %s, want medium", c.Severity)
	}
	wantColliding := map[types.SystemName]bool{types.SystemTracker: true, types.SystemVCS: true}
	if len(c.CollidingSystems) != 2 {
		t.Fatalf("CollidingSystems = %v, want tracker and vcs", c.CollidingSystems)
	}
	for _, sys := range c.CollidingSystems {
		if !wantColliding[sys] {
			t.Errorf("unexpected colliding system %s", sys)
		}
	}

	// Same source again is not concurrent.
	same := update("T1", "pending", "", types.SystemTracker)
	if c := findConflict(d.Detect(context.Background(), same), types.ConflictConcurrentUpdate); c != nil {
		t.Errorf("same-source update detected as concurrent: %+v", c)
	}
}

func TestDetectConcurrentOutsideWindow(t *testing.T) {
	d := NewDetector(10*time.Millisecond, 1000, nil, nil)
	d.Record(update("T1", "completed", "", types.SystemTracker))
	time.Sleep(20 * time.Millisecond)

	conflicts := d.Detect(context.Background(), update("T1", "failed", "", types.SystemVCS))
	if c := findConflict(conflicts, types.ConflictConcurrentUpdate); c != nil {
		t.Fatalf("update outside window detected as concurrent: %+v", c)
	}
}

func TestDetectInvalidTransition(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, nil, nil)

	conflicts := d.Detect(context.Background(), update("T1", "completed", "pending", types.SystemTracker))
	c := findConflict(conflicts, types.ConflictInvalidTransition)
	if c == nil {
		t.Fatalf("pending -> completed not detected")
	}
	if c.Severity != types.SeverityHigh {
		t.Errorf("severity = %s, want high", c.Severity)
	}
	if c.PreviousStatus != types.StatusPending || c.NewStatus != types.StatusCompleted {
		t.Errorf("conflict cites %s -> %s", c.PreviousStatus, c.NewStatus)
	}
	if len(c.ValidTransitions) == 0 {
		t.Errorf("ValidTransitions empty")
	}

	// Unknown previous statuses skip the check.
	u := update("T2", "completed", "Some Native Token", types.SystemTracker)
	if c := findConflict(d.Detect(context.Background(), u), types.ConflictInvalidTransition); c != nil {
		t.Errorf("unknown previous status flagged: %+v", c)
	}
}

type stubDeps struct {
	blockers []string
	err      error
}

func (s *stubDeps) BlockingDependencies(_ context.Context, _ *types.StatusUpdate) ([]string, error) {
	return s.blockers, s.err
}

func TestDetectDependencyConflict(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, &stubDeps{blockers: []string{"T9"}}, nil)

	conflicts := d.Detect(context.Background(), update("T1", "completed", "in_progress", types.SystemDatabase))
	c := findConflict(conflicts, types.ConflictDependency)
	if c == nil {
		t.Fatalf("blocking dependency not detected")
	}
	if len(c.BlockingEntities) != 1 || c.BlockingEntities[0] != "T9" {
		t.Errorf("BlockingEntities = %v, want [T9]", c.BlockingEntities)
	}

	// Non-completion updates skip the check.
	if got := d.Detect(context.Background(), update("T1", "in_progress", "pending", types.SystemDatabase)); findConflict(got, types.ConflictDependency) != nil {
		t.Errorf("dependency check ran for non-completion")
	}
}

func TestDetectDependencyLookupFailureIsNonFatal(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, &stubDeps{err: errors.New("store down")}, nil)
	got := d.Detect(context.Background(), update("T1", "completed", "in_progress", types.SystemDatabase))
	if c := findConflict(got, types.ConflictDependency); c != nil {
		t.Fatalf("failed lookup produced a conflict: %+v", c)
	}
}

func TestBusinessRuleWeekendProductionDeploy(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, nil, nil)

	// 2026-08-22 is a Saturday.
	saturday := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	u := &types.StatusUpdate{
		EntityID:   "D1",
		EntityType: types.EntityDeployment,
		Status:     "completed",
		Source:     types.SystemAgents,
		Timestamp:  saturday.UnixMilli(),
		Metadata:   map[string]interface{}{"environment": "production", "approved": true},
	}
	conflicts := d.Detect(context.Background(), u)
	c := findConflict(conflicts, types.ConflictBusinessRuleViolation)
	if c == nil {
		t.Fatalf("weekend production deploy not flagged")
	}
	if c.Rule != "no-weekend-production-deploys" {
		t.Errorf("Rule = %q", c.Rule)
	}

	// Monday is fine.
	u.Timestamp = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).UnixMilli()
	if got := d.Detect(context.Background(), u); findConflict(got, types.ConflictBusinessRuleViolation) != nil {
		t.Errorf("weekday approved production deploy flagged")
	}

	// Staging is exempt regardless of day.
	u.Timestamp = saturday.UnixMilli()
	u.Metadata["environment"] = "staging"
	if got := d.Detect(context.Background(), u); findConflict(got, types.ConflictBusinessRuleViolation) != nil {
		t.Errorf("staging deploy flagged")
	}
}

func TestBusinessRuleApprovalRequired(t *testing.T) {
	d := NewDetector(30*time.Second, 1000, nil, nil)
	u := &types.StatusUpdate{
		EntityID:   "D1",
		EntityType: types.EntityDeployment,
		Status:     "completed",
		Source:     types.SystemAgents,
		Timestamp:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Metadata:   map[string]interface{}{"environment": "production"},
	}
	conflicts := d.Detect(context.Background(), u)
	c := findConflict(conflicts, types.ConflictBusinessRuleViolation)
	if c == nil {
		t.Fatalf("unapproved production deploy not flagged")
	}
	if c.Rule != "production-deploys-require-approval" {
		t.Errorf("Rule = %q", c.Rule)
	}
}

func TestHistoryBounded(t *testing.T) {
	d := NewDetector(30*time.Second, 5, nil, nil)
	for i := 0; i < 20; i++ {
		d.Record(update("T1", "pending", "", types.SystemTracker))
	}
	d.mu.Lock()
	n := len(d.history)
	d.mu.Unlock()
	if n != 5 {
		t.Fatalf("history length = %d, want 5", n)
	}
}

func newResolver(cfg Config) (*Resolver, *Detector) {
	d := NewDetector(30*time.Second, 1000, nil, nil)
	return NewResolver(cfg, d, eventbus.New()), d
}

func TestPriorityBasedResolution(t *testing.T) {
	r, d := newResolver(DefaultConfig())

	// Tracker already synchronized T1 to completed; vcs now says failed.
	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)
	if len(conflicts) == 0 {
		t.Fatalf("no conflicts detected")
	}

	res, err := r.Resolve(context.Background(), conflicts, incoming, StrategyPriorityBased)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.WinningSystem != types.SystemTracker {
		t.Errorf("WinningSystem = %s, want tracker", res.WinningSystem)
	}
	if res.ResolvedUpdate.Status != "completed" {
		t.Errorf("resolved status = %q, want completed", res.ResolvedUpdate.Status)
	}
	if !res.Automatic {
		t.Errorf("resolution not marked automatic")
	}
	if res.ConflictsResolved != len(conflicts) {
		t.Errorf("ConflictsResolved = %d, want %d", res.ConflictsResolved, len(conflicts))
	}
	if resolved, _ := r.Stats(); resolved != 1 {
		t.Errorf("resolved counter = %d, want 1", resolved)
	}
}

func TestPriorityBasedSourceWins(t *testing.T) {
	r, d := newResolver(DefaultConfig())

	// vcs synced earlier; the sovereign database now writes.
	d.Record(update("T1", "failed", "", types.SystemVCS))
	incoming := update("T1", "completed", "", types.SystemDatabase)
	conflicts := d.Detect(context.Background(), incoming)

	res, err := r.Resolve(context.Background(), conflicts, incoming, StrategyPriorityBased)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.WinningSystem != types.SystemDatabase {
		t.Errorf("WinningSystem = %s, want database", res.WinningSystem)
	}
	if res.ResolvedUpdate.Status != "completed" {
		t.Errorf("resolved status = %q, want completed (incoming unchanged)", res.ResolvedUpdate.Status)
	}
}

func TestTimestampBasedResolution(t *testing.T) {
	r, d := newResolver(DefaultConfig())

	old := update("T1", "completed", "", types.SystemTracker)
	old.Timestamp = types.NowMillis() - 60000
	d.Record(old)

	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	res, err := r.Resolve(context.Background(), conflicts, incoming, StrategyTimestampBased)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.WinningSystem != types.SystemVCS {
		t.Errorf("WinningSystem = %s, want vcs (newer write)", res.WinningSystem)
	}
	if res.ResolvedUpdate.Status != "failed" {
		t.Errorf("resolved status = %q, want failed", res.ResolvedUpdate.Status)
	}
}

func TestManualStrategyRefuses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationThreshold = 100 // keep escalation out of this test
	r, d := newResolver(cfg)
	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	_, err := r.Resolve(context.Background(), conflicts, incoming, StrategyManual)
	if !errors.Is(err, ErrManualResolutionRequired) {
		t.Fatalf("Resolve(manual) error = %v, want ErrManualResolutionRequired", err)
	}
}

func TestMergeRollsBackInvalidTransition(t *testing.T) {
	r, d := newResolver(DefaultConfig())
	incoming := update("T1", "completed", "pending", types.SystemTracker)
	conflicts := d.Detect(context.Background(), incoming)
	if findConflict(conflicts, types.ConflictInvalidTransition) == nil {
		t.Fatalf("expected invalid transition conflict")
	}

	res, err := r.Resolve(context.Background(), conflicts, incoming, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve(merge) error: %v", err)
	}
	if res.ResolvedUpdate.Status != "pending" {
		t.Errorf("resolved status = %q, want rollback to pending", res.ResolvedUpdate.Status)
	}
}

func TestStrictValidationRejectsPartialResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationThreshold = 100
	r, d := newResolver(cfg)

	if err := r.RegisterStrategy(&StrategyFunc{
		StrategyName: "half",
		Fn: func(_ context.Context, conflicts []types.Conflict, u *types.StatusUpdate, _ Config) (*types.Resolution, error) {
			return &types.Resolution{
				ResolvedUpdate:    u.Clone(),
				Reason:            "partial",
				ConflictsResolved: 0,
			}, nil
		},
	}); err != nil {
		t.Fatalf("RegisterStrategy() error: %v", err)
	}

	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	if _, err := r.Resolve(context.Background(), conflicts, incoming, "half"); err == nil {
		t.Fatalf("strict validation accepted a partial resolution")
	}
}

func TestEscalationPastThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationThreshold = 1

	d := NewDetector(30*time.Second, 1000, nil, nil)
	bus := eventbus.New()
	escalations := make(chan *eventbus.Event, 1)
	bus.Register(&eventbus.HandlerFunc{
		Name:  "escalation-recorder",
		Types: []eventbus.EventType{eventbus.EventConflictEscalated},
		HandleFn: func(_ context.Context, ev *eventbus.Event) error {
			escalations <- ev
			return nil
		},
	})
	r := NewResolver(cfg, d, bus)

	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	_, err := r.Resolve(context.Background(), conflicts, incoming, StrategyManual)
	if !errors.Is(err, ErrEscalated) {
		t.Fatalf("Resolve() error = %v, want ErrEscalated", err)
	}
	select {
	case ev := <-escalations:
		if len(ev.Conflict.Conflicts) != len(conflicts) {
			t.Errorf("escalation carried %d conflicts, want %d", len(ev.Conflict.Conflicts), len(conflicts))
		}
	case <-time.After(time.Second):
		t.Errorf("no escalation event published")
	}
	if _, escalated := r.Stats(); escalated != 1 {
		t.Errorf("escalated counter = %d, want 1", escalated)
	}
}

func TestUnknownStrategy(t *testing.T) {
	r, d := newResolver(DefaultConfig())
	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	if _, err := r.Resolve(context.Background(), conflicts, incoming, "nope"); err == nil {
		t.Fatalf("Resolve() with unknown strategy = nil, want error")
	}
}

func TestCustomStrategy(t *testing.T) {
	r, d := newResolver(DefaultConfig())
	err := r.RegisterStrategy(&StrategyFunc{
		StrategyName: "always-cancel",
		Fn: func(_ context.Context, conflicts []types.Conflict, u *types.StatusUpdate, _ Config) (*types.Resolution, error) {
			resolved := u.Clone()
			resolved.Status = "cancelled"
			return &types.Resolution{
				ResolvedUpdate:    resolved,
				WinningSystem:     u.Source,
				Reason:            "cancel on any conflict",
				ConflictsResolved: len(conflicts),
				Automatic:         true,
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterStrategy() error: %v", err)
	}

	d.Record(update("T1", "completed", "", types.SystemTracker))
	incoming := update("T1", "failed", "", types.SystemVCS)
	conflicts := d.Detect(context.Background(), incoming)

	res, err := r.Resolve(context.Background(), conflicts, incoming, "always-cancel")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.ResolvedUpdate.Status != "cancelled" {
		t.Errorf("resolved status = %q, want cancelled", res.ResolvedUpdate.Status)
	}
}
