package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

// ErrManualResolutionRequired is returned by the manual strategy; the
// orchestrator escalates instead of dispatching.
var ErrManualResolutionRequired = errors.New("conflict: manual resolution required")

// ErrEscalated wraps strategy failures that crossed the escalation
// threshold.
var ErrEscalated = errors.New("conflict: escalated")

// Config carries the knobs strategies consult.
type Config struct {
	// SystemPriorities maps each system to its authority; lower wins.
	// The relational store defaults to 0 (the sovereign).
	SystemPriorities map[types.SystemName]int

	// DefaultStrategy names the strategy used when Resolve is called
	// with an empty name.
	DefaultStrategy string

	// EscalationThreshold is the conflict count at or above which a
	// failed resolution escalates.
	EscalationThreshold int

	// StrictValidation additionally requires conflictsResolved to equal
	// the detected conflict count.
	StrictValidation bool

	// ResolutionTimeout bounds a single Resolve call.
	ResolutionTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SystemPriorities: map[types.SystemName]int{
			types.SystemDatabase: 0,
			types.SystemTracker:  1,
			types.SystemVCS:      2,
			types.SystemAgents:   3,
		},
		DefaultStrategy:     StrategyPriorityBased,
		EscalationThreshold: 3,
		StrictValidation:    true,
		ResolutionTimeout:   5 * time.Second,
	}
}

// Built-in strategy names.
const (
	StrategyPriorityBased  = "priority_based"
	StrategyTimestampBased = "timestamp_based"
	StrategyManual         = "manual"
	StrategyMerge          = "merge"
)

// Strategy resolves a conflict set into a Resolution.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, conflicts []types.Conflict, update *types.StatusUpdate, cfg Config) (*types.Resolution, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, conflicts []types.Conflict, update *types.StatusUpdate, cfg Config) (*types.Resolution, error)
}

func (s *StrategyFunc) Name() string { return s.StrategyName }

func (s *StrategyFunc) Resolve(ctx context.Context, conflicts []types.Conflict, update *types.StatusUpdate, cfg Config) (*types.Resolution, error) {
	return s.Fn(ctx, conflicts, update, cfg)
}

// Resolver applies a named strategy to a conflict set, validates the
// result, records it in the detector history, and emits bus events.
type Resolver struct {
	cfg      Config
	detector *Detector
	bus      *eventbus.Bus

	mu         sync.RWMutex
	strategies map[string]Strategy

	resolved  int64
	escalated int64
}

// NewResolver creates a resolver with the four built-in strategies
// registered.
func NewResolver(cfg Config, detector *Detector, bus *eventbus.Bus) *Resolver {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyPriorityBased
	}
	r := &Resolver{
		cfg:        cfg,
		detector:   detector,
		bus:        bus,
		strategies: make(map[string]Strategy),
	}
	r.strategies[StrategyPriorityBased] = &priorityStrategy{detector: detector}
	r.strategies[StrategyTimestampBased] = &timestampStrategy{detector: detector}
	r.strategies[StrategyManual] = &manualStrategy{}
	r.strategies[StrategyMerge] = &mergeStrategy{detector: detector}
	return r
}

// RegisterStrategy adds or replaces a strategy by name.
func (r *Resolver) RegisterStrategy(s Strategy) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("conflict: strategy must have a name")
	}
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()
	return nil
}

// Strategies returns the registered strategy names in stable order.
func (r *Resolver) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve applies the named strategy (or the default when name is empty)
// to the conflict set. On success the resolution is validated and the
// resolved update recorded in the history; on failure past the
// escalation threshold conflict.escalated is emitted.
func (r *Resolver) Resolve(ctx context.Context, conflicts []types.Conflict, update *types.StatusUpdate, name string) (*types.Resolution, error) {
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("conflict: nothing to resolve")
	}
	if name == "" {
		name = r.cfg.DefaultStrategy
	}

	r.mu.RLock()
	strategy, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conflict: unknown strategy %q", name)
	}

	if r.cfg.ResolutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ResolutionTimeout)
		defer cancel()
	}

	res, err := strategy.Resolve(ctx, conflicts, update, r.cfg)
	if err == nil {
		err = r.validate(res, len(conflicts))
	}
	if err != nil {
		if r.cfg.EscalationThreshold > 0 && len(conflicts) >= r.cfg.EscalationThreshold {
			r.escalate(ctx, conflicts, update, name, err)
			return nil, fmt.Errorf("conflict: strategy %s failed for %s: %v: %w",
				name, update.EntityKey(), err, ErrEscalated)
		}
		return nil, fmt.Errorf("conflict: strategy %s failed for %s: %w", name, update.EntityKey(), err)
	}

	r.mu.Lock()
	r.resolved++
	r.mu.Unlock()
	r.detector.Record(res.ResolvedUpdate)

	r.publish(ctx, &eventbus.Event{
		Type: eventbus.EventConflictResolved,
		Conflict: &eventbus.ConflictPayload{
			EntityKey:  update.EntityKey(),
			Conflicts:  conflicts,
			Resolution: res,
			Strategy:   name,
		},
	})
	return res, nil
}

// Stats returns the resolved and escalated counters.
func (r *Resolver) Stats() (resolved, escalated int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolved, r.escalated
}

func (r *Resolver) validate(res *types.Resolution, n int) error {
	if res == nil || res.ResolvedUpdate == nil {
		return fmt.Errorf("resolution missing resolved update")
	}
	if res.Reason == "" {
		return fmt.Errorf("resolution missing reason")
	}
	if r.cfg.StrictValidation && res.ConflictsResolved != n {
		return fmt.Errorf("resolution covered %d of %d conflicts", res.ConflictsResolved, n)
	}
	return nil
}

func (r *Resolver) escalate(ctx context.Context, conflicts []types.Conflict, update *types.StatusUpdate, strategy string, cause error) {
	r.mu.Lock()
	r.escalated++
	r.mu.Unlock()

	r.publish(ctx, &eventbus.Event{
		Type: eventbus.EventConflictEscalated,
		Conflict: &eventbus.ConflictPayload{
			EntityKey: update.EntityKey(),
			Conflicts: conflicts,
			Strategy:  strategy,
		},
	})
	_ = cause
}

func (r *Resolver) publish(ctx context.Context, ev *eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(ctx, ev)
	}
}

// priorityStrategy: the system with the lowest configured priority number
// wins; its last known status replaces the incoming one when it is not
// the source.
type priorityStrategy struct {
	detector *Detector
}

func (s *priorityStrategy) Name() string { return StrategyPriorityBased }

func (s *priorityStrategy) Resolve(_ context.Context, conflicts []types.Conflict, update *types.StatusUpdate, cfg Config) (*types.Resolution, error) {
	candidates := map[types.SystemName]bool{update.Source: true}
	for _, c := range conflicts {
		for _, sys := range c.CollidingSystems {
			candidates[sys] = true
		}
	}

	winner := update.Source
	best, ok := cfg.SystemPriorities[winner]
	if !ok {
		best = int(^uint(0) >> 1)
	}
	for sys := range candidates {
		p, ok := cfg.SystemPriorities[sys]
		if !ok {
			continue
		}
		if p < best || (p == best && sys < winner) {
			best, winner = p, sys
		}
	}

	resolved := update.Clone()
	if winner != update.Source {
		if status, ts, ok := s.detector.Recent(update.EntityKey(), winner); ok {
			resolved.Status = status
			resolved.Timestamp = ts
		}
		resolved.Source = winner
	}
	return &types.Resolution{
		ResolvedUpdate:    resolved,
		WinningSystem:     winner,
		Reason:            "priority",
		ConflictsResolved: len(conflicts),
		Strategy:          StrategyPriorityBased,
		Automatic:         true,
		Timestamp:         time.Now(),
	}, nil
}

// timestampStrategy: the most recent write wins.
type timestampStrategy struct {
	detector *Detector
}

func (s *timestampStrategy) Name() string { return StrategyTimestampBased }

func (s *timestampStrategy) Resolve(_ context.Context, conflicts []types.Conflict, update *types.StatusUpdate, cfg Config) (*types.Resolution, error) {
	winner := update.Source
	bestTS := update.Timestamp
	bestStatus := update.Status

	for _, c := range conflicts {
		for _, sys := range c.CollidingSystems {
			if sys == update.Source {
				continue
			}
			status, ts, ok := s.detector.Recent(update.EntityKey(), sys)
			if ok && ts > bestTS {
				winner, bestTS, bestStatus = sys, ts, status
			}
		}
	}

	resolved := update.Clone()
	resolved.Status = bestStatus
	resolved.Timestamp = bestTS
	resolved.Source = winner
	return &types.Resolution{
		ResolvedUpdate:    resolved,
		WinningSystem:     winner,
		Reason:            "last write wins",
		ConflictsResolved: len(conflicts),
		Strategy:          StrategyTimestampBased,
		Automatic:         true,
		Timestamp:         time.Now(),
	}, nil
}

// manualStrategy refuses to resolve anything.
type manualStrategy struct{}

func (s *manualStrategy) Name() string { return StrategyManual }

func (s *manualStrategy) Resolve(_ context.Context, conflicts []types.Conflict, update *types.StatusUpdate, _ Config) (*types.Resolution, error) {
	return nil, fmt.Errorf("%d conflicts on %s: %w", len(conflicts), update.EntityKey(), ErrManualResolutionRequired)
}

// mergeStrategy repairs per conflict type: concurrent updates keep the
// newer timestamp, invalid transitions roll back to the previous status,
// everything else passes through.
type mergeStrategy struct {
	detector *Detector
}

func (s *mergeStrategy) Name() string { return StrategyMerge }

func (s *mergeStrategy) Resolve(_ context.Context, conflicts []types.Conflict, update *types.StatusUpdate, _ Config) (*types.Resolution, error) {
	resolved := update.Clone()
	winner := update.Source

	for _, c := range conflicts {
		switch c.Type {
		case types.ConflictConcurrentUpdate:
			for _, sys := range c.CollidingSystems {
				if sys == update.Source {
					continue
				}
				status, ts, ok := s.detector.Recent(update.EntityKey(), sys)
				if ok && ts > resolved.Timestamp {
					resolved.Status = status
					resolved.Timestamp = ts
					winner = sys
				}
			}
		case types.ConflictInvalidTransition:
			resolved.Status = string(c.PreviousStatus)
			resolved.PreviousStatus = ""
		}
	}

	return &types.Resolution{
		ResolvedUpdate:    resolved,
		WinningSystem:     winner,
		Reason:            "merged per-conflict repairs",
		ConflictsResolved: len(conflicts),
		Strategy:          StrategyMerge,
		Automatic:         true,
		Timestamp:         time.Now(),
	}, nil
}
