// Package orchestrator drives a synchronization end to end: validation,
// per-entity serialization, conflict handling, vocabulary mapping,
// all-settled parallel dispatch, and result fan-out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/statusrelay/relay/internal/adapter"
	"github.com/statusrelay/relay/internal/conflict"
	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/hub"
	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/monitor"
	"github.com/statusrelay/relay/internal/queue"
	"github.com/statusrelay/relay/internal/types"
)

// ErrConflictsUnresolved is returned when conflicts are detected and
// automatic resolution is disabled.
var ErrConflictsUnresolved = errors.New("orchestrator: conflicts unresolved")

// ErrSyncFailed is wrapped when one or more targets failed.
var ErrSyncFailed = errors.New("orchestrator: sync failed")

const lockShards = 64

// Options configures the orchestrator.
type Options struct {
	// DispatchTimeout bounds each per-target adapter call.
	DispatchTimeout time.Duration

	// AutoResolve resolves detected conflicts with the default strategy;
	// when false, conflicting updates fail with ErrConflictsUnresolved.
	AutoResolve bool

	// DefaultStrategy overrides the resolver's default when non-empty.
	DefaultStrategy string
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		DispatchTimeout: 10 * time.Second,
		AutoResolve:     true,
	}
}

// Orchestrator composes the mapper, conflict engine, adapter registry,
// queue, hub, and monitor.
type Orchestrator struct {
	opts     Options
	mapper   *mapper.Mapper
	detector *conflict.Detector
	resolver *conflict.Resolver
	registry *adapter.Registry
	mon      *monitor.Monitor
	fanout   *hub.Hub
	bus      *eventbus.Bus

	queue *queue.Queue

	locks [lockShards]sync.Mutex
}

// New creates an orchestrator. fanout and mon may be nil; the queue is
// attached afterwards because it consumes the orchestrator as its
// processor.
func New(opts Options, m *mapper.Mapper, det *conflict.Detector, res *conflict.Resolver,
	reg *adapter.Registry, mon *monitor.Monitor, fanout *hub.Hub, bus *eventbus.Bus) *Orchestrator {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	return &Orchestrator{
		opts:     opts,
		mapper:   m,
		detector: det,
		resolver: res,
		registry: reg,
		mon:      mon,
		fanout:   fanout,
		bus:      bus,
	}
}

// AttachQueue wires the retry queue. Must be called before Start.
func (o *Orchestrator) AttachQueue(q *queue.Queue) { o.queue = q }

// Start launches the monitor tick and the queue drain loop.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.mon != nil {
		o.mon.Start(ctx)
	}
	if o.queue != nil {
		o.queue.Start(ctx)
	}
}

// Stop drains the queue within the grace context, stops the monitor, and
// closes the adapters.
func (o *Orchestrator) Stop(grace context.Context) {
	if o.queue != nil {
		o.queue.Stop(grace)
	}
	if o.mon != nil {
		o.mon.Stop()
	}
	if err := o.registry.CloseAll(); err != nil {
		log.Printf("orchestrator: closing adapters: %v", err)
	}
}

// Submit validates and enqueues an update for asynchronous
// synchronization, deriving the queue priority from the update.
func (o *Orchestrator) Submit(update *types.StatusUpdate) (string, error) {
	return o.queue.Add(update, types.ParsePriority(update.Priority))
}

// Synchronize pushes one update to every registered system except its
// source. The returned SyncResult is non-nil whenever dispatch ran, even
// if some targets failed.
func (o *Orchestrator) Synchronize(ctx context.Context, update *types.StatusUpdate) (*types.SyncResult, error) {
	if update == nil {
		return nil, fmt.Errorf("orchestrator: nil update")
	}
	if err := update.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	start := time.Now()
	syncID := uuid.NewString()

	// Per-entity serialization: concurrent syncs for the same entity run
	// one at a time; different entities proceed in parallel.
	lock := o.entityLock(update.EntityKey())
	lock.Lock()
	defer lock.Unlock()

	resolved, err := o.handleConflicts(ctx, update)
	if err != nil {
		o.recordSync(time.Since(start), false)
		return nil, err
	}
	update = resolved

	mappings := o.mapper.MapToAllSystems(update, update.Source)
	result := o.dispatch(ctx, syncID, update, mappings)
	result.Duration = time.Since(start)

	o.recordSync(result.Duration, result.Success)
	if result.Success {
		o.detector.Record(update)
	}
	o.announce(ctx, update, result)

	if !result.Success {
		return result, fmt.Errorf("%w: %s", ErrSyncFailed, failureSummary(result))
	}
	return result, nil
}

// handleConflicts runs detection and, when enabled, resolution. The
// returned update replaces the input for the rest of the pipeline.
func (o *Orchestrator) handleConflicts(ctx context.Context, update *types.StatusUpdate) (*types.StatusUpdate, error) {
	conflicts := o.detector.Detect(ctx, update)
	if len(conflicts) == 0 {
		return update, nil
	}

	if o.mon != nil {
		o.mon.RecordConflicts(len(conflicts))
	}
	o.publish(ctx, &eventbus.Event{
		Type: eventbus.EventConflictDetected,
		Conflict: &eventbus.ConflictPayload{
			EntityKey: update.EntityKey(),
			Conflicts: conflicts,
		},
	})

	if !o.opts.AutoResolve {
		return nil, fmt.Errorf("%w: %d conflicts on %s", ErrConflictsUnresolved, len(conflicts), update.EntityKey())
	}

	res, err := o.resolver.Resolve(ctx, conflicts, update, o.opts.DefaultStrategy)
	if err != nil {
		if o.mon != nil && errors.Is(err, conflict.ErrEscalated) {
			o.mon.RecordEscalated()
		}
		return nil, err
	}
	if o.mon != nil {
		o.mon.RecordResolved()
	}
	return res.ResolvedUpdate, nil
}

// dispatch pushes the mapped update to every registered target except the
// source, in parallel, with an all-settled join: one target's failure
// never cancels another's attempt.
func (o *Orchestrator) dispatch(ctx context.Context, syncID string, update *types.StatusUpdate, mappings map[types.SystemName]*mapper.TargetMapping) *types.SyncResult {
	result := &types.SyncResult{
		SyncID:  syncID,
		Update:  update,
		Results: make(map[types.SystemName]*types.SystemResult),
		Success: true,
	}

	var mu sync.Mutex
	var g errgroup.Group

	for _, system := range o.registry.Systems() {
		if system == update.Source {
			continue
		}
		system := system
		mapping := mappings[system]

		g.Go(func() error {
			sr := o.dispatchOne(ctx, system, mapping)
			mu.Lock()
			result.Results[system] = sr
			if !sr.Success {
				result.Success = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (o *Orchestrator) dispatchOne(ctx context.Context, system types.SystemName, mapping *mapper.TargetMapping) *types.SystemResult {
	if mapping == nil || mapping.Err != nil {
		err := fmt.Errorf("orchestrator: no mapping for %s", system)
		if mapping != nil {
			err = mapping.Err
		}
		return &types.SystemResult{Success: false, Error: err.Error()}
	}

	a, err := o.registry.Get(system)
	if err != nil {
		return &types.SystemResult{Success: false, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.DispatchTimeout)
	defer cancel()

	res, err := a.Apply(ctx, mapping.Update)
	if err != nil {
		return &types.SystemResult{
			Success:   false,
			Error:     err.Error(),
			Permanent: adapter.IsPermanent(err),
		}
	}
	return &types.SystemResult{Success: true, Result: res}
}

// announce emits the bus event and broadcasts the outcome to the entity's
// rooms and to general subscribers.
func (o *Orchestrator) announce(ctx context.Context, update *types.StatusUpdate, result *types.SyncResult) {
	evType := eventbus.EventSyncCompleted
	var failed []types.SystemName
	for system, sr := range result.Results {
		if !sr.Success {
			failed = append(failed, system)
		}
	}
	if !result.Success {
		evType = eventbus.EventSyncFailed
	}
	o.publish(ctx, &eventbus.Event{
		Type: evType,
		Sync: &eventbus.SyncPayload{
			SyncID:   result.SyncID,
			Update:   update,
			Success:  result.Success,
			Duration: result.Duration,
			Failed:   failed,
		},
	})

	if o.fanout == nil {
		return
	}
	notice := &hub.UpdateNotice{
		SyncID:     result.SyncID,
		EntityID:   update.EntityID,
		EntityType: string(update.EntityType),
		Status:     update.Status,
		Source:     update.Source,
		Success:    result.Success,
	}
	o.fanout.Broadcast(notice, update.EntityKey())
	o.fanout.Broadcast(notice, string(update.EntityType))
	o.fanout.Broadcast(notice, "")
}

// ProcessEvent makes the orchestrator the queue's processor: drained
// events run through Synchronize, and failures flow back for retry. A
// failure where every failed target was permanent is reported permanent
// so the queue dead-letters instead of retrying.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev *types.Event) error {
	result, err := o.Synchronize(ctx, ev.Update)
	if err == nil {
		return nil
	}

	if errors.Is(err, conflict.ErrManualResolutionRequired) || errors.Is(err, conflict.ErrEscalated) {
		return adapter.Permanent(err)
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return adapter.Permanent(err)
	}

	if result != nil && allFailuresPermanent(result) {
		return adapter.Permanent(err)
	}
	return err
}

// Health probes every registered adapter and rolls the monitor state in.
func (o *Orchestrator) Health(ctx context.Context) (monitor.HealthState, map[types.SystemName]adapter.Health) {
	systems := make(map[types.SystemName]adapter.Health)
	state := monitor.HealthHealthy
	if o.mon != nil {
		state = o.mon.Snapshot().Health
	}

	for _, name := range o.registry.Systems() {
		a, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		h := a.HealthCheck(ctx)
		systems[name] = h
		if !h.Healthy {
			state = monitor.HealthUnhealthy
		}
	}
	return state, systems
}

func (o *Orchestrator) entityLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &o.locks[h.Sum32()%lockShards]
}

func (o *Orchestrator) recordSync(d time.Duration, success bool) {
	if o.mon != nil {
		o.mon.RecordSync(d, success)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev *eventbus.Event) {
	if o.bus != nil {
		o.bus.Publish(ctx, ev)
	}
}

func allFailuresPermanent(result *types.SyncResult) bool {
	sawFailure := false
	for _, sr := range result.Results {
		if sr.Success {
			continue
		}
		sawFailure = true
		if !sr.Permanent {
			return false
		}
	}
	return sawFailure
}

func failureSummary(result *types.SyncResult) string {
	for system, sr := range result.Results {
		if !sr.Success {
			return fmt.Sprintf("%s: %s", system, sr.Error)
		}
	}
	return "unknown failure"
}
