// Package queue implements the four-level priority event queue that feeds
// the orchestrator: deduplication on ingest, batched draining in strict
// priority order, and per-event retry with exponential backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/statusrelay/relay/internal/adapter"
	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

// ErrQueueFull is returned by Add when the target priority level is at
// capacity. No partial enqueue occurs.
var ErrQueueFull = errors.New("queue: full")

// ErrDuplicate is returned by Add when an identical update (same
// entityType:entityId:status:source key) was enqueued within the
// deduplication window.
var ErrDuplicate = errors.New("queue: duplicate event")

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("queue: stopped")

// Processor consumes drained events one at a time.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *types.Event) error
}

// BatchProcessor optionally consumes a drained batch grouped by event kind
// in a single call. Processors that do not implement it receive events
// singly even when batching is enabled.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, kind types.EventKind, evs []*types.Event) error
}

// Options configures the queue.
type Options struct {
	// MaxQueueSize caps each priority level.
	MaxQueueSize int

	// BatchSize limits how many events one drain tick pops.
	BatchSize int

	// ProcessingInterval is the drain tick period.
	ProcessingInterval time.Duration

	// DeduplicationWindow is how long an ingest key suppresses duplicates.
	DeduplicationWindow time.Duration

	// EnableBatching hands per-kind groups to a BatchProcessor.
	EnableBatching bool

	// EnableOrdering re-sorts each drained batch by enqueue time.
	EnableOrdering bool

	// MaxRetries bounds per-event retries before dead-lettering.
	MaxRetries int

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration

	// BackoffMultiplier grows the delay per retry (default 2).
	BackoffMultiplier float64

	// MaxRetryDelay caps the computed backoff delay.
	MaxRetryDelay time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize:        1000,
		BatchSize:           10,
		ProcessingInterval:  100 * time.Millisecond,
		DeduplicationWindow: 5 * time.Second,
		EnableBatching:      true,
		EnableOrdering:      true,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BackoffMultiplier:   2,
		MaxRetryDelay:       time.Minute,
	}
}

// Metrics is a point-in-time snapshot of queue counters.
type Metrics struct {
	TotalEvents        int64                       `json:"total_events"`
	ProcessedEvents    int64                       `json:"processed_events"`
	FailedEvents       int64                       `json:"failed_events"`
	RetriedEvents      int64                       `json:"retried_events"`
	DeduplicatedEvents int64                       `json:"deduplicated_events"`
	DeadLettered       int64                       `json:"dead_lettered"`
	Depths             [types.PriorityLevels]int   `json:"depths"`
	AvgProcessingMS    map[types.EventKind]float64 `json:"avg_processing_ms"`
}

// kindStats tracks a running mean of processing time per event kind
// (Welford update; variance is not needed, only the mean).
type kindStats struct {
	count int64
	mean  float64 // milliseconds
}

func (s *kindStats) observe(d time.Duration) {
	s.count++
	ms := float64(d) / float64(time.Millisecond)
	s.mean += (ms - s.mean) / float64(s.count)
}

// Queue is the four-level priority queue. Producers call Add concurrently;
// a single drain loop consumes. All queue mutations happen under a short
// mutex; event processing runs outside it.
type Queue struct {
	opts Options
	proc Processor
	bus  *eventbus.Bus

	mu      sync.Mutex
	queues  [types.PriorityLevels][]*types.Event
	recent  map[string]time.Time // dedup key -> ingest time
	stopped bool

	total    int64
	done     int64
	failed   int64
	retried  int64
	deduped  int64
	deadLtrs int64
	byKind   map[types.EventKind]*kindStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
	timers sync.WaitGroup // outstanding retry timers
}

// New creates a queue feeding proc. Events emitted on the bus:
// queue.retry_scheduled, queue.dead_letter, queue.duplicate_dropped.
func New(opts Options, proc Processor, bus *eventbus.Bus) *Queue {
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 2
	}
	return &Queue{
		opts:   opts,
		proc:   proc,
		bus:    bus,
		recent: make(map[string]time.Time),
		byKind: make(map[types.EventKind]*kindStats),
	}
}

// Add enqueues a status update at the given priority and returns the
// assigned event ID. Duplicates within the deduplication window return
// ErrDuplicate; a full priority level returns ErrQueueFull.
func (q *Queue) Add(update *types.StatusUpdate, prio types.Priority) (string, error) {
	if err := update.Validate(); err != nil {
		return "", err
	}
	if !prio.Valid() {
		return "", fmt.Errorf("queue: invalid priority %d", prio)
	}

	now := time.Now()
	ev := &types.Event{
		ID:         uuid.NewString(),
		Kind:       types.EventStatusUpdate,
		Update:     update,
		Priority:   prio,
		EnqueuedAt: now,
	}
	if update.Timestamp == 0 {
		update.Timestamp = now.UnixMilli()
	}

	key := update.DedupKey()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if at, ok := q.recent[key]; ok && now.Sub(at) <= q.opts.DeduplicationWindow {
		q.deduped++
		q.mu.Unlock()
		q.publish(&eventbus.Event{
			Type:  eventbus.EventDuplicateDropped,
			Queue: &eventbus.QueuePayload{Event: ev, Reason: "duplicate within window"},
		})
		return "", ErrDuplicate
	}
	if len(q.queues[prio]) >= q.opts.MaxQueueSize {
		q.mu.Unlock()
		return "", fmt.Errorf("queue: priority %s at capacity %d: %w", prio, q.opts.MaxQueueSize, ErrQueueFull)
	}
	q.recent[key] = now
	q.queues[prio] = append(q.queues[prio], ev)
	q.total++
	q.mu.Unlock()

	return ev.ID, nil
}

// Start launches the drain loop and the dedup sweep. It returns
// immediately; processing continues until Stop or context cancellation.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(2)
	go q.drainLoop(ctx)
	go q.sweepLoop(ctx)
}

// Stop halts intake, drains remaining events within the grace context,
// and waits for background loops and retry timers.
func (q *Queue) Stop(grace context.Context) {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	// Bounded final drain: keep popping until empty or grace expiry.
	for grace.Err() == nil {
		batch := q.pop(q.opts.BatchSize)
		if len(batch) == 0 {
			break
		}
		q.dispatch(grace, batch)
	}

	timerDone := make(chan struct{})
	go func() {
		q.timers.Wait()
		close(timerDone)
	}()
	select {
	case <-timerDone:
	case <-grace.Done():
	}
}

// DrainNow synchronously pops and processes one batch. The orchestrator's
// periodic sweep uses this alongside the queue's own tick.
func (q *Queue) DrainNow(ctx context.Context) int {
	batch := q.pop(q.opts.BatchSize)
	if len(batch) > 0 {
		q.dispatch(ctx, batch)
	}
	return len(batch)
}

// Snapshot returns current metrics including per-priority depths.
func (q *Queue) Snapshot() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		TotalEvents:        q.total,
		ProcessedEvents:    q.done,
		FailedEvents:       q.failed,
		RetriedEvents:      q.retried,
		DeduplicatedEvents: q.deduped,
		DeadLettered:       q.deadLtrs,
		AvgProcessingMS:    make(map[types.EventKind]float64, len(q.byKind)),
	}
	for i := range q.queues {
		m.Depths[i] = len(q.queues[i])
	}
	for kind, s := range q.byKind {
		m.AvgProcessingMS[kind] = s.mean
	}
	return m
}

// Depth returns the total number of queued events across all levels.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.queues {
		n += len(q.queues[i])
	}
	return n
}

func (q *Queue) drainLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := q.pop(q.opts.BatchSize)
			if len(batch) > 0 {
				q.dispatch(ctx, batch)
			}
		}
	}
}

// sweepLoop evicts dedup entries older than the window.
func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()

	interval := q.opts.DeduplicationWindow
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-q.opts.DeduplicationWindow)
			q.mu.Lock()
			for key, at := range q.recent {
				if at.Before(cutoff) {
					delete(q.recent, key)
				}
			}
			q.mu.Unlock()
		}
	}
}

// pop removes up to n events, strictly higher priority first, preserving
// FIFO within each level.
func (q *Queue) pop(n int) []*types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*types.Event
	for prio := 0; prio < types.PriorityLevels && len(batch) < n; prio++ {
		level := q.queues[prio]
		take := n - len(batch)
		if take > len(level) {
			take = len(level)
		}
		batch = append(batch, level[:take]...)
		q.queues[prio] = level[take:]
	}
	return batch
}

// pushFront re-enqueues a retried event at the front of its priority.
func (q *Queue) pushFront(ev *types.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[ev.Priority] = append([]*types.Event{ev}, q.queues[ev.Priority]...)
}

// dispatch processes one drained batch outside the lock.
func (q *Queue) dispatch(ctx context.Context, batch []*types.Event) {
	if q.opts.EnableOrdering {
		// Enqueue-time order within a level; priority order stays strict.
		sort.SliceStable(batch, func(i, j int) bool {
			if batch[i].Priority != batch[j].Priority {
				return batch[i].Priority < batch[j].Priority
			}
			return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
		})
	}

	if q.opts.EnableBatching && len(batch) > 1 {
		if bp, ok := q.proc.(BatchProcessor); ok {
			for _, group := range groupByKind(batch) {
				start := time.Now()
				err := bp.ProcessBatch(ctx, group[0].Kind, group)
				q.observeBatch(group, time.Since(start), err)
			}
			return
		}
	}

	for _, ev := range batch {
		start := time.Now()
		err := q.proc.ProcessEvent(ctx, ev)
		q.observe(ev, time.Since(start), err)
	}
}

// groupByKind splits a batch into per-kind groups preserving order.
func groupByKind(batch []*types.Event) [][]*types.Event {
	index := make(map[types.EventKind]int)
	var groups [][]*types.Event
	for _, ev := range batch {
		i, ok := index[ev.Kind]
		if !ok {
			i = len(groups)
			index[ev.Kind] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

func (q *Queue) observeBatch(group []*types.Event, d time.Duration, err error) {
	per := d / time.Duration(len(group))
	for _, ev := range group {
		q.observe(ev, per, err)
	}
}

// observe records one processing outcome and routes failures into the
// retry path.
func (q *Queue) observe(ev *types.Event, d time.Duration, err error) {
	q.mu.Lock()
	s := q.byKind[ev.Kind]
	if s == nil {
		s = &kindStats{}
		q.byKind[ev.Kind] = s
	}
	s.observe(d)
	if err == nil {
		q.done++
	} else {
		q.failed++
	}
	q.mu.Unlock()

	if err == nil {
		return
	}
	if adapter.IsPermanent(err) {
		q.deadLetter(ev, fmt.Sprintf("permanent failure: %v", err))
		return
	}
	q.retry(ev, err)
}

// retry schedules a re-enqueue at the front of the event's priority after
// the backoff delay, or dead-letters when retries are exhausted.
func (q *Queue) retry(ev *types.Event, cause error) {
	ev.RetryCount++
	if ev.RetryCount >= q.opts.MaxRetries {
		q.deadLetter(ev, fmt.Sprintf("max retries (%d) exceeded: %v", q.opts.MaxRetries, cause))
		return
	}

	delay := q.retryDelay(ev.RetryCount)

	q.mu.Lock()
	q.retried++
	stopped := q.stopped
	q.mu.Unlock()

	q.publish(&eventbus.Event{
		Type:  eventbus.EventRetryScheduled,
		Queue: &eventbus.QueuePayload{Event: ev, Reason: cause.Error(), Delay: delay},
	})

	if stopped {
		// Shutdown drain retries immediately rather than arming timers.
		q.pushFront(ev)
		return
	}

	q.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer q.timers.Done()
		q.pushFront(ev)
	})
}

// retryDelay computes retryDelay * multiplier^(retries-1), capped, using
// the exponential backoff policy with jitter disabled so the schedule is
// deterministic.
func (q *Queue) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.RetryDelay
	b.Multiplier = q.opts.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = q.opts.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// deadLetter emits a terminal event and drops the queued event.
func (q *Queue) deadLetter(ev *types.Event, reason string) {
	q.mu.Lock()
	q.deadLtrs++
	q.mu.Unlock()

	log.Printf("queue: dead-lettering event %s (%s): %s", ev.ID, ev.Update.DedupKey(), reason)
	q.publish(&eventbus.Event{
		Type:  eventbus.EventDeadLetter,
		Queue: &eventbus.QueuePayload{Event: ev, Reason: reason},
	})
}

func (q *Queue) publish(ev *eventbus.Event) {
	if q.bus != nil {
		q.bus.Publish(context.Background(), ev)
	}
}
