// Package monitor tracks synchronization health: counters, a running mean
// of sync duration, threshold evaluation, and alerts that resolve
// themselves when the offending metric recovers.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/statusrelay/relay/internal/eventbus"
)

// HealthState is the roll-up health classification.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Metric names used in alerts.
const (
	MetricFailureRate  = "failure_rate"
	MetricAvgSyncTime  = "avg_sync_time"
	MetricQueueDepth   = "queue_depth"
	MetricConflictRate = "conflict_rate"
	MetricMemoryUsage  = "memory_usage"
)

// Thresholds are compared each tick; zero values disable a check.
type Thresholds struct {
	FailureRate  float64       `yaml:"failure_rate"`
	AvgSyncTime  time.Duration `yaml:"avg_sync_time"`
	QueueDepth   int           `yaml:"queue_depth"`
	ConflictRate float64       `yaml:"conflict_rate"`
	MemoryUsage  int64         `yaml:"memory_usage"` // heap bytes
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureRate:  0.25,
		AvgSyncTime:  5 * time.Second,
		QueueDepth:   500,
		ConflictRate: 0.5,
		MemoryUsage:  512 << 20,
	}
}

// Alert is one active or resolved threshold breach.
type Alert struct {
	ID         string    `json:"id"`
	Metric     string    `json:"metric"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	RaisedAt   time.Time `json:"raised_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Snapshot is the monitor's externally visible state.
type Snapshot struct {
	TotalSyncs         int64       `json:"total_syncs"`
	SuccessfulSyncs    int64       `json:"successful_syncs"`
	FailedSyncs        int64       `json:"failed_syncs"`
	AvgSyncDurationMS  float64     `json:"avg_sync_duration_ms"`
	QueueDepth         int         `json:"queue_depth"`
	HeapBytes          uint64      `json:"heap_bytes"`
	ConflictsDetected  int64       `json:"conflicts_detected"`
	ConflictsResolved  int64       `json:"conflicts_resolved"`
	ConflictsEscalated int64       `json:"conflicts_escalated"`
	ActiveAlerts       []Alert     `json:"active_alerts"`
	Health             HealthState `json:"health"`
}

// Monitor aggregates sync outcomes. Record* methods are safe for
// concurrent use; the tick loop evaluates thresholds.
type Monitor struct {
	thresholds Thresholds
	interval   time.Duration
	queueDepth func() int
	bus        *eventbus.Bus

	mu           sync.Mutex
	total        int64
	success      int64
	failed       int64
	durMean      float64 // ms, Welford
	conflicts    int64
	resolved     int64
	escalated    int64
	lastDepth    int
	lastHeap     uint64
	activeAlerts map[string]*Alert // keyed by metric

	syncCounter     metric.Int64Counter
	conflictCounter metric.Int64Counter
	alertCounter    metric.Int64Counter
	durHistogram    metric.Float64Histogram

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. queueDepth samples the queue each tick and may
// be nil.
func New(thresholds Thresholds, interval time.Duration, queueDepth func() int, bus *eventbus.Bus) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	meter := otel.Meter("github.com/statusrelay/relay/internal/monitor")
	syncCounter, _ := meter.Int64Counter("relay.syncs",
		metric.WithDescription("Completed synchronization attempts"))
	conflictCounter, _ := meter.Int64Counter("relay.conflicts",
		metric.WithDescription("Detected, resolved, and escalated conflicts"))
	alertCounter, _ := meter.Int64Counter("relay.alerts",
		metric.WithDescription("Raised threshold alerts"))
	durHistogram, _ := meter.Float64Histogram("relay.sync.duration",
		metric.WithDescription("Synchronization duration"), metric.WithUnit("ms"))

	return &Monitor{
		thresholds:      thresholds,
		interval:        interval,
		queueDepth:      queueDepth,
		bus:             bus,
		activeAlerts:    make(map[string]*Alert),
		syncCounter:     syncCounter,
		conflictCounter: conflictCounter,
		alertCounter:    alertCounter,
		durHistogram:    durHistogram,
	}
}

// RecordSync records one synchronization outcome.
func (m *Monitor) RecordSync(d time.Duration, success bool) {
	ms := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	m.total++
	if success {
		m.success++
	} else {
		m.failed++
	}
	m.durMean += (ms - m.durMean) / float64(m.total)
	m.mu.Unlock()

	ctx := context.Background()
	m.syncCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	m.durHistogram.Record(ctx, ms)
}

// RecordConflicts records n newly detected conflicts.
func (m *Monitor) RecordConflicts(n int) {
	m.mu.Lock()
	m.conflicts += int64(n)
	m.mu.Unlock()
	m.conflictCounter.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("outcome", "detected")))
}

// RecordResolved records one resolved conflict set.
func (m *Monitor) RecordResolved() {
	m.mu.Lock()
	m.resolved++
	m.mu.Unlock()
	m.conflictCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", "resolved")))
}

// RecordEscalated records one escalated conflict set.
func (m *Monitor) RecordEscalated() {
	m.mu.Lock()
	m.escalated++
	m.mu.Unlock()
	m.conflictCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", "escalated")))
}

// Start launches the threshold evaluation loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Evaluate(ctx)
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Evaluate samples the queue and compares every metric against its
// threshold, raising and auto-resolving alerts. Exposed so tests and the
// orchestrator can force a tick.
func (m *Monitor) Evaluate(ctx context.Context) {
	depth := 0
	if m.queueDepth != nil {
		depth = m.queueDepth()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	m.lastDepth = depth
	m.lastHeap = ms.HeapAlloc
	var failureRate, conflictRate float64
	if m.total > 0 {
		failureRate = float64(m.failed) / float64(m.total)
		conflictRate = float64(m.conflicts) / float64(m.total)
	}
	avgMS := m.durMean
	m.mu.Unlock()

	m.compare(ctx, MetricFailureRate, failureRate, m.thresholds.FailureRate, "high",
		fmt.Sprintf("sync failure rate %.2f exceeds %.2f", failureRate, m.thresholds.FailureRate))
	avgThresholdMS := float64(m.thresholds.AvgSyncTime) / float64(time.Millisecond)
	m.compare(ctx, MetricAvgSyncTime, avgMS, avgThresholdMS, "medium",
		fmt.Sprintf("average sync time %.0fms exceeds %.0fms", avgMS, avgThresholdMS))
	m.compare(ctx, MetricQueueDepth, float64(depth), float64(m.thresholds.QueueDepth), "medium",
		fmt.Sprintf("queue depth %d exceeds %d", depth, m.thresholds.QueueDepth))
	m.compare(ctx, MetricConflictRate, conflictRate, m.thresholds.ConflictRate, "high",
		fmt.Sprintf("conflict rate %.2f exceeds %.2f", conflictRate, m.thresholds.ConflictRate))
	m.compare(ctx, MetricMemoryUsage, float64(ms.HeapAlloc), float64(m.thresholds.MemoryUsage), "medium",
		fmt.Sprintf("heap usage %dMiB exceeds %dMiB", ms.HeapAlloc>>20, m.thresholds.MemoryUsage>>20))
}

// compare raises an alert on breach and resolves an active one when the
// metric re-enters bounds. A zero threshold disables the check.
func (m *Monitor) compare(ctx context.Context, name string, value, threshold float64, severity, message string) {
	if threshold <= 0 {
		return
	}

	m.mu.Lock()
	active := m.activeAlerts[name]
	breached := value > threshold

	switch {
	case breached && active == nil:
		alert := &Alert{
			ID:        uuid.NewString(),
			Metric:    name,
			Severity:  severity,
			Message:   message,
			Value:     value,
			Threshold: threshold,
			RaisedAt:  time.Now(),
		}
		m.activeAlerts[name] = alert
		m.mu.Unlock()

		m.alertCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("metric", name)))
		m.publish(ctx, &eventbus.Event{
			Type: eventbus.EventAlertRaised,
			Alert: &eventbus.AlertPayload{
				AlertID:  alert.ID,
				Severity: severity,
				Message:  message,
				Metric:   name,
			},
		})
	case !breached && active != nil:
		active.ResolvedAt = time.Now()
		delete(m.activeAlerts, name)
		m.mu.Unlock()

		m.publish(ctx, &eventbus.Event{
			Type: eventbus.EventAlertResolved,
			Alert: &eventbus.AlertPayload{
				AlertID:  active.ID,
				Severity: active.Severity,
				Message:  "recovered: " + active.Message,
				Metric:   name,
			},
		})
	default:
		m.mu.Unlock()
	}
}

// Snapshot returns current counters, active alerts, and the health
// roll-up: unhealthy with any high-severity alert, degraded with any
// alert at all.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TotalSyncs:         m.total,
		SuccessfulSyncs:    m.success,
		FailedSyncs:        m.failed,
		AvgSyncDurationMS:  m.durMean,
		QueueDepth:         m.lastDepth,
		HeapBytes:          m.lastHeap,
		ConflictsDetected:  m.conflicts,
		ConflictsResolved:  m.resolved,
		ConflictsEscalated: m.escalated,
		Health:             HealthHealthy,
	}
	for _, a := range m.activeAlerts {
		snap.ActiveAlerts = append(snap.ActiveAlerts, *a)
		if a.Severity == "high" {
			snap.Health = HealthUnhealthy
		} else if snap.Health == HealthHealthy {
			snap.Health = HealthDegraded
		}
	}
	return snap
}

func (m *Monitor) publish(ctx context.Context, ev *eventbus.Event) {
	if m.bus != nil {
		m.bus.Publish(ctx, ev)
	}
}
