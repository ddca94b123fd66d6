package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/statusrelay/relay/internal/adapter"
	"github.com/statusrelay/relay/internal/adapter/relstore"
	"github.com/statusrelay/relay/internal/config"
	"github.com/statusrelay/relay/internal/conflict"
	"github.com/statusrelay/relay/internal/debug"
	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/hub"
	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/monitor"
	"github.com/statusrelay/relay/internal/orchestrator"
	"github.com/statusrelay/relay/internal/queue"
	"github.com/statusrelay/relay/internal/telemetry"
	"github.com/statusrelay/relay/internal/types"

	"golang.org/x/time/rate"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synchronization hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	if err := telemetry.Init(ctx, "relayd", version); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	bus := eventbus.New()

	m := mapper.New(mapper.Options{
		Strict:               cfg.Mapper.StrictMapping,
		Bidirectional:        cfg.Mapper.EnableBidirectionalMapping,
		EnableCustomMappings: cfg.Mapper.EnableCustomMappings,
		Validate:             cfg.Mapper.ValidateMappings,
	})
	for _, cm := range cfg.Mapper.CustomMappings {
		err := m.AddCustomMapping(
			types.SystemName(cm.Source), types.SystemName(cm.Target),
			cm.From, cm.To, mapper.Kind(cm.Kind))
		if err != nil {
			return fmt.Errorf("relayd: custom mapping: %w", err)
		}
	}
	if cfg.Mapper.OverridesFile != "" {
		if err := config.WatchOverrides(ctx, cfg.Mapper.OverridesFile, m); err != nil {
			return err
		}
	}

	registry := adapter.NewRegistry()
	var depChecker conflict.DependencyChecker
	if cfg.Database.DSN != "" {
		store, err := relstore.Open(ctx, relstore.Options{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		if err := registry.Register(store); err != nil {
			return err
		}
		depChecker = store
		debug.Logf("relayd: relational store adapter connected\n")
	}

	detector := conflict.NewDetector(cfg.Conflict.ConflictWindow, cfg.Conflict.MaxHistory, depChecker, nil)
	priorities := make(map[types.SystemName]int, len(cfg.Conflict.SystemPriorities))
	for system, prio := range cfg.Conflict.SystemPriorities {
		priorities[types.SystemName(system)] = prio
	}
	resolver := conflict.NewResolver(conflict.Config{
		SystemPriorities:    priorities,
		DefaultStrategy:     cfg.Conflict.DefaultStrategy,
		EscalationThreshold: cfg.Conflict.EscalationThreshold,
		StrictValidation:    cfg.Conflict.StrictValidation,
		ResolutionTimeout:   cfg.Conflict.ResolutionTimeout,
	}, detector, bus)

	// The queue and orchestrator reference each other, and the monitor and
	// hub each need one of them; closures break the construction cycle.
	var (
		orch *orchestrator.Orchestrator
		q    *queue.Queue
	)

	mon := monitor.New(monitor.Thresholds{
		FailureRate:  cfg.Monitor.AlertThresholds.SyncFailureRate,
		AvgSyncTime:  cfg.Monitor.AlertThresholds.AvgSyncTime,
		QueueDepth:   cfg.Monitor.AlertThresholds.QueueSize,
		ConflictRate: cfg.Monitor.AlertThresholds.ConflictRate,
		MemoryUsage:  cfg.Monitor.AlertThresholds.MemoryUsage,
	}, cfg.Monitor.Interval, func() int {
		if q == nil {
			return 0
		}
		return q.Depth()
	}, bus)

	var auth hub.Authenticator
	if cfg.Hub.EnableAuth {
		auth = hub.NewJWTAuthenticator([]byte(cfg.Hub.AuthSecret), "")
	}

	fanout := hub.New(hub.Options{
		MaxConnections:    cfg.Hub.MaxConnections,
		AuthEnabled:       cfg.Hub.EnableAuth,
		AuthTimeout:       cfg.Hub.AuthTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatGrace:    10 * time.Second,
		WriteTimeout:      cfg.Hub.ConnectionTimeout,
		RateLimit:         rate.Limit(cfg.Hub.RateLimit.RateLimitPerSecond()),
		RateBurst:         cfg.Hub.RateLimit.MaxRequests,
		SendBuffer:        64,
		ReadLimit:         cfg.Hub.MaxMessageSize,
	}, auth, bus, func(ctx context.Context, update *types.StatusUpdate) error {
		_, err := orch.Submit(update)
		return err
	})

	orch = orchestrator.New(orchestrator.Options{
		DispatchTimeout: cfg.Global.Timeout,
		AutoResolve:     cfg.Conflict.AutoResolve,
		DefaultStrategy: cfg.Conflict.DefaultStrategy,
	}, m, detector, resolver, registry, mon, fanout, bus)

	q = queue.New(queue.Options{
		MaxQueueSize:        cfg.Queue.MaxQueueSize,
		BatchSize:           cfg.Global.BatchSize,
		ProcessingInterval:  cfg.Global.SyncInterval,
		DeduplicationWindow: cfg.Queue.DeduplicationWindow,
		EnableBatching:      cfg.Queue.EnableBatching,
		EnableOrdering:      cfg.Queue.EnableOrdering,
		MaxRetries:          cfg.Global.MaxRetries,
		RetryDelay:          cfg.Global.RetryDelay,
		BackoffMultiplier:   cfg.Queue.BackoffMultiplier,
		MaxRetryDelay:       cfg.Queue.MaxRetryDelay,
	}, orch, bus)
	orch.AttachQueue(q)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(runCtx)
	fanout.Start(runCtx)

	mux := http.NewServeMux()
	mux.Handle("/ws", fanout.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state, systems := orch.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if state != monitor.HealthHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  state,
			"systems": systems,
			"monitor": mon.Snapshot(),
			"queue":   q.Snapshot(),
			"hub":     fanout.Snapshot(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Hub.Host, cfg.Hub.Port)
	server := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		debug.PrintNormal("relayd %s listening on %s\n", version, color.GreenString(addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relayd: server: %w", err)
	case <-runCtx.Done():
	}

	fmt.Fprintln(os.Stderr, color.YellowString("relayd: shutting down"))
	grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	_ = server.Shutdown(grace)
	fanout.Stop()
	orch.Stop(grace)
	return nil
}
