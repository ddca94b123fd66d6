// Package config loads and validates the relayd configuration tree from
// YAML with RELAY_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/statusrelay/relay/internal/types"
)

// Config is the full relayd configuration.
type Config struct {
	Global   Global   `mapstructure:"global" yaml:"global"`
	Queue    Queue    `mapstructure:"queue" yaml:"queue"`
	Conflict Conflict `mapstructure:"conflict" yaml:"conflict"`
	Mapper   Mapper   `mapstructure:"mapper" yaml:"mapper"`
	Hub      Hub      `mapstructure:"hub" yaml:"hub"`
	Monitor  Monitor  `mapstructure:"monitor" yaml:"monitor"`
	Database Database `mapstructure:"database" yaml:"database"`
}

// Global holds orchestrator-level settings.
type Global struct {
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Queue holds event queue settings.
type Queue struct {
	MaxQueueSize        int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	PriorityLevels      int           `mapstructure:"priority_levels" yaml:"priority_levels"`
	DeduplicationWindow time.Duration `mapstructure:"deduplication_window" yaml:"deduplication_window"`
	EnableBatching      bool          `mapstructure:"enable_batching" yaml:"enable_batching"`
	EnableOrdering      bool          `mapstructure:"enable_ordering" yaml:"enable_ordering"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

// Conflict holds detector and resolver settings.
type Conflict struct {
	DefaultStrategy     string         `mapstructure:"default_strategy" yaml:"default_strategy"`
	AutoResolve         bool           `mapstructure:"auto_resolve" yaml:"auto_resolve"`
	EscalationThreshold int            `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
	ConflictWindow      time.Duration  `mapstructure:"conflict_window" yaml:"conflict_window"`
	MaxHistory          int            `mapstructure:"max_history" yaml:"max_history"`
	SystemPriorities    map[string]int `mapstructure:"system_priorities" yaml:"system_priorities"`
	StrictValidation    bool           `mapstructure:"strict_validation" yaml:"strict_validation"`
	ResolutionTimeout   time.Duration  `mapstructure:"resolution_timeout" yaml:"resolution_timeout"`
}

// Mapper holds vocabulary mapping settings.
type Mapper struct {
	EnableBidirectionalMapping bool            `mapstructure:"enable_bidirectional_mapping" yaml:"enable_bidirectional_mapping"`
	EnableCustomMappings       bool            `mapstructure:"enable_custom_mappings" yaml:"enable_custom_mappings"`
	StrictMapping              bool            `mapstructure:"strict_mapping" yaml:"strict_mapping"`
	ValidateMappings           bool            `mapstructure:"validate_mappings" yaml:"validate_mappings"`
	OverridesFile              string          `mapstructure:"overrides_file" yaml:"overrides_file"`
	CustomMappings             []CustomMapping `mapstructure:"custom_mappings" yaml:"custom_mappings"`
}

// CustomMapping is one vocabulary override.
type CustomMapping struct {
	Source string `mapstructure:"source" yaml:"source"`
	Target string `mapstructure:"target" yaml:"target"`
	Kind   string `mapstructure:"kind" yaml:"kind"`
	From   string `mapstructure:"from" yaml:"from"`
	To     string `mapstructure:"to" yaml:"to"`
}

// Hub holds fan-out server settings.
type Hub struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	EnableAuth        bool          `mapstructure:"enable_auth" yaml:"enable_auth"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	AuthSecret        string        `mapstructure:"auth_secret" yaml:"auth_secret"`
	RateLimit         RateLimit     `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimit is the per-connection inbound message window.
type RateLimit struct {
	WindowMS    int `mapstructure:"window_ms" yaml:"window_ms"`
	MaxRequests int `mapstructure:"max_requests" yaml:"max_requests"`
}

// Monitor holds sync monitor settings.
type Monitor struct {
	Interval        time.Duration   `mapstructure:"interval" yaml:"interval"`
	AlertThresholds AlertThresholds `mapstructure:"alert_thresholds" yaml:"alert_thresholds"`
}

// AlertThresholds are compared each monitor tick.
type AlertThresholds struct {
	SyncFailureRate float64       `mapstructure:"sync_failure_rate" yaml:"sync_failure_rate"`
	AvgSyncTime     time.Duration `mapstructure:"avg_sync_time" yaml:"avg_sync_time"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	ConflictRate    float64       `mapstructure:"conflict_rate" yaml:"conflict_rate"`
	MemoryUsage     int64         `mapstructure:"memory_usage" yaml:"memory_usage"` // heap bytes
}

// Database holds the relational store connection.
type Database struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Global: Global{
			SyncInterval: 100 * time.Millisecond,
			BatchSize:    10,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			Timeout:      10 * time.Second,
		},
		Queue: Queue{
			MaxQueueSize:        1000,
			PriorityLevels:      types.PriorityLevels,
			DeduplicationWindow: 5 * time.Second,
			EnableBatching:      true,
			EnableOrdering:      true,
			BackoffMultiplier:   2,
			MaxRetryDelay:       time.Minute,
		},
		Conflict: Conflict{
			DefaultStrategy:     "priority_based",
			AutoResolve:         true,
			EscalationThreshold: 3,
			ConflictWindow:      30 * time.Second,
			MaxHistory:          1000,
			SystemPriorities: map[string]int{
				"database": 0,
				"tracker":  1,
				"vcs":      2,
				"agents":   3,
			},
			StrictValidation:  true,
			ResolutionTimeout: 5 * time.Second,
		},
		Mapper: Mapper{
			EnableBidirectionalMapping: true,
			EnableCustomMappings:       true,
			StrictMapping:              false,
			ValidateMappings:           true,
		},
		Hub: Hub{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxConnections:    1000,
			ConnectionTimeout: 5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxMessageSize:    1 << 20,
			// Auth ships off because it needs a deployment-specific
			// secret; enabling it without one fails validation.
			EnableAuth:  false,
			AuthTimeout: 10 * time.Second,
			RateLimit:   RateLimit{WindowMS: 1000, MaxRequests: 50},
		},
		Monitor: Monitor{
			Interval: 10 * time.Second,
			AlertThresholds: AlertThresholds{
				SyncFailureRate: 0.25,
				AvgSyncTime:     5 * time.Second,
				QueueSize:       500,
				ConflictRate:    0.5,
				MemoryUsage:     512 << 20,
			},
		},
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the RELAY_ prefix with underscores, e.g.
// RELAY_HUB_PORT=9090 overrides hub.port.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers the Default tree so env-only overrides still see
// the full structure.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("global.sync_interval", d.Global.SyncInterval)
	v.SetDefault("global.batch_size", d.Global.BatchSize)
	v.SetDefault("global.max_retries", d.Global.MaxRetries)
	v.SetDefault("global.retry_delay", d.Global.RetryDelay)
	v.SetDefault("global.timeout", d.Global.Timeout)

	v.SetDefault("queue.max_queue_size", d.Queue.MaxQueueSize)
	v.SetDefault("queue.priority_levels", d.Queue.PriorityLevels)
	v.SetDefault("queue.deduplication_window", d.Queue.DeduplicationWindow)
	v.SetDefault("queue.enable_batching", d.Queue.EnableBatching)
	v.SetDefault("queue.enable_ordering", d.Queue.EnableOrdering)
	v.SetDefault("queue.backoff_multiplier", d.Queue.BackoffMultiplier)
	v.SetDefault("queue.max_retry_delay", d.Queue.MaxRetryDelay)

	v.SetDefault("conflict.default_strategy", d.Conflict.DefaultStrategy)
	v.SetDefault("conflict.auto_resolve", d.Conflict.AutoResolve)
	v.SetDefault("conflict.escalation_threshold", d.Conflict.EscalationThreshold)
	v.SetDefault("conflict.conflict_window", d.Conflict.ConflictWindow)
	v.SetDefault("conflict.max_history", d.Conflict.MaxHistory)
	v.SetDefault("conflict.system_priorities", d.Conflict.SystemPriorities)
	v.SetDefault("conflict.strict_validation", d.Conflict.StrictValidation)
	v.SetDefault("conflict.resolution_timeout", d.Conflict.ResolutionTimeout)

	v.SetDefault("mapper.enable_bidirectional_mapping", d.Mapper.EnableBidirectionalMapping)
	v.SetDefault("mapper.enable_custom_mappings", d.Mapper.EnableCustomMappings)
	v.SetDefault("mapper.strict_mapping", d.Mapper.StrictMapping)
	v.SetDefault("mapper.validate_mappings", d.Mapper.ValidateMappings)
	v.SetDefault("mapper.overrides_file", d.Mapper.OverridesFile)

	v.SetDefault("hub.host", d.Hub.Host)
	v.SetDefault("hub.port", d.Hub.Port)
	v.SetDefault("hub.max_connections", d.Hub.MaxConnections)
	v.SetDefault("hub.connection_timeout", d.Hub.ConnectionTimeout)
	v.SetDefault("hub.heartbeat_interval", d.Hub.HeartbeatInterval)
	v.SetDefault("hub.max_message_size", d.Hub.MaxMessageSize)
	v.SetDefault("hub.enable_auth", d.Hub.EnableAuth)
	v.SetDefault("hub.auth_timeout", d.Hub.AuthTimeout)
	v.SetDefault("hub.auth_secret", d.Hub.AuthSecret)
	v.SetDefault("hub.rate_limit.window_ms", d.Hub.RateLimit.WindowMS)
	v.SetDefault("hub.rate_limit.max_requests", d.Hub.RateLimit.MaxRequests)

	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.alert_thresholds.sync_failure_rate", d.Monitor.AlertThresholds.SyncFailureRate)
	v.SetDefault("monitor.alert_thresholds.avg_sync_time", d.Monitor.AlertThresholds.AvgSyncTime)
	v.SetDefault("monitor.alert_thresholds.queue_size", d.Monitor.AlertThresholds.QueueSize)
	v.SetDefault("monitor.alert_thresholds.conflict_rate", d.Monitor.AlertThresholds.ConflictRate)
	v.SetDefault("monitor.alert_thresholds.memory_usage", d.Monitor.AlertThresholds.MemoryUsage)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
}

var knownStrategies = map[string]bool{
	"priority_based":  true,
	"timestamp_based": true,
	"manual":          true,
	"merge":           true,
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Global.BatchSize <= 0 {
		return fmt.Errorf("config: global.batch_size must be positive")
	}
	if c.Global.SyncInterval <= 0 {
		return fmt.Errorf("config: global.sync_interval must be positive")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("config: queue.max_queue_size must be positive")
	}
	// The queue's level count is compile-time fixed; the option exists so a
	// config naming it is recognized, not so it can change the layout.
	if c.Queue.PriorityLevels != types.PriorityLevels {
		return fmt.Errorf("config: queue.priority_levels must be %d", types.PriorityLevels)
	}
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		return fmt.Errorf("config: hub.port %d out of range", c.Hub.Port)
	}
	if c.Hub.EnableAuth && c.Hub.AuthSecret == "" {
		return fmt.Errorf("config: hub.auth_secret required when auth is enabled")
	}
	// User-registered strategies are added at runtime; only reject known
	// misspellings of the built-ins.
	if s := c.Conflict.DefaultStrategy; s != "" && !knownStrategies[s] {
		return fmt.Errorf("config: conflict.default_strategy %q is not a built-in strategy", s)
	}
	if c.Conflict.EscalationThreshold < 0 {
		return fmt.Errorf("config: conflict.escalation_threshold must not be negative")
	}
	for system := range c.Conflict.SystemPriorities {
		switch system {
		case "database", "tracker", "vcs", "agents":
		default:
			return fmt.Errorf("config: conflict.system_priorities: unknown system %q", system)
		}
	}
	return nil
}

// RateLimitPerSecond converts the window/max-requests pair into a
// per-second rate.
func (r RateLimit) RateLimitPerSecond() float64 {
	if r.WindowMS <= 0 || r.MaxRequests <= 0 {
		return 0
	}
	return float64(r.MaxRequests) * 1000 / float64(r.WindowMS)
}
