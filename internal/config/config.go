package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the sellerpulse application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// BrokerMode: "memory" (in-process stream) or "redis" (Redis Streams).
	BrokerMode string `json:"broker_mode"`

	ConsumerGroup    string `json:"consumer_group"`
	PartitionPattern string `json:"partition_pattern"`

	DispatchMaxBatch  int `json:"dispatch_max_batch"`
	DispatcherWorkers int `json:"dispatcher_workers"`

	BlockTimeout    time.Duration `json:"-"`
	BlockTimeoutStr string        `json:"block_timeout"`

	// VisibilityWindow must exceed the slowest handler's worst-case attempt,
	// otherwise in-flight entries are redelivered while still being processed.
	VisibilityWindow    time.Duration `json:"-"`
	VisibilityWindowStr string        `json:"visibility_window"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the dispatcher's maximum retry window
	// plus the visibility window, or reconciled events double-deliver.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// CycleSchedule and UrgentSweepSchedule are standard five-field cron
	// expressions evaluated in the server's local time zone.
	CycleSchedule       string `json:"cycle_schedule"`
	UrgentSweepSchedule string `json:"urgent_sweep_schedule"`

	OrchestratorBatchSize     int           `json:"orchestrator_batch_size"`
	OrchestratorBatchPause    time.Duration `json:"-"`
	OrchestratorBatchPauseStr string        `json:"orchestrator_batch_pause"`

	// TenantIDs: comma-separated tenant UUIDs to process each cycle.
	// When empty, tenants are discovered from recorded tenant state.
	TenantIDs string `json:"tenant_ids"`

	NotifyWebhookURL    string        `json:"notify_webhook_url"`
	NotifyWebhookSecret string        `json:"-"`
	NotifyTimeout       time.Duration `json:"-"`
	NotifyTimeoutStr    string        `json:"notify_timeout"`

	// GeneratorURL: analysis service endpoint. Empty disables generation;
	// cycles still run and record tenant state.
	GeneratorURL        string        `json:"generator_url"`
	GeneratorTimeout    time.Duration `json:"-"`
	GeneratorTimeoutStr string        `json:"generator_timeout"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	HealthInterval          time.Duration `json:"-"`
	HealthIntervalStr       string        `json:"health_interval"`
	HealthStaleAfter        time.Duration `json:"-"`
	HealthStaleAfterStr     string        `json:"health_stale_after"`
	HealthRecentActivity    time.Duration `json:"-"`
	HealthRecentActivityStr string        `json:"health_recent_activity"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		HTTPAddr:                  os.Getenv("HTTP_ADDR"),
		ConsumerGroup:             os.Getenv("CONSUMER_GROUP"),
		PartitionPattern:          os.Getenv("PARTITION_PATTERN"),
		BlockTimeoutStr:           os.Getenv("BLOCK_TIMEOUT"),
		VisibilityWindowStr:       os.Getenv("VISIBILITY_WINDOW"),
		DBOpTimeoutStr:            os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:      os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:      os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:    os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr: os.Getenv("DISPATCHER_DRAIN_TIMEOUT"),
		MetricsEnabled:            os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:               os.Getenv("METRICS_PATH"),
		MetricsPort:               os.Getenv("METRICS_PORT"),
		ReconcileEnabled:          os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:      os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:     os.Getenv("RECONCILE_THRESHOLD"),
		CircuitBreakerCooldownStr: os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		CycleSchedule:             os.Getenv("CYCLE_SCHEDULE"),
		UrgentSweepSchedule:       os.Getenv("URGENT_SWEEP_SCHEDULE"),
		OrchestratorBatchPauseStr: os.Getenv("ORCHESTRATOR_BATCH_PAUSE"),
		TenantIDs:                 os.Getenv("TENANT_IDS"),
		NotifyWebhookURL:          os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:       os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		NotifyTimeoutStr:          os.Getenv("NOTIFY_TIMEOUT"),
		GeneratorURL:              os.Getenv("GENERATOR_URL"),
		GeneratorTimeoutStr:       os.Getenv("GENERATOR_TIMEOUT"),
		AnalyticsWindowStr:        os.Getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:     os.Getenv("ANALYTICS_RETENTION"),
		HealthIntervalStr:         os.Getenv("HEALTH_INTERVAL"),
		HealthStaleAfterStr:       os.Getenv("HEALTH_STALE_AFTER"),
		HealthRecentActivityStr:   os.Getenv("HEALTH_RECENT_ACTIVITY"),
	}

	cfg.BrokerMode = os.Getenv("BROKER_MODE")
	if cfg.BrokerMode == "" {
		cfg.BrokerMode = "memory"
	}

	if batchStr := os.Getenv("DISPATCH_MAX_BATCH"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.DispatchMaxBatch = n
		} else {
			log.Printf("config: invalid DISPATCH_MAX_BATCH %q (must be a positive integer), using default 16", batchStr)
		}
	}
	if cfg.DispatchMaxBatch == 0 {
		cfg.DispatchMaxBatch = 16
	}

	if workersStr := os.Getenv("DISPATCHER_WORKERS"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.DispatcherWorkers = n
		} else {
			log.Printf("config: invalid DISPATCHER_WORKERS %q (must be a positive integer), using default 1", workersStr)
		}
	}
	if cfg.DispatcherWorkers == 0 {
		cfg.DispatcherWorkers = 1
	}

	if batchStr := os.Getenv("RECONCILE_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.ReconcileBatchSize = batch
		}
	}
	if cfg.ReconcileBatchSize == 0 {
		cfg.ReconcileBatchSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if batchStr := os.Getenv("ORCHESTRATOR_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.OrchestratorBatchSize = n
		} else {
			log.Printf("config: invalid ORCHESTRATOR_BATCH_SIZE %q (must be a positive integer), using default 3", batchStr)
		}
	}
	if cfg.OrchestratorBatchSize == 0 {
		cfg.OrchestratorBatchSize = 3
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "dispatch"
	}
	if cfg.PartitionPattern == "" {
		cfg.PartitionPattern = "*"
	}
	if cfg.BlockTimeoutStr == "" {
		cfg.BlockTimeoutStr = "5s"
	}
	if cfg.VisibilityWindowStr == "" {
		cfg.VisibilityWindowStr = "30s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DispatcherDrainTimeoutStr == "" {
		cfg.DispatcherDrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "15m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.CycleSchedule == "" {
		cfg.CycleSchedule = "0 * * * *"
	}
	if cfg.UrgentSweepSchedule == "" {
		cfg.UrgentSweepSchedule = "*/10 * * * *"
	}
	if cfg.OrchestratorBatchPauseStr == "" {
		cfg.OrchestratorBatchPauseStr = "500ms"
	}
	if cfg.NotifyTimeoutStr == "" {
		cfg.NotifyTimeoutStr = "30s"
	}
	if cfg.GeneratorTimeoutStr == "" {
		cfg.GeneratorTimeoutStr = "60s"
	}
	if cfg.AnalyticsWindowStr == "" {
		cfg.AnalyticsWindowStr = "1m"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "24h"
	}
	if cfg.HealthIntervalStr == "" {
		cfg.HealthIntervalStr = "30s"
	}
	if cfg.HealthStaleAfterStr == "" {
		cfg.HealthStaleAfterStr = "6h"
	}
	if cfg.HealthRecentActivityStr == "" {
		cfg.HealthRecentActivityStr = "12h"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.BlockTimeoutStr); err == nil {
		cfg.BlockTimeout = d
	}
	if d, err := time.ParseDuration(cfg.VisibilityWindowStr); err == nil {
		cfg.VisibilityWindow = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DispatcherDrainTimeoutStr); err == nil {
		cfg.DispatcherDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.OrchestratorBatchPauseStr); err == nil {
		cfg.OrchestratorBatchPause = d
	}
	if d, err := time.ParseDuration(cfg.NotifyTimeoutStr); err == nil {
		cfg.NotifyTimeout = d
	}
	if d, err := time.ParseDuration(cfg.GeneratorTimeoutStr); err == nil {
		cfg.GeneratorTimeout = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsWindowStr); err == nil {
		cfg.AnalyticsWindow = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.HealthIntervalStr); err == nil {
		cfg.HealthInterval = d
	}
	if d, err := time.ParseDuration(cfg.HealthStaleAfterStr); err == nil {
		cfg.HealthStaleAfter = d
	}
	if d, err := time.ParseDuration(cfg.HealthRecentActivityStr); err == nil {
		cfg.HealthRecentActivity = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		BrokerMode              string `json:"broker_mode"`
		ConsumerGroup           string `json:"consumer_group"`
		PartitionPattern        string `json:"partition_pattern"`
		DispatchMaxBatch        int    `json:"dispatch_max_batch"`
		DispatcherWorkers       int    `json:"dispatcher_workers"`
		BlockTimeout            string `json:"block_timeout"`
		VisibilityWindow        string `json:"visibility_window"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		DispatcherDrainTimeout  string `json:"dispatcher_drain_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		MetricsPort             string `json:"metrics_port"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileInterval       string `json:"reconcile_interval"`
		ReconcileThreshold      string `json:"reconcile_threshold"`
		ReconcileBatchSize      int    `json:"reconcile_batch_size"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		CycleSchedule           string `json:"cycle_schedule"`
		UrgentSweepSchedule     string `json:"urgent_sweep_schedule"`
		OrchestratorBatchSize   int    `json:"orchestrator_batch_size"`
		OrchestratorBatchPause  string `json:"orchestrator_batch_pause"`
		TenantIDs               string `json:"tenant_ids"`
		NotifyWebhookURL        string `json:"notify_webhook_url"`
		NotifyWebhookSecret     string `json:"notify_webhook_secret"`
		NotifyTimeout           string `json:"notify_timeout"`
		GeneratorURL            string `json:"generator_url"`
		GeneratorTimeout        string `json:"generator_timeout"`
		AnalyticsWindow         string `json:"analytics_window"`
		AnalyticsRetention      string `json:"analytics_retention"`
		HealthInterval          string `json:"health_interval"`
		HealthStaleAfter        string `json:"health_stale_after"`
		HealthRecentActivity    string `json:"health_recent_activity"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		BrokerMode:              c.BrokerMode,
		ConsumerGroup:           c.ConsumerGroup,
		PartitionPattern:        c.PartitionPattern,
		DispatchMaxBatch:        c.DispatchMaxBatch,
		DispatcherWorkers:       c.DispatcherWorkers,
		BlockTimeout:            c.BlockTimeoutStr,
		VisibilityWindow:        c.VisibilityWindowStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		DispatcherDrainTimeout:  c.DispatcherDrainTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileIntervalStr,
		ReconcileThreshold:      c.ReconcileThresholdStr,
		ReconcileBatchSize:      c.ReconcileBatchSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		CycleSchedule:           c.CycleSchedule,
		UrgentSweepSchedule:     c.UrgentSweepSchedule,
		OrchestratorBatchSize:   c.OrchestratorBatchSize,
		OrchestratorBatchPause:  c.OrchestratorBatchPauseStr,
		TenantIDs:               c.TenantIDs,
		NotifyWebhookURL:        c.NotifyWebhookURL,
		NotifyWebhookSecret:     maskIfSet(c.NotifyWebhookSecret),
		NotifyTimeout:           c.NotifyTimeoutStr,
		GeneratorURL:            c.GeneratorURL,
		GeneratorTimeout:        c.GeneratorTimeoutStr,
		AnalyticsWindow:         c.AnalyticsWindowStr,
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		HealthInterval:          c.HealthIntervalStr,
		HealthStaleAfter:        c.HealthStaleAfterStr,
		HealthRecentActivity:    c.HealthRecentActivityStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}

func maskIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
