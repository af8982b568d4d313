// Package config holds the coordination core's tunable constants.
//
// Every field mirrors an enumerated value from the external interfaces
// contract: timeouts, TTLs, batch sizes, and warning thresholds that the
// rest of the module reads at construction time rather than through a
// global.
package config

import "time"

// Config collects every tunable the coordination core reads at
// construction time. Zero-value Config is invalid; use Default and
// override fields or apply Options.
type Config struct {
	MaxMessages    int `yaml:"max_messages"`
	MaxToolResults int `yaml:"max_tool_results"`
	MaxPendingWrites int `yaml:"max_pending_writes"`
	MaxSteps       int `yaml:"max_steps"`

	MaxDuration time.Duration `yaml:"max_duration"`

	FlushInterval           time.Duration `yaml:"flush_interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	RecoverySweepInterval   time.Duration `yaml:"recovery_sweep_interval"`

	HeartbeatTTL        time.Duration `yaml:"heartbeat_ttl"`
	ClaimTTL            time.Duration `yaml:"claim_ttl"`
	OrphanThreshold     time.Duration `yaml:"orphan_threshold"`
	StuckRunThreshold   time.Duration `yaml:"stuck_run_threshold"`

	MaxThreadLocks int `yaml:"max_thread_locks"`
	MaxFlushTasks  int `yaml:"max_flush_tasks"`
	MaxContentLength int `yaml:"max_content_length"`

	TaskCancelTimeout time.Duration `yaml:"task_cancel_timeout"`
	ToolCleanupTimeout time.Duration `yaml:"tool_cleanup_timeout"`

	PendingWritesWarningThreshold   int           `yaml:"pending_writes_warning_threshold"`
	FlushLatencyWarningThreshold    time.Duration `yaml:"flush_latency_warning_threshold"`
	ActiveRunsWarningThreshold      int           `yaml:"active_runs_warning_threshold"`

	ShutdownBudget time.Duration `yaml:"shutdown_budget"`

	// Batch/flush tuning, overridden live by the backpressure controller.
	BatchSize            int `yaml:"batch_size"`
	MaxConcurrentPersists int `yaml:"max_concurrent_persists"`

	WALStreamMaxLen      int           `yaml:"wal_stream_max_len"`
	WALStreamTTL         time.Duration `yaml:"wal_stream_ttl"`
	MaxLocalBufferPerRun int           `yaml:"max_local_buffer_per_run"`
	MaxLocalBufferRuns   int           `yaml:"max_local_buffer_runs"`

	DLQStreamMaxLen int           `yaml:"dlq_stream_max_len"`
	DLQRetention    time.Duration `yaml:"dlq_retention"`

	OutputStreamMaxLen int `yaml:"output_stream_max_len"`
}

// Option customizes a Config produced by Default.
type Option func(*Config)

// Default returns the configuration enumerated in the external interfaces
// contract, with all timings expressed as time.Duration.
func Default() *Config {
	return &Config{
		MaxMessages:      50,
		MaxToolResults:   20,
		MaxPendingWrites: 100,
		MaxSteps:         100,
		MaxDuration:      3600 * time.Second,

		FlushInterval:         5 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		RecoverySweepInterval: 60 * time.Second,

		HeartbeatTTL:      45 * time.Second,
		ClaimTTL:          3600 * time.Second,
		OrphanThreshold:   90 * time.Second,
		StuckRunThreshold: 7200 * time.Second,

		MaxThreadLocks:   100,
		MaxFlushTasks:    10,
		MaxContentLength: 100_000,

		TaskCancelTimeout:  2 * time.Second,
		ToolCleanupTimeout: 5 * time.Second,

		PendingWritesWarningThreshold: 80,
		FlushLatencyWarningThreshold:  10 * time.Second,
		ActiveRunsWarningThreshold:    1000,

		ShutdownBudget: 25 * time.Second,

		BatchSize:             100,
		MaxConcurrentPersists: 20,

		WALStreamMaxLen:      1000,
		WALStreamTTL:         time.Hour,
		MaxLocalBufferPerRun: 100,
		MaxLocalBufferRuns:   50,

		DLQStreamMaxLen: 10000,
		DLQRetention:    7 * 24 * time.Hour,

		OutputStreamMaxLen: 200,
	}
}

// New builds a Config from Default with the given Options applied.
func New(opts ...Option) *Config {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithMaxSteps overrides the per-run step cap.
func WithMaxSteps(n int) Option {
	return func(c *Config) { c.MaxSteps = n }
}

// WithMaxDuration overrides the per-run wall-clock cap.
func WithMaxDuration(d time.Duration) Option {
	return func(c *Config) { c.MaxDuration = d }
}

// WithFlushInterval overrides the batch flusher's drain cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

// WithBatchSize overrides the flusher's per-cycle batch size.
func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

// WithHeartbeat overrides the heartbeat interval and TTL together; TTL must
// exceed interval for the liveness signal to be meaningful.
func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTTL = ttl
	}
}

// WithShutdownBudget overrides the lifecycle manager's graceful-shutdown
// time budget.
func WithShutdownBudget(d time.Duration) Option {
	return func(c *Config) { c.ShutdownBudget = d }
}
