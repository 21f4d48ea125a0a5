package config

import (
	"time"
)

// Default values for all tunables. Listed here rather than scattered
// through the packages so an operator can audit the effective config
// in one place.
const (
	DefaultShutdownTimeout = 30 * time.Second

	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultInstanceTimeout   = 15 * time.Minute
	DefaultLockTTL           = 60 * time.Second
	DefaultLockMaxAttempts   = 3

	DefaultL1TTLCap         = 60 * time.Second
	DefaultFailureThreshold = 3
	DefaultProbeInterval    = 60 * time.Second

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerOpenTimeout      = 30 * time.Second
	DefaultQueueRequestTimeout     = 15 * time.Second

	DefaultDedupWindow = time.Hour

	DefaultMaxBatchSize         = 100
	DefaultMaxConcurrentBatches = 5

	DefaultBufferTimeout   = time.Second
	DefaultBufferThreshold = 3

	DefaultSyncInterval = 5 * time.Second

	DefaultChunkRetryMax = 3
	DefaultStaleTimeout  = 5 * time.Minute
)

// GetDefaultConfig returns a configuration populated with default
// values. Secrets, URLs and provider credentials are left empty and
// must be filled in before the config validates.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. Called after
// unmarshalling so a partial config file still yields a complete
// configuration.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	cfg.Database.ApplyDefaults()
	applyCoordinatorDefaults(&cfg.Coordinator)
	applyCacheDefaults(&cfg.Cache)
	applyQueueDefaults(&cfg.Queue)
	applyWorkerDefaults(cfg)
}

func applyLoggingDefaults(c *LoggingConfig) {
	if c.Level == "" {
		c.Level = "INFO"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

func applyCoordinatorDefaults(c *CoordinatorConfig) {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InstanceTimeout == 0 {
		c.InstanceTimeout = DefaultInstanceTimeout
	}
	if c.LockDefaultTTL == 0 {
		c.LockDefaultTTL = DefaultLockTTL
	}
	if c.LockMaxAttempts == 0 {
		c.LockMaxAttempts = DefaultLockMaxAttempts
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if c.PreferredProvider == "" {
		c.PreferredProvider = "cloudflare"
	}
	if c.L1TTLCap == 0 {
		c.L1TTLCap = DefaultL1TTLCap
	}
	if c.FailureThresholdForFailover == 0 {
		c.FailureThresholdForFailover = DefaultFailureThreshold
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
}

func applyQueueDefaults(c *QueueConfig) {
	if c.TriggerSource == "" {
		c.TriggerSource = "relay"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultQueueRequestTimeout
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if c.CircuitBreaker.OpenTimeout == 0 {
		c.CircuitBreaker.OpenTimeout = DefaultBreakerOpenTimeout
	}
}

func applyWorkerDefaults(cfg *Config) {
	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = DefaultDedupWindow
	}
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Batch.MaxConcurrentBatches == 0 {
		cfg.Batch.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if cfg.Buffer.Timeout == 0 {
		cfg.Buffer.Timeout = DefaultBufferTimeout
	}
	if cfg.Buffer.Threshold == 0 {
		cfg.Buffer.Threshold = DefaultBufferThreshold
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = DefaultSyncInterval
	}
	if cfg.Stream.ChunkRetryMax == 0 {
		cfg.Stream.ChunkRetryMax = DefaultChunkRetryMax
	}
	if cfg.Stream.StaleTimeout == 0 {
		cfg.Stream.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Stream.Uploader == "" {
		cfg.Stream.Uploader = "s3"
	}
}
