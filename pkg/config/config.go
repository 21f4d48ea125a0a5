// Package config loads and validates the relay configuration from
// file, environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/pkg/api"
	"github.com/relaymesh/relaymesh/pkg/kv/upstash"
	"github.com/relaymesh/relaymesh/pkg/kv/workerskv"
	"github.com/relaymesh/relaymesh/pkg/task/store"
)

// Config represents the relay instance configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (RELAYMESH_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the task repository (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database" yaml:"database"`

	// API contains the instance HTTP server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Metrics enables the Prometheus registry and /metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Instance identifies this process to its peers
	Instance InstanceConfig `mapstructure:"instance" yaml:"instance"`

	// Coordinator tunes registration, heartbeat and distributed locks
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// Cache configures the two-tier cache and its L2 providers
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Queue configures the messaging facade and its circuit breaker
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// Signing holds the current/next webhook signing keys.
	// Capabilities: never logged, never echoed back by any endpoint.
	Signing SigningConfig `mapstructure:"signing" yaml:"signing"`

	// Dedup tunes idempotent task registration
	Dedup DedupConfig `mapstructure:"dedup" yaml:"dedup"`

	// Batch tunes the prioritized batch executor
	Batch BatchConfig `mapstructure:"batch" yaml:"batch"`

	// Buffer tunes the media group buffer
	Buffer BufferConfig `mapstructure:"buffer" yaml:"buffer"`

	// Sync tunes the periodic state synchronizer
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Stream tunes the chunk relay and upload sinks
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	// Enabled turns the registry and /metrics endpoint on.
	// Default: true
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`
}

// IsEnabled returns whether metrics are enabled. Defaults to true.
func (c *MetricsConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	// URL is the externally reachable base URL peers use to reach this
	// instance.
	URL string `mapstructure:"url" validate:"required,url" yaml:"url"`

	// Region is an optional placement label.
	Region string `mapstructure:"region" yaml:"region"`

	// Secret authenticates inter-instance stream requests.
	// Environment override: RELAYMESH_INSTANCE_SECRET.
	Secret string `mapstructure:"secret" validate:"required,min=16" yaml:"secret"`
}

// CoordinatorConfig tunes the coordination plane.
type CoordinatorConfig struct {
	// HeartbeatInterval is how often the instance record is refreshed.
	// Default: 5m
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// InstanceTimeout is the active-set cutoff. Default: 15m
	InstanceTimeout time.Duration `mapstructure:"instance_timeout" yaml:"instance_timeout"`

	// LockDefaultTTL is the default distributed lock lifetime. Default: 60s
	LockDefaultTTL time.Duration `mapstructure:"lock_default_ttl" yaml:"lock_default_ttl"`

	// LockMaxAttempts caps lock acquisition retries. Default: 3
	LockMaxAttempts int `mapstructure:"lock_max_attempts" validate:"omitempty,min=1" yaml:"lock_max_attempts"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	// PreferredProvider is the primary L2 provider name.
	// Valid values: cloudflare, upstash. Default: cloudflare
	PreferredProvider string `mapstructure:"preferred_provider" validate:"omitempty,oneof=cloudflare upstash" yaml:"preferred_provider"`

	// L1TTLCap bounds L1 entry lifetimes. Default: 60s
	L1TTLCap time.Duration `mapstructure:"l1_ttl_cap" yaml:"l1_ttl_cap"`

	// FailureThresholdForFailover is the retryable-failure budget before
	// the sticky provider flip. Default: 3
	FailureThresholdForFailover int `mapstructure:"failure_threshold_for_failover" validate:"omitempty,min=1" yaml:"failure_threshold_for_failover"`

	// ProbeInterval is the recovery probe cadence. Default: 60s
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	// Cloudflare configures the Workers KV provider.
	Cloudflare workerskv.Config `mapstructure:"cloudflare" yaml:"cloudflare"`

	// Upstash configures the Upstash Redis REST provider.
	Upstash upstash.Config `mapstructure:"upstash" yaml:"upstash"`
}

// QueueConfig configures the messaging facade.
type QueueConfig struct {
	// WebhookBase is the base URL published messages are posted to.
	WebhookBase string `mapstructure:"webhook_base" validate:"required,url" yaml:"webhook_base"`

	// TriggerSource labels outbound envelopes. Default: relay
	TriggerSource string `mapstructure:"trigger_source" yaml:"trigger_source"`

	// RequestTimeout bounds each transport call. Default: 15s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// CircuitBreaker tunes the transport breaker.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the breaker. Default: 5
	FailureThreshold int `mapstructure:"failure_threshold" validate:"omitempty,min=1" yaml:"failure_threshold"`

	// SuccessThreshold closes it from HALF_OPEN. Default: 2
	SuccessThreshold int `mapstructure:"success_threshold" validate:"omitempty,min=1" yaml:"success_threshold"`

	// OpenTimeout is how long OPEN rejects before probing. Default: 30s
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// SigningConfig is the current/next webhook signing key pair.
type SigningConfig struct {
	// Current is the active signing key.
	// Environment override: RELAYMESH_SIGNING_CURRENT.
	Current string `mapstructure:"current" validate:"required,min=16" yaml:"current"`

	// Next is the rotation candidate; verified alongside Current.
	Next string `mapstructure:"next" yaml:"next"`
}

// DedupConfig tunes idempotent registration.
type DedupConfig struct {
	// Window is the TTL during which a dedup key collision rejects new
	// registrations. Default: 1h
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// BatchConfig tunes the batch executor.
type BatchConfig struct {
	// MaxBatchSize trims larger batches. Default: 100
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"omitempty,min=1" yaml:"max_batch_size"`

	// MaxConcurrentBatches caps parallel batch runs. Default: 5
	MaxConcurrentBatches int `mapstructure:"max_concurrent_batches" validate:"omitempty,min=1" yaml:"max_concurrent_batches"`
}

// BufferConfig tunes the media group buffer.
type BufferConfig struct {
	// Timeout flushes a partial group. Default: 1s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Threshold emits a group at this size. Default: 3
	Threshold int `mapstructure:"threshold" validate:"omitempty,min=1" yaml:"threshold"`
}

// SyncConfig tunes the state synchronizer.
type SyncConfig struct {
	// Interval is the periodic sync cadence. Default: 5s
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// StreamConfig tunes the chunk relay.
type StreamConfig struct {
	// ChunkRetryMax caps resends per (task, chunk). Default: 3
	ChunkRetryMax int `mapstructure:"chunk_retry_max" validate:"omitempty,min=1" yaml:"chunk_retry_max"`

	// StaleTimeout kills silent sessions. Default: 5m
	StaleTimeout time.Duration `mapstructure:"stale_timeout" yaml:"stale_timeout"`

	// Uploader selects the sink backend.
	// Valid values: exec, s3. Default: s3
	Uploader string `mapstructure:"uploader" validate:"omitempty,oneof=exec s3" yaml:"uploader"`

	// UploaderCommand is the exec sink binary (e.g. rclone).
	UploaderCommand string `mapstructure:"uploader_command" yaml:"uploader_command"`

	// UploaderArgs is the exec sink argument template; {name} expands to
	// the remote file name.
	UploaderArgs []string `mapstructure:"uploader_args" yaml:"uploader_args,omitempty"`

	// S3 configures the S3 sink and remote storage.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures remote object storage.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region          string `mapstructure:"region" yaml:"region"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RELAYMESH_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  relaymesh init\n\n"+
				"Or specify a custom config file:\n"+
				"  relaymesh <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  relaymesh init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in
// YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions: the file carries signing keys and the
	// instance secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config
// file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the RELAYMESH_ prefix and underscores.
	// Example: RELAYMESH_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("RELAYMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/relaymesh/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "relaymesh")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "relaymesh")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
