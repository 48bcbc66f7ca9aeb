// Gateway configuration.
//
// Configuration follows a three-layer precedence:
//  1. Explicit values set by the caller
//  2. Environment variables (MEDIAGATE_* prefixed)
//  3. Defaults from DefaultGatewayConfig()
//
// LoadGatewayConfig reads an optional YAML file before applying the
// environment layer.
package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	// URL is the redis connection string, e.g. redis://localhost:6379
	URL string `yaml:"url"`

	// DB is the Redis database number (0-15)
	DB int `yaml:"db"`
}

// WorkerConfig configures the orchestrator worker pool.
type WorkerConfig struct {
	// Count is the number of concurrent orchestrator workers
	Count int `yaml:"count"`

	// ConsumeTimeout is how long one worker blocks waiting for an event
	ConsumeTimeout time.Duration `yaml:"consume_timeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TaskTimeout bounds one dispatch end-to-end
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// CacheConfig configures the task status cache TTLs.
type CacheConfig struct {
	// ActiveTTL applies to non-terminal task entries
	ActiveTTL time.Duration `yaml:"active_ttl"`

	// TerminalTTL applies to terminal task entries
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
}

// HealthConfig configures the provider health monitor.
type HealthConfig struct {
	// CheckInterval is the liveness probe timer
	CheckInterval time.Duration `yaml:"check_interval"`

	// EvaluateInterval is the metrics evaluation timer
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`

	// SlowThresholdMs is the response time above which the score decays
	SlowThresholdMs int64 `yaml:"slow_threshold_ms"`

	// BreakerThreshold is the consecutive failure count that opens the circuit
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerOpenTimeout is how long dispatch stays refused once open
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

// InvalidationConfig configures the batched cache invalidator.
type InvalidationConfig struct {
	// Enabled turns batching on; when false every enqueue applies
	// synchronously and no coalescing occurs
	Enabled bool `yaml:"enabled"`

	// FlushInterval is the coalescing window
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBatchSize triggers an immediate flush when a queue reaches it
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxQueueDepth bounds in-memory absorption per family
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// Coalesce drops duplicate (family, entity) requests keeping the latest
	Coalesce bool `yaml:"coalesce"`
}

// DefaultInvalidationConfig returns invalidator defaults, for callers
// constructing the invalidator outside a full GatewayConfig.
func DefaultInvalidationConfig() InvalidationConfig {
	return InvalidationConfig{
		Enabled:       true,
		FlushInterval: 100 * time.Millisecond,
		MaxBatchSize:  500,
		MaxQueueDepth: 10000,
		Coalesce:      true,
	}
}

// DiscoveryConfig configures the model discovery flow.
type DiscoveryConfig struct {
	// RefreshInterval drives the background catalog refresh
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// CacheTTL is the discovery result TTL
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// SweeperConfig configures crash recovery and archival.
type SweeperConfig struct {
	// Interval is the sweep cadence
	Interval time.Duration `yaml:"interval"`

	// PendingBatch bounds one redispatch sweep
	PendingBatch int `yaml:"pending_batch"`

	// ProcessingTimeout is the age at which a Processing task is reaped
	// to TimedOut
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// Retention is how long terminal tasks stay before archival
	Retention time.Duration `yaml:"retention"`

	// ArchiveRetention is how long archived tasks stay before deletion
	ArchiveRetention time.Duration `yaml:"archive_retention"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// UseStdout switches the trace exporter to stdout for local runs
	UseStdout bool `yaml:"use_stdout"`
}

// GatewayConfig is the root configuration of the subsystem.
type GatewayConfig struct {
	Redis        RedisConfig        `yaml:"redis"`
	Worker       WorkerConfig       `yaml:"worker"`
	Cache        CacheConfig        `yaml:"cache"`
	Health       HealthConfig       `yaml:"health"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	ImageRetry   RetryPolicy        `yaml:"image_retry"`
	VideoRetry   RetryPolicy        `yaml:"video_retry"`
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Redis: RedisConfig{URL: "redis://localhost:6379"},
		Worker: WorkerConfig{
			Count:           5,
			ConsumeTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			TaskTimeout:     30 * time.Minute,
		},
		Cache: CacheConfig{
			ActiveTTL:   24 * time.Hour,
			TerminalTTL: 2 * time.Hour,
		},
		Health: HealthConfig{
			CheckInterval:      5 * time.Minute,
			EvaluateInterval:   time.Minute,
			SlowThresholdMs:    5000,
			BreakerThreshold:   5,
			BreakerOpenTimeout: 10 * time.Minute,
		},
		Invalidation: InvalidationConfig{
			Enabled:       true,
			FlushInterval: 100 * time.Millisecond,
			MaxBatchSize:  500,
			MaxQueueDepth: 10000,
			Coalesce:      true,
		},
		Discovery: DiscoveryConfig{
			RefreshInterval: time.Hour,
			CacheTTL:        24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			Interval:          time.Minute,
			PendingBatch:      100,
			ProcessingTimeout: time.Hour,
			Retention:         7 * 24 * time.Hour,
			ArchiveRetention:  30 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "mediagate",
			OTLPEndpoint: "localhost:4317",
		},
		ImageRetry: DefaultImageRetryPolicy(),
		VideoRetry: DefaultVideoRetryPolicy(),
	}
}

// LoadGatewayConfig loads configuration from an optional YAML file,
// applies MEDIAGATE_* environment overrides, and fills defaults.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *GatewayConfig) {
	if v := os.Getenv("MEDIAGATE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MEDIAGATE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("MEDIAGATE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Count = n
		}
	}
	if v := os.Getenv("MEDIAGATE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("MEDIAGATE_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
}

// Validate rejects configurations the subsystem cannot run with.
func (c *GatewayConfig) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("%w: redis url is required", ErrInvalidConfig)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("%w: worker count must be positive", ErrInvalidConfig)
	}
	if c.Invalidation.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: invalidation max batch size must be positive", ErrInvalidConfig)
	}
	if c.Health.BreakerThreshold <= 0 {
		return fmt.Errorf("%w: breaker threshold must be positive", ErrInvalidConfig)
	}
	return nil
}
