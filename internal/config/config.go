// Package config holds the configuration types and loading logic for the hub.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a hub process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Registry  RegistryConfig  `yaml:"registry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// Duration is a time.Duration written in YAML as "250ms", "30s", "1h".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts a Go duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// NodeConfig holds identity and network settings.
type NodeConfig struct {
	// ID is a ULID string. "auto" generates and persists one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// Addr is the host:port the control API listens on.
func (n NodeConfig) Addr() string { return net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) }

// FsyncPolicy controls when appended records are flushed to disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // every append, before it returns
	FsyncInterval FsyncPolicy = "interval" // every FsyncInterval
	FsyncBatch    FsyncPolicy = "batch"    // every FsyncBatchSize appends
	FsyncNever    FsyncPolicy = "never"    // dev/test only
)

// StorageConfig controls the event store.
type StorageConfig struct {
	Fsync          FsyncPolicy `yaml:"fsync"`
	FsyncInterval  Duration    `yaml:"fsync_interval"`
	FsyncBatchSize int         `yaml:"fsync_batch_size"`
	// MaxBytes caps the total size of the event log. Publishes fail with a
	// capacity error once it is reached. Zero disables the limit.
	MaxBytes int64 `yaml:"max_bytes"`
	// CompactionThreshold is the record count above which the background
	// compactor runs.
	CompactionThreshold int      `yaml:"event_log_compaction_threshold"`
	CompactionInterval  Duration `yaml:"compaction_interval"`
}

// QueueConfig controls the priority queues.
type QueueConfig struct {
	PriorityLevels int `yaml:"priority_levels"`
	// PriorityQuotas is the number of dispatch slots per round for each
	// level. Empty means 2^(levels-1-l).
	PriorityQuotas []int `yaml:"priority_quotas"`
	// MaxPending caps messages waiting across all levels.
	MaxPending   int `yaml:"max_pending"`
	MaxPayloadKB int `yaml:"max_payload_kb"`
	// StrictOrdering keeps at most one message per partition in flight.
	StrictOrdering bool `yaml:"strict_ordering"`
}

// RetryConfig controls delivery attempts and backoff.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// MaxRetriesPerTopic overrides MaxRetries. Keys are topics or patterns.
	MaxRetriesPerTopic map[string]int `yaml:"max_retries_per_topic"`
	BackoffBase        Duration       `yaml:"backoff_base"`
	BackoffMax         Duration       `yaml:"backoff_max"`
	// Jitter is the ± fraction applied to each delay, in [0, 1).
	Jitter float64 `yaml:"jitter"`
}

// BreakerConfig controls the per-(instance, topic) circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int      `yaml:"failure_threshold"`
	ResetTimeout      Duration `yaml:"reset_timeout"`
	MaxResetTimeout   Duration `yaml:"max_reset_timeout"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// RegistryConfig controls instance health tracking and load balancing.
type RegistryConfig struct {
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	MissedHeartbeatLimit int      `yaml:"missed_heartbeat_limit"`
	// RemoveAfterMissed is the number of silent intervals after which an
	// instance is dropped from the registry.
	RemoveAfterMissed int `yaml:"remove_after_missed"`
	// DegradeAfter consecutive delivery failures mark an instance degraded.
	DegradeAfter int `yaml:"degrade_after"`
	// Strategy is round_robin, least_outstanding or weighted_random.
	Strategy string `yaml:"strategy"`
}

// DispatchConfig controls the delivery worker pool.
type DispatchConfig struct {
	Workers         int      `yaml:"workers"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
}

// AuthConfig controls API key authentication on the control API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig limits control API requests per client IP.
type RateLimitConfig struct {
	// MaxRate is requests per second; zero disables limiting.
	MaxRate int `yaml:"max_rate"`
	Burst   int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// NATSConfig enables the nats:// delivery transport.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig enables archiving of compacted records to S3-compatible
// object storage.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns a Config populated with the hub's defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Fsync:               FsyncAlways,
			FsyncInterval:       Duration(time.Second),
			FsyncBatchSize:      100,
			MaxBytes:            0,
			CompactionThreshold: 100_000,
			CompactionInterval:  Duration(time.Minute),
		},
		Queue: QueueConfig{
			PriorityLevels: 3,
			MaxPending:     100_000,
			MaxPayloadKB:   256,
			StrictOrdering: true,
		},
		Retry: RetryConfig{
			MaxRetries:         5,
			MaxRetriesPerTopic: map[string]int{},
			BackoffBase:        Duration(500 * time.Millisecond),
			BackoffMax:         Duration(time.Minute),
			Jitter:             0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			ResetTimeout:      Duration(10 * time.Second),
			MaxResetTimeout:   Duration(5 * time.Minute),
			BackoffMultiplier: 2,
		},
		Registry: RegistryConfig{
			HeartbeatInterval:    Duration(10 * time.Second),
			MissedHeartbeatLimit: 3,
			RemoveAfterMissed:    30,
			DegradeAfter:         10,
			Strategy:             "round_robin",
		},
		Dispatch: DispatchConfig{
			Workers:         8,
			DeliveryTimeout: Duration(5 * time.Second),
		},
		RateLimit: RateLimitConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path and overlays it on Default(). A missing
// file is not an error. Environment variables are applied last:
//
//	MESSAGEHUB_API_KEY    sets auth.api_key and enables auth
//	MESSAGEHUB_DATA_DIR   sets node.data_dir
//	MESSAGEHUB_PORT       sets node.port
//	MESSAGEHUB_NATS_URL   sets nats.url
//	MESSAGEHUB_LOG_LEVEL  sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MESSAGEHUB_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("MESSAGEHUB_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("MESSAGEHUB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("MESSAGEHUB_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MESSAGEHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Quotas returns the effective per-level dispatch quotas.
func (q QueueConfig) Quotas() []int {
	if len(q.PriorityQuotas) == q.PriorityLevels {
		return append([]int(nil), q.PriorityQuotas...)
	}
	out := make([]int, q.PriorityLevels)
	for l := range out {
		out[l] = 1 << (q.PriorityLevels - 1 - l)
	}
	return out
}

// Validate checks that values are consistent and in range. It returns the
// first problem found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	if c.Storage.MaxBytes < 0 {
		return errors.New("storage.max_bytes must be >= 0")
	}
	if c.Storage.CompactionThreshold < 0 {
		return errors.New("storage.event_log_compaction_threshold must be >= 0")
	}

	if c.Queue.PriorityLevels < 1 || c.Queue.PriorityLevels > 16 {
		return errors.New("queue.priority_levels must be between 1 and 16")
	}
	if n := len(c.Queue.PriorityQuotas); n != 0 && n != c.Queue.PriorityLevels {
		return fmt.Errorf("queue.priority_quotas has %d entries, want %d", n, c.Queue.PriorityLevels)
	}
	for l, q := range c.Queue.PriorityQuotas {
		if q < 1 {
			return fmt.Errorf("queue.priority_quotas[%d] must be at least 1", l)
		}
	}
	if c.Queue.MaxPending < 1 {
		return errors.New("queue.max_pending must be at least 1")
	}
	if c.Queue.MaxPayloadKB < 1 {
		return errors.New("queue.max_payload_kb must be at least 1")
	}

	if c.Retry.MaxRetries < 1 {
		return errors.New("retry.max_retries must be at least 1")
	}
	for topic, n := range c.Retry.MaxRetriesPerTopic {
		if n < 1 {
			return fmt.Errorf("retry.max_retries_per_topic[%s] must be at least 1", topic)
		}
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffMax < c.Retry.BackoffBase {
		return errors.New("retry.backoff_base must be > 0 and <= retry.backoff_max")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return errors.New("retry.jitter must be in [0, 1)")
	}

	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.ResetTimeout <= 0 || c.Breaker.MaxResetTimeout < c.Breaker.ResetTimeout {
		return errors.New("breaker.reset_timeout must be > 0 and <= breaker.max_reset_timeout")
	}
	if c.Breaker.BackoffMultiplier < 1 {
		return errors.New("breaker.backoff_multiplier must be >= 1")
	}

	if c.Registry.HeartbeatInterval <= 0 {
		return errors.New("registry.heartbeat_interval must be > 0")
	}
	if c.Registry.MissedHeartbeatLimit < 1 {
		return errors.New("registry.missed_heartbeat_limit must be at least 1")
	}
	if c.Registry.RemoveAfterMissed < c.Registry.MissedHeartbeatLimit {
		return errors.New("registry.remove_after_missed must be >= registry.missed_heartbeat_limit")
	}
	switch c.Registry.Strategy {
	case "round_robin", "least_outstanding", "weighted_random":
	default:
		return fmt.Errorf("registry.strategy %q is not supported", c.Registry.Strategy)
	}

	if c.Dispatch.Workers < 1 {
		return errors.New("dispatch.workers must be at least 1")
	}
	if c.Dispatch.DeliveryTimeout <= 0 {
		return errors.New("dispatch.delivery_timeout must be > 0")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return errors.New("archive.endpoint and archive.bucket are required when archive is enabled")
	}
	return nil
}
