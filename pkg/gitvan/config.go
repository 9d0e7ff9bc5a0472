package gitvan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/gitvan/pkg/jobs"
)

// Defaults applied by Config.Validate to keys left unset.
const (
	DefaultCancelGraceMs     = 5000
	DefaultBatchSize         = 100
	DefaultFlushIntervalMs   = 5000
	DefaultMaxCacheSize      = 64 << 20
	DefaultReapIntervalMs    = 60000
	DefaultCommandTimeoutMs  = 30000
	DefaultMaxBufferBytes    = 12 << 20
	DefaultEventsInstance    = "default"
	defaultCapacityPerTier   = jobs.DefaultCapacity
	defaultHighConcurrency   = 4
	defaultMediumConcurrency = 2
	defaultLowConcurrency    = 1
)

// Config is the gitvan.yml configuration. Unset keys are filled in by Validate.
type Config struct {
	Queue     *QueueConfig     `yaml:"queue,omitempty"`
	Receipts  *ReceiptsConfig  `yaml:"receipts,omitempty"`
	Snapshots *SnapshotsConfig `yaml:"snapshots,omitempty"`
	Locks     *LocksConfig     `yaml:"locks,omitempty"`
	Git       *GitConfig       `yaml:"git,omitempty"`
	Events    *EventsConfig    `yaml:"events,omitempty"`
}

// TierValues holds one integer per priority tier.
type TierValues struct {
	High   *int `yaml:"high,omitempty"`
	Medium *int `yaml:"medium,omitempty"`
	Low    *int `yaml:"low,omitempty"`
}

// QueueConfig sizes the job queue.
type QueueConfig struct {
	Concurrency   *TierValues `yaml:"concurrency,omitempty"` // Workers per tier (0 = accept but never dispatch)
	Capacity      *TierValues `yaml:"capacity,omitempty"`    // Max live jobs (pending and running) per tier
	CancelGraceMs *int64      `yaml:"cancel_grace_ms,omitempty"`
}

// ReceiptsConfig controls receipt batching.
type ReceiptsConfig struct {
	BatchSize       *int   `yaml:"batch_size,omitempty"`
	FlushIntervalMs *int64 `yaml:"flush_interval_ms,omitempty"` // 0 disables the flush timer
}

// SnapshotsConfig sizes the in-memory snapshot cache.
type SnapshotsConfig struct {
	MaxCacheSize *int64 `yaml:"max_cache_size,omitempty"` // Bytes; 0 disables the LRU
}

// LocksConfig controls the expired-lock reaper.
type LocksConfig struct {
	ReapIntervalMs *int64 `yaml:"reap_interval_ms,omitempty"` // 0 disables the reaper
}

// GitConfig tunes the git subprocess driver.
type GitConfig struct {
	CommandTimeoutMs *int64          `yaml:"command_timeout_ms,omitempty"`
	MaxBufferBytes   *int            `yaml:"max_buffer_bytes,omitempty"`
	KillOnCancel     bool            `yaml:"kill_on_cancel,omitempty"`
	Identity         *IdentityConfig `yaml:"identity,omitempty"`
}

// IdentityConfig is the author recorded on notes commits.
type IdentityConfig struct {
	Name  string `yaml:"name,omitempty"`
	Email string `yaml:"email,omitempty"`
}

// EventsConfig enables the Redis job event publisher.
type EventsConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"` // Empty disables publishing
	Instance string `yaml:"instance,omitempty"`
}

// ConfigError reports an invalid configuration key.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Message)
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// Validate applies defaults to unset keys and rejects out-of-range values.
// Errors are *ConfigError.
func (c *Config) Validate() error {
	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Concurrency == nil {
		c.Queue.Concurrency = &TierValues{}
	}
	if c.Queue.Capacity == nil {
		c.Queue.Capacity = &TierValues{}
	}
	c.Queue.Concurrency.defaults(defaultHighConcurrency, defaultMediumConcurrency, defaultLowConcurrency)
	c.Queue.Capacity.defaults(defaultCapacityPerTier, defaultCapacityPerTier, defaultCapacityPerTier)
	defaultInt64(&c.Queue.CancelGraceMs, DefaultCancelGraceMs)

	for _, p := range jobs.Priorities {
		if v := *c.Queue.Concurrency.get(p); v < 0 {
			return &ConfigError{Key: "queue.concurrency." + string(p), Message: fmt.Sprintf("must be >= 0, got %d", v)}
		}
		if v := *c.Queue.Capacity.get(p); v < 1 {
			return &ConfigError{Key: "queue.capacity." + string(p), Message: fmt.Sprintf("must be >= 1, got %d", v)}
		}
	}
	if *c.Queue.CancelGraceMs <= 0 {
		return &ConfigError{Key: "queue.cancel_grace_ms", Message: fmt.Sprintf("must be > 0, got %d", *c.Queue.CancelGraceMs)}
	}

	if c.Receipts == nil {
		c.Receipts = &ReceiptsConfig{}
	}
	if c.Receipts.BatchSize == nil {
		v := DefaultBatchSize
		c.Receipts.BatchSize = &v
	}
	defaultInt64(&c.Receipts.FlushIntervalMs, DefaultFlushIntervalMs)
	if *c.Receipts.BatchSize < 1 {
		return &ConfigError{Key: "receipts.batch_size", Message: fmt.Sprintf("must be >= 1, got %d", *c.Receipts.BatchSize)}
	}
	if *c.Receipts.FlushIntervalMs < 0 {
		return &ConfigError{Key: "receipts.flush_interval_ms", Message: fmt.Sprintf("must be >= 0 (0 = no timer), got %d", *c.Receipts.FlushIntervalMs)}
	}

	if c.Snapshots == nil {
		c.Snapshots = &SnapshotsConfig{}
	}
	defaultInt64(&c.Snapshots.MaxCacheSize, DefaultMaxCacheSize)
	if *c.Snapshots.MaxCacheSize < 0 {
		return &ConfigError{Key: "snapshots.max_cache_size", Message: fmt.Sprintf("must be >= 0 (0 = no cache), got %d", *c.Snapshots.MaxCacheSize)}
	}

	if c.Locks == nil {
		c.Locks = &LocksConfig{}
	}
	defaultInt64(&c.Locks.ReapIntervalMs, DefaultReapIntervalMs)
	if *c.Locks.ReapIntervalMs < 0 {
		return &ConfigError{Key: "locks.reap_interval_ms", Message: fmt.Sprintf("must be >= 0 (0 = no reaper), got %d", *c.Locks.ReapIntervalMs)}
	}

	if c.Git == nil {
		c.Git = &GitConfig{}
	}
	defaultInt64(&c.Git.CommandTimeoutMs, DefaultCommandTimeoutMs)
	if c.Git.MaxBufferBytes == nil {
		v := DefaultMaxBufferBytes
		c.Git.MaxBufferBytes = &v
	}
	if c.Git.Identity == nil {
		c.Git.Identity = &IdentityConfig{}
	}
	if *c.Git.CommandTimeoutMs <= 0 {
		return &ConfigError{Key: "git.command_timeout_ms", Message: fmt.Sprintf("must be > 0, got %d", *c.Git.CommandTimeoutMs)}
	}
	if *c.Git.MaxBufferBytes <= 0 {
		return &ConfigError{Key: "git.max_buffer_bytes", Message: fmt.Sprintf("must be > 0, got %d", *c.Git.MaxBufferBytes)}
	}

	if c.Events == nil {
		c.Events = &EventsConfig{}
	}
	if c.Events.Instance == "" {
		c.Events.Instance = DefaultEventsInstance
	}

	return nil
}

// LoadConfig reads and validates a gitvan.yml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// tiers converts the queue section for jobs.Config. Call after Validate.
func (c *Config) tiers() map[jobs.Priority]jobs.TierConfig {
	out := make(map[jobs.Priority]jobs.TierConfig, len(jobs.Priorities))
	for _, p := range jobs.Priorities {
		out[p] = jobs.TierConfig{
			Concurrency: *c.Queue.Concurrency.get(p),
			Capacity:    *c.Queue.Capacity.get(p),
		}
	}
	return out
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (t *TierValues) get(p jobs.Priority) *int {
	switch p {
	case jobs.High:
		return t.High
	case jobs.Medium:
		return t.Medium
	default:
		return t.Low
	}
}

func (t *TierValues) defaults(high, medium, low int) {
	if t.High == nil {
		t.High = &high
	}
	if t.Medium == nil {
		t.Medium = &medium
	}
	if t.Low == nil {
		t.Low = &low
	}
}

func defaultInt64(field **int64, v int64) {
	if *field == nil {
		*field = &v
	}
}
