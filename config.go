package herald

import (
	"time"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/retry"
)

// Config holds the configuration for a Herald instance.
type Config struct {
	// Concurrency is the number of delivery worker goroutines.
	Concurrency int `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`

	// PollInterval is how often the dispatcher checks the event log when
	// not woken by Emit.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`

	// BatchSize is the maximum number of events dispatched per cycle.
	BatchSize int `json:"batch_size" mapstructure:"batch_size" yaml:"batch_size"`

	// CallTimeout bounds one webhook call.
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout" yaml:"call_timeout"`

	// MaxAttempts is the attempt ceiling before a task is dead-lettered.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the first backoff step and the jitter range.
	BaseDelay time.Duration `json:"base_delay" mapstructure:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay" yaml:"max_delay"`

	// RedriveFloor is the attempt count a redriven task restarts from.
	RedriveFloor int `json:"redrive_floor" mapstructure:"redrive_floor" yaml:"redrive_floor"`

	// ReclaimAfter is how long a task may stay in flight before the reaper
	// counts it as a failed attempt. 0 means twice CallTimeout.
	ReclaimAfter time.Duration `json:"reclaim_after" mapstructure:"reclaim_after" yaml:"reclaim_after"`

	// ResyncInterval is how often the scheduler reloads due tasks from
	// the store.
	ResyncInterval time.Duration `json:"resync_interval" mapstructure:"resync_interval" yaml:"resync_interval"`

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries
	// on Stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// CacheTTL is the TTL for the catalog's in-memory event type cache.
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// StrictEventTypes rejects Emit for event types not in the catalog.
	StrictEventTypes bool `json:"strict_event_types" mapstructure:"strict_event_types" yaml:"strict_event_types"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	return Config{
		Concurrency:     10,
		PollInterval:    1 * time.Second,
		BatchSize:       100,
		CallTimeout:     10 * time.Second,
		MaxAttempts:     p.MaxAttempts,
		BaseDelay:       p.BaseDelay,
		MaxDelay:        p.MaxDelay,
		RedriveFloor:    dlq.DefaultRedriveFloor,
		ResyncInterval:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		CacheTTL:        30 * time.Second,
	}
}

// Policy returns the retry policy described by c.
func (c Config) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
	}
}

func (c Config) reclaimAfter() time.Duration {
	if c.ReclaimAfter > 0 {
		return c.ReclaimAfter
	}
	return 2 * c.CallTimeout
}
