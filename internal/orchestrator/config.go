package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator's tunables. Zero values fall back to the
// defaults, so a partial YAML file overrides only what it names.
type Config struct {
	// MaxConcurrentJobs caps the worker pool size.
	MaxConcurrentJobs int

	// ClaimInterval is how often the dispatch loop polls the ledger when
	// the pool has free capacity.
	ClaimInterval time.Duration

	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration

	// RetryBaseDelay seeds the exponential backoff for failed jobs.
	RetryBaseDelay time.Duration

	// SweepInterval is how often stale processing jobs are recovered and
	// terminal jobs past retention are purged.
	SweepInterval time.Duration

	// LeaseTimeout is how long a processing job may go without a progress
	// write before the sweep reclaims it.
	LeaseTimeout time.Duration

	// RetentionWindow is how long completed and cancelled jobs are kept.
	RetentionWindow time.Duration

	// HealthInterval is how often the health evaluation runs.
	HealthInterval time.Duration

	// DegradedFailureRate and UnhealthyFailureRate are the job failure
	// ratios at which health degrades. Rates are over the daemon lifetime.
	DegradedFailureRate  float64
	UnhealthyFailureRate float64

	// NoSuccessTimeout flags starvation: with work waiting, going this long
	// without a completed job reports unhealthy.
	NoSuccessTimeout time.Duration

	// DegradedQueueDepth is the backlog size at which health degrades.
	DegradedQueueDepth int

	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:    4,
		ClaimInterval:        2 * time.Second,
		JobTimeout:           10 * time.Minute,
		RetryBaseDelay:       5 * time.Second,
		SweepInterval:        30 * time.Second,
		LeaseTimeout:         5 * time.Minute,
		RetentionWindow:      30 * 24 * time.Hour,
		HealthInterval:       15 * time.Second,
		DegradedFailureRate:  0.1,
		UnhealthyFailureRate: 0.5,
		NoSuccessTimeout:     10 * time.Minute,
		DegradedQueueDepth:   100,
		EventBuffer:          64,
	}
}

// applyDefaults fills zero fields from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.DegradedFailureRate <= 0 {
		c.DegradedFailureRate = def.DegradedFailureRate
	}
	if c.UnhealthyFailureRate <= 0 {
		c.UnhealthyFailureRate = def.UnhealthyFailureRate
	}
	if c.NoSuccessTimeout <= 0 {
		c.NoSuccessTimeout = def.NoSuccessTimeout
	}
	if c.DegradedQueueDepth <= 0 {
		c.DegradedQueueDepth = def.DegradedQueueDepth
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// yamlConfig is the on-disk shape. Durations are Go strings ("30s", "5m");
// yaml.v3 has no native time.Duration decoding.
type yamlConfig struct {
	MaxConcurrentJobs    int     `yaml:"max_concurrent_jobs"`
	ClaimInterval        string  `yaml:"claim_interval"`
	JobTimeout           string  `yaml:"job_timeout"`
	RetryBaseDelay       string  `yaml:"retry_base_delay"`
	SweepInterval        string  `yaml:"sweep_interval"`
	LeaseTimeout         string  `yaml:"lease_timeout"`
	RetentionWindow      string  `yaml:"retention_window"`
	HealthInterval       string  `yaml:"health_interval"`
	DegradedFailureRate  float64 `yaml:"degraded_failure_rate"`
	UnhealthyFailureRate float64 `yaml:"unhealthy_failure_rate"`
	NoSuccessTimeout     string  `yaml:"no_success_timeout"`
	DegradedQueueDepth   int     `yaml:"degraded_queue_depth"`
	EventBuffer          int     `yaml:"event_buffer"`
}

// LoadConfig reads a YAML tunables file. Durations use Go syntax ("30s").
// An empty path returns the defaults; omitted keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.MaxConcurrentJobs = raw.MaxConcurrentJobs
	cfg.DegradedFailureRate = raw.DegradedFailureRate
	cfg.UnhealthyFailureRate = raw.UnhealthyFailureRate
	cfg.DegradedQueueDepth = raw.DegradedQueueDepth
	cfg.EventBuffer = raw.EventBuffer

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{raw.ClaimInterval, "claim_interval", &cfg.ClaimInterval},
		{raw.JobTimeout, "job_timeout", &cfg.JobTimeout},
		{raw.RetryBaseDelay, "retry_base_delay", &cfg.RetryBaseDelay},
		{raw.SweepInterval, "sweep_interval", &cfg.SweepInterval},
		{raw.LeaseTimeout, "lease_timeout", &cfg.LeaseTimeout},
		{raw.RetentionWindow, "retention_window", &cfg.RetentionWindow},
		{raw.HealthInterval, "health_interval", &cfg.HealthInterval},
		{raw.NoSuccessTimeout, "no_success_timeout", &cfg.NoSuccessTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}

	cfg.applyDefaults()
	return cfg, nil
}
