package herald

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is a fixed-window budget: at most Limit events per Window.
// A zero Limit disables the limiter.
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Enabled reports whether the limit applies.
func (r RateLimit) Enabled() bool { return r.Limit > 0 && r.Window > 0 }

// Config holds the runtime configuration of the delivery engine.
type Config struct {
	// Concurrency is the number of workers dispatching jobs in parallel.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout bounds graceful shutdown when the caller's context
	// has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LeaseDuration is how long a claim stays valid without a heartbeat.
	// Active jobs whose lease expires are returned to pending.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// HeartbeatInterval is how often in-flight jobs extend their lease.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleCheckInterval is how often the reaper looks for expired leases.
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`

	// MaxAttempts is the default total number of dispatch attempts per job.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the delay after the first failed attempt. Attempt n
	// waits BackoffBase * 2^(n-1), capped at BackoffMax.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// JobTimeout bounds a single provider call when the job sets none.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// SubmitRateLimit rejects submissions per user or recipient.
	SubmitRateLimit RateLimit `yaml:"submit_rate_limit"`

	// DispatchRateLimit delays provider calls across the whole pool.
	DispatchRateLimit RateLimit `yaml:"dispatch_rate_limit"`

	// MaxSubjectLength caps the subject line in characters.
	MaxSubjectLength int `yaml:"max_subject_length"`

	// ForbiddenPatterns are regular expressions rejected in subjects and
	// template data at submission.
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LeaseDuration:      30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleCheckInterval: 15 * time.Second,
		MaxAttempts:        3,
		BackoffBase:        30 * time.Second,
		BackoffMax:         1 * time.Hour,
		JobTimeout:         15 * time.Second,
		SubmitRateLimit:    RateLimit{Limit: 20, Window: time.Minute},
		DispatchRateLimit:  RateLimit{Limit: 600, Window: time.Minute},
		MaxSubjectLength:   200,
		ForbiddenPatterns: []string{
			`(?i)<\s*script`,
			`(?i)javascript:`,
		},
	}
}

// Validate reports configuration values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("lease_duration must be positive"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		errs = append(errs, errors.New("heartbeat_interval must be positive and shorter than lease_duration"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job_timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("herald: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfig resolves configuration in priority order: defaults, then the
// YAML file at path (skipped when path is empty or missing), then HERALD_*
// environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("herald: parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("herald: read config file: %w", err)
		}
	}

	cfg.Concurrency = envInt("HERALD_CONCURRENCY", cfg.Concurrency)
	cfg.MaxAttempts = envInt("HERALD_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.PollInterval = envDuration("HERALD_POLL_INTERVAL", cfg.PollInterval)
	cfg.LeaseDuration = envDuration("HERALD_LEASE_DURATION", cfg.LeaseDuration)
	cfg.HeartbeatInterval = envDuration("HERALD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.BackoffBase = envDuration("HERALD_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = envDuration("HERALD_BACKOFF_MAX", cfg.BackoffMax)
	cfg.JobTimeout = envDuration("HERALD_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.SubmitRateLimit.Limit = envInt("HERALD_SUBMIT_RATE_LIMIT", cfg.SubmitRateLimit.Limit)
	cfg.SubmitRateLimit.Window = envDuration("HERALD_SUBMIT_RATE_WINDOW", cfg.SubmitRateLimit.Window)
	cfg.DispatchRateLimit.Limit = envInt("HERALD_DISPATCH_RATE_LIMIT", cfg.DispatchRateLimit.Limit)
	cfg.DispatchRateLimit.Window = envDuration("HERALD_DISPATCH_RATE_WINDOW", cfg.DispatchRateLimit.Window)
	cfg.MaxSubjectLength = envInt("HERALD_MAX_SUBJECT_LENGTH", cfg.MaxSubjectLength)

	return cfg, cfg.Validate()
}

// EnvOrDefault returns the trimmed value of key, or fallback when unset.
func EnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
