// Package resilience composes the outbound call policies used by the gateway:
// admission limiting, an overall deadline, retries, per-host circuit breaking
// and a per-attempt deadline, applied in that order around the raw call.
package resilience

import (
	"fmt"
	"time"
)

// RetryConfig controls the retry stage.
type RetryConfig struct {
	Exponential bool
	Delay       time.Duration
	MaxRetries  int
}

// BreakerConfig controls the circuit breaker stage. FailureRatio is a
// fraction between 0 and 1.
type BreakerConfig struct {
	FailureRatio      float64
	MinimumThroughput int
	SamplingDuration  time.Duration
	BreakDuration     time.Duration
}

// Config holds every policy setting. A zero PermitLimit disables admission
// limiting; zero timeouts disable the corresponding deadline.
type Config struct {
	PermitLimit    int
	QueueLimit     int
	Retry          RetryConfig
	Breaker        BreakerConfig
	TotalTimeout   time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PermitLimit: 10,
		QueueLimit:  20,
		Retry: RetryConfig{
			Exponential: true,
			Delay:       time.Second,
			MaxRetries:  3,
		},
		Breaker: BreakerConfig{
			FailureRatio:      0.5,
			MinimumThroughput: 10,
			SamplingDuration:  30 * time.Second,
			BreakDuration:     15 * time.Second,
		},
		TotalTimeout:   30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Validate checks ranges and the ordering between the two deadlines.
func (c Config) Validate() error {
	if c.PermitLimit < 0 {
		return fmt.Errorf("permit limit must not be negative, got %d", c.PermitLimit)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit must not be negative, got %d", c.QueueLimit)
	}
	if c.Retry.Delay < 0 || c.Retry.Delay > 60*time.Second {
		return fmt.Errorf("retry delay must be between 0s and 60s, got %s", c.Retry.Delay)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got %d", c.Retry.MaxRetries)
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker failure ratio must be between 0 and 1, got %v", c.Breaker.FailureRatio)
	}
	if c.Breaker.MinimumThroughput < 0 {
		return fmt.Errorf("breaker minimum throughput must not be negative, got %d", c.Breaker.MinimumThroughput)
	}
	if c.Breaker.SamplingDuration < 0 || c.Breaker.BreakDuration < 0 {
		return fmt.Errorf("breaker durations must not be negative")
	}
	if c.TotalTimeout < 0 || c.AttemptTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.TotalTimeout > 0 && c.AttemptTimeout > 0 && c.AttemptTimeout >= c.TotalTimeout {
		return fmt.Errorf("attempt timeout (%s) must be shorter than total timeout (%s)", c.AttemptTimeout, c.TotalTimeout)
	}
	return nil
}
