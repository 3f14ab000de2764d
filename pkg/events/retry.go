package events

import (
	"math"
	"time"
)

// RetryConfig bounds webhook redelivery
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultRetryConfig returns the production defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// retryPolicy computes delivery retry schedules. Unlike an in-memory
// backoff iterator, the delay is a pure function of the attempt count so
// it can be recomputed from a persisted delivery record.
type retryPolicy struct {
	cfg RetryConfig
}

func newRetryPolicy(cfg RetryConfig) *retryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.Multiplier <= 1.0 {
		cfg.Multiplier = 2.0
	}
	return &retryPolicy{cfg: cfg}
}

func (p *retryPolicy) ShouldRetry(attempts int, err error) bool {
	return err != nil && attempts < p.cfg.MaxAttempts
}

func (p *retryPolicy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.cfg.InitialDelay
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempts-1))
	if delay > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (p *retryPolicy) NextRetryTime(attempts int) time.Time {
	return time.Now().Add(p.NextDelay(attempts))
}
