package workflow

import (
	"time"
)

// BackoffType defines backoff strategies
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
)

// RetryConfig defines retry behavior for schema extraction and field queries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     BackoffType   `yaml:"backoff" json:"backoff"`
	InitialWait time.Duration `yaml:"initial_wait" json:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`
}

// DefaultRetryConfig returns the retry budget used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		InitialWait: time.Second,
		MaxWait:     15 * time.Second,
	}
}

// Wait returns the backoff delay before the given attempt (1-based).
func (c RetryConfig) Wait(attempt int) time.Duration {
	switch c.Backoff {
	case BackoffExponential:
		shift := attempt - 1
		if shift > 30 { // cap to avoid overflow
			shift = 30
		}
		if shift < 0 {
			shift = 0
		}
		wait := c.InitialWait * time.Duration(1<<uint(shift))
		if wait > c.MaxWait {
			wait = c.MaxWait
		}
		return wait
	case BackoffLinear:
		wait := c.InitialWait * time.Duration(attempt)
		if wait > c.MaxWait {
			wait = c.MaxWait
		}
		return wait
	default:
		return c.InitialWait
	}
}
