package orchestrator

import (
	"context"
	"math"
	"time"
)

type RetryPolicy = string

const (
	RetryPolicyNone        RetryPolicy = "none"
	RetryPolicyFixed       RetryPolicy = "fixed"
	RetryPolicyLinear      RetryPolicy = "linear"
	RetryPolicyExponential RetryPolicy = "exponential"
)

// RetryConfig controls how a failed step attempt is retried. Delays are
// expressed in milliseconds so they round-trip through JSON and YAML.
type RetryConfig struct {
	Policy         RetryPolicy `json:"policy" yaml:"policy"`
	MaxRetries     int         `json:"max_retries" yaml:"max_retries"`
	InitialDelayMs int64       `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int64       `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// ComputeDelay returns the backoff before retry attempt n (1-indexed).
// Fixed: initial. Linear: min(initial*n, max). Exponential:
// min(initial*2^(n-1), max).
func ComputeDelay(cfg *RetryConfig, attempt int) time.Duration {
	if cfg == nil || cfg.Policy == RetryPolicyNone || attempt < 1 {
		return 0
	}
	initial := time.Duration(cfg.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond

	var d time.Duration
	switch cfg.Policy {
	case RetryPolicyFixed:
		d = initial
	case RetryPolicyLinear:
		d = initial * time.Duration(attempt)
	case RetryPolicyExponential:
		d = time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	default:
		return 0
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// maxAttempts is the total attempt count for a step: the first try plus
// max_retries retries.
func maxAttempts(cfg *RetryConfig) int {
	if cfg == nil || cfg.Policy == RetryPolicyNone || cfg.MaxRetries < 0 {
		return 1
	}
	return cfg.MaxRetries + 1
}

// sleepBackoff waits for d or until the context is done. Cancellation must
// interrupt a backoff sleep, a canceled run should not linger in a timer.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
