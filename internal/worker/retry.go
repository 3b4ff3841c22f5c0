package worker

import (
	"math"
	"time"

	"adminops/internal/config"
	"adminops/internal/models"
)

// RetryPolicy defines exponential backoff parameters.
// The number of retries is per task (AdminTask.MaxRetries).
type RetryPolicy struct {
	BaseDelay     time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
}

// PolicyFromConfig maps the retry section of the config onto a policy.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		BaseDelay:     cfg.BaseDelay,
		MaxBackoff:    cfg.MaxBackoff,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// NextDelay returns the delay before the retry numbered retryCount (1-based):
// min(MaxBackoff, BaseDelay * BackoffFactor^retryCount).
func (r RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = models.DefaultBackoffFactor
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = models.DefaultMaxBackoff
	}

	delay := float64(r.BaseDelay) * math.Pow(r.BackoffFactor, float64(retryCount))
	// float overflow past the cap (or to +Inf) must not wrap around
	if delay >= float64(r.MaxBackoff) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return r.MaxBackoff
	}
	return time.Duration(delay)
}
