package core

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry scheduling per task type.
type RetryPolicy struct {
	// EnableRetries turns retry scheduling on or off
	EnableRetries bool `json:"enable_retries" yaml:"enable_retries"`

	// MaxRetries is the retry budget
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseDelaySeconds is the first retry delay; subsequent delays
	// double per attempt
	BaseDelaySeconds int `json:"base_delay_seconds" yaml:"base_delay_seconds"`

	// MaxDelaySeconds caps the exponential backoff
	MaxDelaySeconds int `json:"max_delay_seconds" yaml:"max_delay_seconds"`

	// JitterFraction spreads delays uniformly by ±fraction
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultImageRetryPolicy returns the image task retry defaults.
func DefaultImageRetryPolicy() RetryPolicy {
	return RetryPolicy{
		EnableRetries:    true,
		MaxRetries:       3,
		BaseDelaySeconds: 30,
		MaxDelaySeconds:  3600,
		JitterFraction:   0.2,
	}
}

// DefaultVideoRetryPolicy returns the video task retry defaults.
// Video retries use a longer base delay and a smaller budget because
// upstream charges may be higher per attempt.
func DefaultVideoRetryPolicy() RetryPolicy {
	return RetryPolicy{
		EnableRetries:    true,
		MaxRetries:       2,
		BaseDelaySeconds: 120,
		MaxDelaySeconds:  3600,
		JitterFraction:   0.2,
	}
}

// RetryPolicyForTaskType selects the default policy for a task type.
func RetryPolicyForTaskType(t TaskType) RetryPolicy {
	if t == TaskTypeVideo {
		return DefaultVideoRetryPolicy()
	}
	return DefaultImageRetryPolicy()
}

// Delay computes the backoff for the given retry count:
// base * 2^retryCount bounded by max, with uniform ± jitter.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	base := float64(p.BaseDelaySeconds)
	if base <= 0 {
		base = 30
	}
	maxDelay := float64(p.MaxDelaySeconds)
	if maxDelay <= 0 {
		maxDelay = 3600
	}

	delay := base * math.Pow(2, float64(retryCount))
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay * float64(time.Second))
}

// NextRetryAt computes the retry instant relative to now.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}
