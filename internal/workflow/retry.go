package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes the delay before a failed dispatch is retried.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry; zero retries immediately
	InitialInterval time.Duration

	// MaxInterval caps the delay
	MaxInterval time.Duration

	// Multiplier scales the delay after each retry (default 2)
	Multiplier float64

	// Jitter is the randomization factor applied to each delay (0 to 1)
	Jitter float64
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.RandomizationFactor = p.Jitter
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < p.InitialInterval {
		b.MaxInterval = p.InitialInterval
	}
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
