package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a fixed delay between attempts with a cap on reschedules.
// MaxRetries of 3 allows 4 attempts in total.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy is three retries, one minute apart
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Delay: time.Minute}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxRetries))
}

// Next returns the delay before the next attempt after attempt number attempt
// (1-based) failed. ok is false once the budget is spent.
func (p RetryPolicy) Next(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backOff()
	for range attempt {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return 0, false
		}
	}
	return delay, true
}

// Allows reports whether attempt number attempt may still run. Attempts only
// exceed the budget when earlier ones were lost without reporting back.
func (p RetryPolicy) Allows(attempt int) bool {
	if attempt <= 1 {
		return true
	}
	_, ok := p.Next(attempt - 1)
	return ok
}
