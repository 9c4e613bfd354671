package backoff

import "time"

// Strategy selects how retry delays grow with the attempt count.
type Strategy string

const (
	// Fixed waits BaseDelay between every attempt.
	Fixed Strategy = "fixed"
	// Exponential waits BaseDelay * attempt² (1s, 4s, 9s, ... for a 1s base).
	Exponential Strategy = "exponential"
)

// Policy computes the delay before a failed task becomes eligible again.
// Retries are scheduled by advancing the task's start_at, so the delay
// is observed by whichever worker claims the task next, not just the
// one that failed it.
type Policy struct {
	Strategy  Strategy
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
}

// Delay returns the wait before the given attempt may run again.
// attempt is 1-indexed: 1 means the first attempt just failed.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.Strategy == Exponential {
		d = p.BaseDelay * time.Duration(attempt*attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
