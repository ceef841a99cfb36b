package queue

import (
	"math"
	"time"
)

// BackoffStrategy computes how long a failed job waits before re-entering the
// queue. Delays gate the requeue timers only; the dispatch loop never sleeps.
type BackoffStrategy interface {
	// NextDelay returns the delay before retry number retryCount+1.
	NextDelay(retryCount int) time.Duration
}

// ExponentialBackoff multiplies the delay on every failed attempt, capped at
// MaxDelay.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NewExponentialBackoff returns the queue's default retry curve: 1s, 2s, 4s
// and so on, up to a five minute cap.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	d := time.Duration(float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(retryCount)))
	if d > eb.MaxDelay || d < 0 {
		// Overflow past the cap for deep retry counts.
		return eb.MaxDelay
	}
	return d
}

// LinearBackoff grows the delay arithmetically, capped at MaxDelay. Suits
// short retry budgets where the exponential curve would barely ramp.
type LinearBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (lb *LinearBackoff) NextDelay(retryCount int) time.Duration {
	d := lb.BaseDelay * time.Duration(retryCount+1)
	if d > lb.MaxDelay {
		return lb.MaxDelay
	}
	return d
}
