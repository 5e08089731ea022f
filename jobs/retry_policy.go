package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxInterval     = 5 * time.Minute
)

// RetryPolicy computes the delay before the next attempt of a job that was
// retried retryCount times.
type RetryPolicy interface {
	NextDelay(retryCount int) time.Duration
}

// RetryPolicyFunc is an adapter to use ordinary functions as RetryPolicy.
type RetryPolicyFunc func(retryCount int) time.Duration

func (f RetryPolicyFunc) NextDelay(retryCount int) time.Duration {
	return f(retryCount)
}

// ExponentialRetryPolicy grows the delay exponentially with randomization.
type ExponentialRetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// NewExponentialRetryPolicy returns the default retry policy.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		InitialInterval:     DefaultRetryInitialInterval,
		MaxInterval:         DefaultRetryMaxInterval,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// NextDelay returns the delay of attempt retryCount+1.
func (p *ExponentialRetryPolicy) NextDelay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount && delay < p.MaxInterval; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
