package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides between immediate retry, scheduled retry and dead
// lettering once a handler fails.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions before dead lettering.
	MaxAttempts int
	// ImmediateRetries is how many of those attempts rerun without delay.
	ImmediateRetries int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Multiplier       float64
}

// DefaultRetryPolicy mirrors the defaults applied to zero values.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.ImmediateRetries < 0 {
		p.ImmediateRetries = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 16 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Decide picks the outcome for err after attempts executions.
func (p RetryPolicy) Decide(attempts int, err error) Decision {
	p = p.withDefaults()
	if decision, explicit := classify(err); explicit {
		if decision.Action == ActionSchedule && attempts >= p.MaxAttempts {
			return Decision{Action: ActionDeadLetter}
		}
		return decision
	}
	if attempts >= p.MaxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	if attempts <= p.ImmediateRetries {
		return Decision{Action: ActionRequeue}
	}
	return Decision{Action: ActionSchedule, Delay: p.Delay(attempts - p.ImmediateRetries)}
}

// Delay returns the backoff for the nth scheduled retry, starting at one.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()

	delay := p.InitialInterval
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
