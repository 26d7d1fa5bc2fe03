package sending

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CircuitWatcher pings a latched agent with exponential backoff and unlatches
// it on the first successful ping.
type CircuitWatcher struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (w CircuitWatcher) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if w.InitialInterval > 0 {
		b.InitialInterval = w.InitialInterval
	}
	if w.MaxInterval > 0 {
		b.MaxInterval = w.MaxInterval
	}
	return b
}

// Watch blocks until agent is unlatched or ctx is done.
func (w CircuitWatcher) Watch(ctx context.Context, agent *Agent) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if !agent.Latched() {
			return struct{}{}, nil
		}
		if err := agent.Ping(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(agent.Unlatch(ctx))
	}, backoff.WithBackOff(w.backOff()), backoff.WithMaxElapsedTime(0))
	return err
}
