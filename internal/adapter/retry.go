package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

// RetryPolicy bounds retries of transient equipment failures
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// DefaultRetryPolicy is three attempts, 200ms growing to at most 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// retryValue runs fn until it succeeds, fails with a non-transient error or
// the attempt budget runs out. The returned error is always classified.
func retryValue[T any](ctx context.Context, c *core, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		err = c.classify(op, err)
		if !errors.Is(err, domain.ErrTransientNetwork) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug().
				Err(err).
				Str(logging.FieldOperation, op).
				Dur("retry_in", next).
				Msg("retrying transient equipment failure")
		}),
	)
	if err != nil {
		return v, c.classify(op, err)
	}
	return v, nil
}
