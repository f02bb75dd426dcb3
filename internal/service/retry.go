package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// RetryPolicy bounds retries of calls to external services.
type RetryPolicy struct {
	// MaxAttempts includes the first call. Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 200ms.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}

	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}

	// Attempts are bounded by count, not elapsed time.
	eb.MaxElapsedTime = 0

	retries := max(p.MaxAttempts, 1) - 1

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// callWithRetry runs op with a per-attempt timeout, retrying transient failures.
// Validation errors and cancellation of ctx end the loop immediately.
func callWithRetry[T any](
	ctx context.Context,
	policy RetryPolicy,
	timeout time.Duration,
	onRetry func(err error, wait time.Duration),
	op func(ctx context.Context) (T, error),
) (T, error) {
	attempt := func() (T, error) {
		callCtx := ctx

		if timeout > 0 {
			var cancel context.CancelFunc

			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, err := op(callCtx)
		if err == nil {
			return res, nil
		}

		if ctx.Err() != nil || errors.Is(err, ragerrors.ErrValidation) {
			return res, backoff.Permanent(err)
		}

		return res, err
	}

	return backoff.RetryNotifyWithData(attempt, policy.backOff(ctx), onRetry)
}
