// Package retry retries startup operations against backing services with
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds a retry loop
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultPolicy suits connecting to a database or broker at startup
var DefaultPolicy = Policy{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxRetries:      5,
}

// Do runs op until it succeeds, the policy is exhausted or ctx is done.
// Errors wrapped with backoff.Permanent stop the loop immediately.
func Do(ctx context.Context, name string, policy Policy, logger *zap.Logger, op func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(policy.InitialInterval),
				backoff.WithMaxInterval(policy.MaxInterval),
			),
			policy.MaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(op, strategy, func(err error, d time.Duration) {
		logger.Warn("Retrying",
			zap.String("operation", name),
			zap.Duration("next_attempt_in", d),
			zap.Error(err))
	})
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}
