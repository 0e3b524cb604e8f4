package processor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/internal/store"
)

// RetryPolicy bounds the wait for the store. With Forever set both limits
// are ignored and acquisition only ends on success, a permanent error or
// context cancellation.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     int
	Forever         bool
}

func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval: cfg.InitialInterval,
		Multiplier:      cfg.Multiplier,
		MaxInterval:     cfg.MaxInterval,
		MaxElapsedTime:  cfg.MaxElapsedTime,
		MaxAttempts:     cfg.MaxAttempts,
		Forever:         cfg.Forever,
	}
}

// AcquireConnection calls dial until it succeeds. Connectivity and
// authentication failures are retried with exponential backoff; anything
// else is returned at once.
func AcquireConnection[T any](
	ctx context.Context,
	dial func(context.Context) (T, error),
	policy RetryPolicy,
	logger *logrus.Logger,
	metrics *metrics.Collector,
) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.Multiplier = policy.Multiplier
	b.MaxInterval = policy.MaxInterval

	maxElapsed, maxAttempts := policy.MaxElapsedTime, policy.MaxAttempts
	if policy.Forever {
		maxElapsed, maxAttempts = 0, 0
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		conn, err := dial(ctx)
		metrics.RecordConnectAttempt(err)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrUnauthorized) {
			return conn, err
		}
		return conn, backoff.Permanent(err)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"retry":   next.String(),
			}).Warn("Store not ready, retrying")
		}),
	}
	if maxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(maxAttempts)))
	}

	conn, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		return conn, errors.Wrapf(err, "failed to connect to store after %d attempts", attempt)
	}
	return conn, nil
}
