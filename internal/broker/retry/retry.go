// Package retry re-attempts storage operations that failed on transient
// contention. Only the operation is repeated, never the business logic that
// led to it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"broker/internal/broker"
)

// Policy bounds contention retries.
type Policy struct {
	MaxAttempts     uint          `env:"STORAGE_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	InitialInterval time.Duration `env:"STORAGE_RETRY_INITIAL_INTERVAL" envDefault:"20ms"`
	MaxInterval     time.Duration `env:"STORAGE_RETRY_MAX_INTERVAL" envDefault:"500ms"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, fails with something other than
// broker.ErrContention, or the policy is exhausted. Exhausted contention is
// escalated to broker.ErrStorageFatal while still matching ErrContention.
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempt := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !errors.Is(err, broker.ErrContention) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying storage operation after contention",
				zap.String("operation", op),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return v, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return v, permanent.Err
	}
	if errors.Is(err, broker.ErrContention) {
		return v, fmt.Errorf("%w: %s: retries exhausted: %w", broker.ErrStorageFatal, op, err)
	}

	return v, err
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
