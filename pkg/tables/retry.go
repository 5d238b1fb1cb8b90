package tables

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/treeverse/tables/pkg/logging"
)

const (
	transientRetryInitialInterval = 100 * time.Millisecond
	transientRetryMaxInterval     = 2 * time.Second
	transientRetryMaxElapsed      = 30 * time.Second
	TransientRetryMaxAttempts     = 5
)

// RetryTransient runs fn until it succeeds, fails with a non transient error, or runs out of
// attempts. fn must be a complete unit of work since it is repeated from scratch.
func RetryTransient(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transientRetryInitialInterval
	bo.MaxInterval = transientRetryMaxInterval
	bo.MaxElapsedTime = transientRetryMaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, TransientRetryMaxAttempts), ctx)

	log := logging.FromContext(ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		log.WithError(err).WithField("sleep", d).Warn("retrying after transient failure")
	})
}
