package params

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	databaseFirstWait  = 50 * time.Millisecond
	databaseWaitGrowth = 1.2
	databaseMaxWait    = 3 * time.Second
)

// NewDatabaseRetryStrategy returns the backoff used while waiting for the database to accept
// connections.
func NewDatabaseRetryStrategy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = databaseFirstWait
	b.Multiplier = databaseWaitGrowth
	b.MaxElapsedTime = databaseMaxWait
	return b
}
