package params

import "time"

type Database struct {
	ConnectionString      string
	MaxOpenConnections    int32
	MaxIdleConnections    int32
	ConnectionMaxLifetime time.Duration
	// MetricsLabel is added as a "db_name" label to the pool metrics. Empty disables them.
	MetricsLabel string
}
