package db

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dbRetriesCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tables_db_serialization_retries_total",
	Help: "Transactions retried due to serialization failures",
})

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tables_db_errors_total",
		Help: "Database statements that failed",
	},
	[]string{"type"})
