package db

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/treeverse/tables/pkg/logging"
)

// LoggedRows reports how long the rows were held open once they are closed.
type LoggedRows struct {
	pgx.Rows
	start  time.Time
	l      logging.Logger
	closed bool
}

func (lr *LoggedRows) Close() {
	lr.Rows.Close()
	if lr.closed {
		return
	}
	lr.closed = true
	lr.l.WithField("duration", time.Since(lr.start)).Trace("rows closed")
}

func Logged(rows pgx.Rows, start time.Time, l logging.Logger) *LoggedRows {
	return &LoggedRows{Rows: rows, start: start, l: l}
}
