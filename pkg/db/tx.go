package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/treeverse/tables/pkg/logging"
)

const (
	SerializationRetryMaxAttempts   = 10
	SerializationRetryStartInterval = time.Millisecond * 2
)

// Tx abstract the pg transaction.
// It is expected to return errors of this package when applicable:
// 1. ErrNotFound - when a specific row was queried
// 2. ErrAlreadyExists - on conflicts when adding an entry
// 3. ErrLockTimeout, ErrDeadlock - when a row lock could not be taken
type Tx interface {
	Query(query string, args ...interface{}) (pgx.Rows, error)
	Select(dest interface{}, query string, args ...interface{}) error
	Get(dest interface{}, query string, args ...interface{}) error
	GetPrimitive(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (pgconn.CommandTag, error)
}

type dbTx struct {
	tx     pgx.Tx
	ctx    context.Context
	logger logging.Logger
}

func queryToString(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (d *dbTx) logFields(kind, query string, args []interface{}, start time.Time) logging.Logger {
	return d.logger.WithFields(logging.Fields{
		"type":  kind,
		"args":  args,
		"query": queryToString(query),
		"took":  time.Since(start),
	})
}

func (d *dbTx) fail(log logging.Logger, kind, query string, err error) error {
	err = translateError(err, query)
	if errors.Is(err, ErrNotFound) {
		log.Trace("SQL query returned no results")
		return err
	}
	dbErrorsCounter.WithLabelValues(kind).Inc()
	log.WithError(err).Debug("SQL query failed with error")
	return err
}

func (d *dbTx) Query(query string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := d.tx.Query(d.ctx, query, args...)
	log := d.logFields("query", query, args, start)
	if err != nil {
		return nil, d.fail(log, "query", query, err)
	}
	log.Trace("SQL query started successfully")
	return Logged(rows, start, log), nil
}

func Select(d Tx, results interface{}, query string, args ...interface{}) error {
	rows, err := d.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return translateError(pgxscan.ScanAll(results, rows), query)
}

func (d *dbTx) Select(results interface{}, query string, args ...interface{}) error {
	return Select(d, results, query, args...)
}

func (d *dbTx) Get(dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := pgxscan.Get(d.ctx, d.tx, dest, query, args...)
	log := d.logFields("get", query, args, start)
	if err != nil {
		return d.fail(log, "get", query, err)
	}
	log.Trace("SQL query executed successfully")
	return nil
}

func (d *dbTx) GetPrimitive(dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := d.tx.QueryRow(d.ctx, query, args...).Scan(dest)
	log := d.logFields("get", query, args, start)
	if err != nil {
		return d.fail(log, "get", query, err)
	}
	log.Trace("SQL query executed successfully")
	return nil
}

func (d *dbTx) Exec(query string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	res, err := d.tx.Exec(d.ctx, query, args...)
	log := d.logFields("exec", query, args, start)
	if err != nil {
		return res, d.fail(log, "exec", query, err)
	}
	log.Trace("SQL query executed successfully")
	return res, nil
}

type TxOpt func(*TxOptions)

type TxOptions struct {
	logger         logging.Logger
	isolationLevel pgx.TxIsoLevel
	accessMode     pgx.TxAccessMode
	lockTimeout    time.Duration
}

func DefaultTxOptions(ctx context.Context) *TxOptions {
	return &TxOptions{
		logger:         logging.FromContext(ctx),
		isolationLevel: pgx.Serializable,
		accessMode:     pgx.ReadWrite,
	}
}

func WithLogger(logger logging.Logger) TxOpt {
	return func(o *TxOptions) {
		o.logger = logger
	}
}

func ReadOnly() TxOpt {
	return func(o *TxOptions) {
		o.accessMode = pgx.ReadOnly
	}
}

func ReadCommitted() TxOpt {
	return func(o *TxOptions) {
		o.isolationLevel = pgx.ReadCommitted
	}
}

func RepeatableRead() TxOpt {
	return func(o *TxOptions) {
		o.isolationLevel = pgx.RepeatableRead
	}
}

func WithIsolationLevel(level pgx.TxIsoLevel) TxOpt {
	return func(o *TxOptions) {
		o.isolationLevel = level
	}
}

// WithLockTimeout bounds how long any statement in the transaction waits for a row lock.
// Exceeding it fails the statement with ErrLockTimeout.
func WithLockTimeout(d time.Duration) TxOpt {
	return func(o *TxOptions) {
		o.lockTimeout = d
	}
}
