package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/treeverse/tables/pkg/logging"
)

const slowStatementThreshold = 100 * time.Millisecond

type TxFunc func(tx Tx) (interface{}, error)

type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error)
}

type Database interface {
	Querier
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetPrimitive(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error)
	Transact(ctx context.Context, fn TxFunc, opts ...TxOpt) (interface{}, error)

	Close()
	Stats() sql.DBStats
	Pool() *pgxpool.Pool
}

// Void wraps a procedure with no return value as a TxFunc
func Void(fn func(tx Tx) error) TxFunc {
	return func(tx Tx) (interface{}, error) { return nil, fn(tx) }
}

type PgxDatabase struct {
	db *pgxpool.Pool
}

func NewPgxDatabase(db *pgxpool.Pool) *PgxDatabase {
	return &PgxDatabase{db: db}
}

func (d *PgxDatabase) Close() {
	d.db.Close()
}

func (d *PgxDatabase) Pool() *pgxpool.Pool {
	return d.db
}

// performAndReport performs fn and logs a "done" report if its duration was long enough.
func (d *PgxDatabase) performAndReport(ctx context.Context, fields logging.Fields, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	if duration > slowStatementThreshold {
		logger := logging.FromContext(ctx).WithFields(fields).WithField("took", duration)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("database done")
	}
	return err
}

func (d *PgxDatabase) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := d.performAndReport(ctx, logging.Fields{"type": "get", "query": queryToString(query)}, func() error {
		return pgxscan.Get(ctx, d.db, dest, query, args...)
	})
	return translateError(err, query)
}

func (d *PgxDatabase) GetPrimitive(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := d.db.QueryRow(ctx, query, args...).Scan(dest)
	return translateError(err, query)
}

func (d *PgxDatabase) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	l := logging.FromContext(ctx).WithFields(logging.Fields{
		"type":  "start query",
		"query": queryToString(query),
	})
	start := time.Now()
	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translateError(err, query)
	}
	return Logged(rows, start, l), nil
}

func (d *PgxDatabase) Select(ctx context.Context, results interface{}, query string, args ...interface{}) error {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return translateError(pgxscan.ScanAll(results, rows), query)
}

func (d *PgxDatabase) Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := d.performAndReport(ctx, logging.Fields{"type": "exec", "query": queryToString(query)}, func() error {
		var err error
		tag, err = d.db.Exec(ctx, query, args...)
		return err
	})
	return tag, translateError(err, query)
}

func (d *PgxDatabase) begin(ctx context.Context, options *TxOptions) (pgx.Tx, error) {
	tx, err := d.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   options.isolationLevel,
		AccessMode: options.accessMode,
	})
	if err != nil {
		return nil, err
	}
	if options.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", options.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	return tx, nil
}

// Transact runs fn inside a transaction. Serialization failures are retried with a growing
// sleep; any other error rolls back and is returned together with fn's value.
func (d *PgxDatabase) Transact(ctx context.Context, fn TxFunc, opts ...TxOpt) (interface{}, error) {
	options := DefaultTxOptions(ctx)
	for _, opt := range opts {
		opt(options)
	}
	var (
		attempt int
		ret     interface{}
		err     error
		tx      pgx.Tx
	)
	defer func() {
		if p := recover(); p != nil && tx != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	for attempt < SerializationRetryMaxAttempts {
		if attempt > 0 {
			duration := SerializationRetryStartInterval * time.Duration(attempt)
			dbRetriesCount.Inc()
			options.logger.
				WithField("attempt", attempt).
				WithField("sleep_interval", duration).
				Warn("retrying transaction due to serialization error")
			time.Sleep(duration)
		}

		tx, err = d.begin(ctx, options)
		if err != nil {
			return nil, translateError(err, "BEGIN")
		}
		ret, err = fn(&dbTx{tx: tx, logger: options.logger, ctx: ctx})
		if err != nil {
			rollbackErr := tx.Rollback(ctx)
			if rollbackErr == nil && IsSerializationError(err) {
				attempt++
				continue
			}
			// callers may depend on ret together with the error
			return ret, err
		}
		commitErr := tx.Commit(ctx)
		if commitErr != nil {
			if IsSerializationError(commitErr) {
				attempt++
				continue
			}
			return nil, translateError(commitErr, "COMMIT")
		}
		return ret, nil
	}
	options.logger.
		WithField("attempt", attempt).
		Warn("transaction failed after max attempts due to serialization error")
	return nil, ErrSerialization
}

func (d *PgxDatabase) Stats() sql.DBStats {
	stat := d.db.Stat()
	return sql.DBStats{
		MaxOpenConnections: int(stat.MaxConns()),
		// includes conns being constructed, so OpenConnections may exceed InUse + Idle
		OpenConnections: int(stat.TotalConns()),
		InUse:           int(stat.AcquiredConns()),
		Idle:            int(stat.IdleConns()),
		WaitCount:       stat.EmptyAcquireCount(),
		WaitDuration:    stat.AcquireDuration(),
	}
}
