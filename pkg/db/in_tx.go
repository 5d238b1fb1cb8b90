package db

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txDatabase is a Database whose statements all run in one open transaction
type txDatabase struct {
	tx Tx
}

// InTx returns a Database that runs every statement in tx, so stores built on a Database can
// read inside a caller's transaction without taking another connection from the pool. Transact
// calls fn on tx itself and ignores its options: committing and rolling back stay with the
// owner of tx. The returned Database is only valid until tx ends and, like tx, must not be used
// concurrently.
func InTx(tx Tx) Database {
	return &txDatabase{tx: tx}
}

func (d *txDatabase) Query(_ context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return d.tx.Query(query, args...)
}

func (d *txDatabase) Select(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.tx.Select(dest, query, args...)
}

func (d *txDatabase) Get(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.tx.Get(dest, query, args...)
}

func (d *txDatabase) GetPrimitive(_ context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.tx.GetPrimitive(dest, query, args...)
}

func (d *txDatabase) Exec(_ context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	return d.tx.Exec(query, args...)
}

func (d *txDatabase) Transact(_ context.Context, fn TxFunc, _ ...TxOpt) (interface{}, error) {
	return fn(d.tx)
}

func (d *txDatabase) Close() {}

func (d *txDatabase) Stats() sql.DBStats {
	return sql.DBStats{}
}

func (d *txDatabase) Pool() *pgxpool.Pool {
	return nil
}
