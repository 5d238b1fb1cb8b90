package txlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/idgen"
)

const transactionColumns = `transaction_id, table_id, started_by, started_on, etag`

// Log records the write intents against tables and the versions each one produced. A write
// locks its transaction row before the table's sequence row.
type Log struct {
	db    db.Database
	idGen idgen.Generator
}

func NewLog(database db.Database, idGen idgen.Generator) *Log {
	return &Log{db: database, idGen: idGen}
}

type txID int64

func (t txID) String() string {
	return fmt.Sprintf("transaction %d", int64(t))
}

// StartTransaction records a new transaction against the table and returns its number.
// startedOn defaults to now.
func (l *Log) StartTransaction(tx db.Tx, tableID int64, userID string, startedOn *time.Time) (int64, error) {
	if err := tables.Validate(tables.ValidateFields{
		{Name: "userID", IsValid: tables.ValidateRequiredString(userID)},
	}); err != nil {
		return 0, err
	}
	on := time.Now().UTC()
	if startedOn != nil {
		on = *startedOn
	}
	id, err := l.idGen.Generate(tx, idgen.TableTransactionID)
	if err != nil {
		return 0, tables.TranslateDBError("start transaction on table", tables.TableID(tableID), err)
	}
	_, err = tx.Exec(`INSERT INTO table_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		id, tableID, userID, on, uuid.New().String())
	if err != nil {
		return 0, tables.TranslateDBError("start transaction on table", tables.TableID(tableID), err)
	}
	return id, nil
}

// LinkTransactionToVersion records that the transaction produced version of its table. Linking
// the same pair again does nothing.
func (l *Log) LinkTransactionToVersion(tx db.Tx, transactionID, version int64) error {
	tag, err := tx.Exec(`INSERT INTO table_transaction_versions (transaction_id, table_id, version)
		SELECT transaction_id, table_id, $2 FROM table_transactions WHERE transaction_id = $1
		ON CONFLICT (transaction_id, version) DO NOTHING`, transactionID, version)
	if err != nil {
		return tables.TranslateDBError("link version to", txID(transactionID), err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = tx.GetPrimitive(&exists, `SELECT EXISTS (SELECT 1 FROM table_transactions WHERE transaction_id = $1)`, transactionID)
	if err != nil {
		return tables.TranslateDBError("link version to", txID(transactionID), err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", tables.ErrNotFound, txID(transactionID))
	}
	return nil
}

// GetTableIDWithLock locks the transaction row until tx ends and returns its table
func (l *Log) GetTableIDWithLock(tx db.Tx, transactionID int64) (int64, error) {
	var tableID int64
	err := tx.GetPrimitive(&tableID, `SELECT table_id FROM table_transactions WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	if err != nil {
		return 0, tables.TranslateDBError("lock", txID(transactionID), err)
	}
	return tableID, nil
}

// UpdateTransactionEtag gives the transaction a new etag and returns it
func (l *Log) UpdateTransactionEtag(tx db.Tx, transactionID int64) (string, error) {
	etag := uuid.New().String()
	tag, err := tx.Exec(`UPDATE table_transactions SET etag = $2 WHERE transaction_id = $1`, transactionID, etag)
	if err != nil {
		return "", tables.TranslateDBError("update etag of", txID(transactionID), err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", tables.ErrNotFound, txID(transactionID))
	}
	return etag, nil
}

func (l *Log) read(ctx context.Context, fn db.TxFunc) (interface{}, error) {
	return l.db.Transact(ctx, fn, db.ReadOnly(), db.ReadCommitted(), db.WithLogger(logging.Dummy()))
}

// GetTransactionForVersion returns the transaction that produced version of the table
func (l *Log) GetTransactionForVersion(ctx context.Context, tableID, version int64) (*tables.TableTransaction, error) {
	var t tables.TableTransaction
	err := l.db.Get(ctx, &t, `SELECT t.transaction_id, t.table_id, t.started_by, t.started_on, t.etag
		FROM table_transactions t
		JOIN table_transaction_versions v ON v.transaction_id = t.transaction_id
		WHERE v.table_id = $1 AND v.version = $2`, tableID, version)
	if err != nil {
		return nil, tables.TranslateDBError("get transaction of", tables.NewIDAndVersion(tableID, &version), err)
	}
	return &t, nil
}

func (l *Log) GetTransaction(ctx context.Context, transactionID int64) (*tables.TableTransaction, error) {
	var t tables.TableTransaction
	err := l.db.Get(ctx, &t, `SELECT `+transactionColumns+` FROM table_transactions WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, tables.TranslateDBError("get", txID(transactionID), err)
	}
	return &t, nil
}

// ListVersions returns the versions the transaction produced, ascending
func (l *Log) ListVersions(ctx context.Context, transactionID int64) ([]int64, error) {
	res, err := l.read(ctx, func(tx db.Tx) (interface{}, error) {
		var versions []int64
		err := tx.Select(&versions, `SELECT version FROM table_transaction_versions WHERE transaction_id = $1 ORDER BY version`, transactionID)
		return versions, err
	})
	if err != nil {
		return nil, tables.TranslateDBError("list versions of", txID(transactionID), err)
	}
	return res.([]int64), nil
}

// ListTransactions returns the transactions of the table, ordered by number
func (l *Log) ListTransactions(ctx context.Context, tableID int64) ([]*tables.TableTransaction, error) {
	var all []*tables.TableTransaction
	err := l.db.Select(ctx, &all, `SELECT `+transactionColumns+` FROM table_transactions WHERE table_id = $1 ORDER BY transaction_id`, tableID)
	if err != nil {
		return nil, tables.TranslateDBError("list transactions of table", tables.TableID(tableID), err)
	}
	return all, nil
}

// Restore writes a transaction and its version links as they are. Used when loading a backup.
func (l *Log) Restore(ctx context.Context, t *tables.TableTransaction, versions []int64) error {
	if t == nil {
		return errors.New("nil transaction")
	}
	_, err := l.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		_, err := tx.Exec(`INSERT INTO table_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (transaction_id) DO UPDATE SET etag = EXCLUDED.etag`,
			t.TransactionNumber, t.TableID, t.StartedBy, t.StartedOn, t.Etag)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if err := l.LinkTransactionToVersion(tx, t.TransactionNumber, v); err != nil {
				return err
			}
		}
		return nil
	}))
	return tables.TranslateDBError("restore", txID(t.TransactionNumber), err)
}

// DeleteTable removes every transaction of the table and returns how many there were
func (l *Log) DeleteTable(tx db.Tx, tableID int64) (int64, error) {
	tag, err := tx.Exec(`DELETE FROM table_transactions WHERE table_id = $1`, tableID)
	if err != nil {
		return 0, tables.TranslateDBError("delete transactions of table", tables.TableID(tableID), err)
	}
	return tag.RowsAffected(), nil
}
