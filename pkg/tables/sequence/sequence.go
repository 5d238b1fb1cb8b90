package sequence

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
)

// initialValue is the sequence and version of a table that never reserved anything
const initialValue = -1

type Current struct {
	Sequence int64 `db:"sequence"`
	Version  int64 `db:"version"`
}

// TableSequence is the sequence row of one table
type TableSequence struct {
	TableID int64 `db:"table_id"`
	Current
}

// Allocator hands out row ids and versions per table. Reservations on a table are serialized
// by a row lock on the table's sequence row, held until the caller's transaction ends.
type Allocator struct {
	db db.Database
}

func NewAllocator(database db.Database) *Allocator {
	return &Allocator{db: database}
}

// ReserveIDRange reserves count new row ids and the next version of the table. It must run in
// the same transaction that appends the change using them. A zero count only advances the
// version.
func (a *Allocator) ReserveIDRange(tx db.Tx, tableID, count int64) (*tables.IDRange, error) {
	idRange, _, err := reserve(tx, tableID, count)
	return idRange, err
}

// ReserveIDRangeForRows reserves ids for the rows that have none. Every id the rows state must
// have been issued by an earlier reservation, otherwise the allocator would hand it out again.
func (a *Allocator) ReserveIDRangeForRows(tx db.Tx, tableID int64, rows []*tables.Row) (*tables.IDRange, error) {
	idRange, lastIssued, err := reserve(tx, tableID, tables.CountEmptyOrInvalidRowIDs(rows))
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if tables.IsValidRowID(r.RowID) && *r.RowID > lastIssued {
			return nil, fmt.Errorf("%w: row %s was never issued for table %d",
				tables.ErrNotFound, tables.NewIDAndVersion(*r.RowID, r.VersionNumber), tableID)
		}
	}
	return idRange, nil
}

// reserve returns the new range and the last id issued before it
func reserve(tx db.Tx, tableID, count int64) (*tables.IDRange, int64, error) {
	if count < 0 {
		return nil, initialValue, fmt.Errorf("%w: count must not be negative", tables.ErrInvalidArgument)
	}
	cur, exists, err := lockCurrent(tx, tableID)
	if err != nil {
		return nil, initialValue, err
	}
	if !exists {
		tag, err := tx.Exec(`INSERT INTO table_id_sequences (table_id, sequence, version) VALUES ($1, $2, $3)
			ON CONFLICT (table_id) DO NOTHING`,
			tableID, initialValue+count, initialValue+1)
		if err != nil {
			return nil, initialValue, tables.TranslateDBError("reserve ids for table", tables.TableID(tableID), err)
		}
		if tag.RowsAffected() == 1 {
			return newRange(initialValue+count, initialValue+1, count), initialValue, nil
		}
		// lost a race with a concurrent first reservation, which has committed by now
		cur, exists, err = lockCurrent(tx, tableID)
		if err != nil {
			return nil, initialValue, err
		}
		if !exists {
			return nil, initialValue, &tables.StorageError{Kind: tables.ErrTransient, Op: "reserve ids for table", ID: tables.TableID(tableID).String()}
		}
	}

	newSequence := cur.Sequence + count
	newVersion := cur.Version + 1
	_, err = tx.Exec(`UPDATE table_id_sequences SET sequence = $2, version = $3 WHERE table_id = $1`,
		tableID, newSequence, newVersion)
	if err != nil {
		return nil, initialValue, tables.TranslateDBError("reserve ids for table", tables.TableID(tableID), err)
	}
	return newRange(newSequence, newVersion, count), cur.Sequence, nil
}

func lockCurrent(tx db.Tx, tableID int64) (Current, bool, error) {
	var cur Current
	err := tx.Get(&cur, `SELECT sequence, version FROM table_id_sequences WHERE table_id = $1 FOR UPDATE`, tableID)
	if errors.Is(err, db.ErrNotFound) {
		return cur, false, nil
	}
	if err != nil {
		return cur, false, tables.TranslateDBError("lock sequence of table", tables.TableID(tableID), err)
	}
	return cur, true, nil
}

func newRange(sequence, version, count int64) *tables.IDRange {
	idRange := &tables.IDRange{VersionNumber: version}
	if count > 0 {
		minimum := sequence - count + 1
		maximum := sequence
		idRange.MinimumID = &minimum
		idRange.MaximumID = &maximum
	}
	return idRange
}

// Reserve runs ReserveIDRange in its own transaction
func (a *Allocator) Reserve(ctx context.Context, tableID, count int64, opts ...db.TxOpt) (*tables.IDRange, error) {
	log := logging.FromContext(ctx).WithField(logging.TableIDFieldKey, tableID)
	opts = append([]db.TxOpt{db.ReadCommitted(), db.WithLogger(log)}, opts...)
	res, err := a.db.Transact(ctx, func(tx db.Tx) (interface{}, error) {
		return a.ReserveIDRange(tx, tableID, count)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return res.(*tables.IDRange), nil
}

// GetCurrent returns the last reserved sequence and version, without locking
func (a *Allocator) GetCurrent(ctx context.Context, tableID int64) (*Current, error) {
	var cur Current
	err := a.db.Get(ctx, &cur, `SELECT sequence, version FROM table_id_sequences WHERE table_id = $1`, tableID)
	if errors.Is(err, db.ErrNotFound) {
		return &Current{Sequence: initialValue, Version: initialValue}, nil
	}
	if err != nil {
		return nil, tables.TranslateDBError("get sequence of table", tables.TableID(tableID), err)
	}
	return &cur, nil
}

// Delete forgets the table's sequence. Only used when the whole table is deleted.
func (a *Allocator) Delete(tx db.Tx, tableID int64) error {
	_, err := tx.Exec(`DELETE FROM table_id_sequences WHERE table_id = $1`, tableID)
	return tables.TranslateDBError("delete sequence of table", tables.TableID(tableID), err)
}

// List returns the sequences of tables with ids greater than after, ordered by table id. A
// positive limit bounds the number returned.
func (a *Allocator) List(ctx context.Context, after int64, limit uint64) ([]*TableSequence, error) {
	q := sq.Select("table_id", "sequence", "version").
		From("table_id_sequences").
		Where(sq.Gt{"table_id": after}).
		OrderBy("table_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	query, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	var all []*TableSequence
	if err := a.db.Select(ctx, &all, query, args...); err != nil {
		return nil, tables.TranslateDBError("list table sequences", nil, err)
	}
	return all, nil
}

// Restore sets the sequence of a table, never moving it backwards. Used when loading a backup.
func (a *Allocator) Restore(ctx context.Context, s *TableSequence) error {
	if s == nil || s.Sequence < initialValue || s.Version < initialValue {
		return fmt.Errorf("%w: table sequence", tables.ErrInvalidArgument)
	}
	_, err := a.db.Exec(ctx, `INSERT INTO table_id_sequences (table_id, sequence, version) VALUES ($1, $2, $3)
		ON CONFLICT (table_id) DO UPDATE SET
			sequence = GREATEST(table_id_sequences.sequence, EXCLUDED.sequence),
			version = GREATEST(table_id_sequences.version, EXCLUDED.version)`,
		s.TableID, s.Sequence, s.Version)
	return tables.TranslateDBError("restore sequence of table", tables.TableID(s.TableID), err)
}
