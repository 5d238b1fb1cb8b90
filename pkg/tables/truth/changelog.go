package truth

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
)

var changeColumns = []string{
	"table_id", "row_version", "etag", "column_ids", "created_by", "created_on",
	"bucket", "key", "row_count", "change_type", "transaction_id",
}

// ChangeLog is the append-only log of row set changes. All methods run inside the caller's
// transaction.
type ChangeLog struct{}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{}
}

// Append records a change. Changes are never updated once appended.
func (c *ChangeLog) Append(tx db.Tx, change *tables.TableRowChange) error {
	if err := tables.Validate(tables.ValidateFields{
		{Name: "etag", IsValid: tables.ValidateRequiredString(change.Etag)},
		{Name: "createdBy", IsValid: tables.ValidateRequiredString(change.CreatedBy)},
		{Name: "bucket", IsValid: tables.ValidateRequiredString(change.Bucket)},
		{Name: "key", IsValid: tables.ValidateRequiredString(change.Key)},
		{Name: "rowVersion", IsValid: tables.ValidateNonNegative(change.RowVersion)},
	}); err != nil {
		return err
	}
	headers := change.Headers
	if headers == nil {
		headers = []int64{}
	}
	_, err := tx.Exec(`INSERT INTO table_row_changes
			(table_id, row_version, etag, column_ids, created_by, created_on, bucket, key, row_count, change_type, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		change.TableID, change.RowVersion, change.Etag, headers, change.CreatedBy, change.CreatedOn,
		change.Bucket, change.Key, change.RowCount, string(change.ChangeType), change.TransactionID)
	return tables.TranslateDBError("append change", tables.NewIDAndVersion(change.TableID, &change.RowVersion), err)
}

func (c *ChangeLog) GetChange(tx db.Tx, tableID, version int64) (*tables.TableRowChange, error) {
	query, args, err := sq.Select(changeColumns...).
		From("table_row_changes").
		Where(sq.Eq{"table_id": tableID, "row_version": version}).
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	var change tables.TableRowChange
	if err := tx.Get(&change, query, args...); err != nil {
		return nil, tables.TranslateDBError("get change", tables.NewIDAndVersion(tableID, &version), err)
	}
	return &change, nil
}

// GetLastChange returns the newest change of the table, ErrNotFound when it has none
func (c *ChangeLog) GetLastChange(tx db.Tx, tableID int64) (*tables.TableRowChange, error) {
	query, args, err := sq.Select(changeColumns...).
		From("table_row_changes").
		Where(sq.Eq{"table_id": tableID}).
		OrderBy("row_version DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	var change tables.TableRowChange
	if err := tx.Get(&change, query, args...); err != nil {
		return nil, tables.TranslateDBError("get last change of table", tables.TableID(tableID), err)
	}
	return &change, nil
}

// ListChangesSince returns the changes with version >= minVersion in ascending version order.
// A positive limit bounds the number of changes returned.
func (c *ChangeLog) ListChangesSince(tx db.Tx, tableID, minVersion int64, limit uint64) ([]*tables.TableRowChange, error) {
	q := sq.Select(changeColumns...).
		From("table_row_changes").
		Where(sq.Eq{"table_id": tableID}).
		Where(sq.GtOrEq{"row_version": minVersion}).
		OrderBy("row_version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	query, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	var changes []*tables.TableRowChange
	if err := tx.Select(&changes, query, args...); err != nil {
		return nil, tables.TranslateDBError("list changes of table", tables.TableID(tableID), err)
	}
	return changes, nil
}

func (c *ChangeLog) GetVersionForEtag(tx db.Tx, tableID int64, etag string) (int64, error) {
	var version int64
	err := tx.GetPrimitive(&version, `SELECT row_version FROM table_row_changes WHERE table_id = $1 AND etag = $2`,
		tableID, etag)
	if err != nil {
		return 0, tables.TranslateDBError("get version for etag of table", tables.TableID(tableID), err)
	}
	return version, nil
}

// CountChangesAfter counts the changes newer than version
func (c *ChangeLog) CountChangesAfter(tx db.Tx, tableID, version int64) (int64, error) {
	var count int64
	err := tx.GetPrimitive(&count, `SELECT COUNT(*) FROM table_row_changes WHERE table_id = $1 AND row_version > $2`,
		tableID, version)
	if err != nil {
		return 0, tables.TranslateDBError("count changes of table", tables.TableID(tableID), err)
	}
	return count, nil
}

// ListTableIDs returns the ids of all tables with at least one change
func (c *ChangeLog) ListTableIDs(tx db.Tx) ([]int64, error) {
	var ids []int64
	if err := tx.Select(&ids, `SELECT DISTINCT table_id FROM table_row_changes ORDER BY table_id`); err != nil {
		return nil, tables.TranslateDBError("list tables", nil, err)
	}
	return ids, nil
}

// DeleteAllChanges removes the whole history of a table and returns the removed changes, so
// their blobs can be removed too. Only used when the table itself is deleted.
func (c *ChangeLog) DeleteAllChanges(tx db.Tx, tableID int64) ([]*tables.TableRowChange, error) {
	var changes []*tables.TableRowChange
	err := tx.Select(&changes, `DELETE FROM table_row_changes WHERE table_id = $1
		RETURNING `+strings.Join(changeColumns, ", "), tableID)
	if err != nil {
		return nil, tables.TranslateDBError("delete changes of table", tables.TableID(tableID), err)
	}
	return changes, nil
}

// TruncateAll removes every change of every table. Reset tooling only.
func (c *ChangeLog) TruncateAll(tx db.Tx) error {
	_, err := tx.Exec(`TRUNCATE table_row_changes`)
	return tables.TranslateDBError("truncate changes", nil, err)
}
