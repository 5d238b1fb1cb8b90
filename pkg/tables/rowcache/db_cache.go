package rowcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
)

const updateBatchSize = 1000

// DBCache keeps the current version cache in the database, shared by all processes
type DBCache struct {
	db db.Database
}

func NewDBCache(database db.Database) *DBCache {
	return &DBCache{db: database}
}

// WithTx returns the cache read and written through tx
func (c *DBCache) WithTx(tx db.Tx) CurrentVersionCache {
	return &DBCache{db: db.InTx(tx)}
}

func (c *DBCache) IsEnabled() bool {
	return true
}

func (c *DBCache) GetLatestCurrentVersionNumber(ctx context.Context, tableID int64) (int64, error) {
	var version int64
	err := c.db.GetPrimitive(ctx, &version, `SELECT version FROM table_current_cache_watermarks WHERE table_id = $1`, tableID)
	if errors.Is(err, db.ErrNotFound) {
		return NoWatermark, nil
	}
	if err != nil {
		return NoWatermark, tables.TranslateDBError("get cache watermark of table", tables.TableID(tableID), err)
	}
	return version, nil
}

func (c *DBCache) UpdateCurrentVersionNumbers(ctx context.Context, tableID int64, updates map[int64]CachedVersion, watermark int64, progress tables.ProgressCallback) error {
	rowIDs := make([]int64, 0, len(updates))
	for id := range updates {
		rowIDs = append(rowIDs, id)
	}
	log := logging.FromContext(ctx).WithField(logging.TableIDFieldKey, tableID)
	_, err := c.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		for start := 0; start < len(rowIDs); start += updateBatchSize {
			end := start + updateBatchSize
			if end > len(rowIDs) {
				end = len(rowIDs)
			}
			ids := rowIDs[start:end]
			versions := make([]int64, len(ids))
			deleted := make([]bool, len(ids))
			for i, id := range ids {
				versions[i] = updates[id].Version
				deleted[i] = updates[id].Deleted
			}
			_, err := tx.Exec(`INSERT INTO table_current_row_versions (table_id, row_id, version, deleted)
				SELECT $1, u.row_id, u.version, u.deleted
				FROM UNNEST($2::BIGINT[], $3::BIGINT[], $4::BOOLEAN[]) AS u(row_id, version, deleted)
				ON CONFLICT (table_id, row_id) DO UPDATE
					SET version = EXCLUDED.version, deleted = EXCLUDED.deleted
					WHERE table_current_row_versions.version < EXCLUDED.version`,
				tableID, ids, versions, deleted)
			if err != nil {
				return err
			}
			if progress != nil {
				progress(tables.Progress{Current: int64(end), Total: int64(len(rowIDs)), Message: "updating current row versions"})
			}
		}
		_, err := tx.Exec(`INSERT INTO table_current_cache_watermarks (table_id, version, updated_on)
			VALUES ($1, $2, $3)
			ON CONFLICT (table_id) DO UPDATE
				SET version = GREATEST(table_current_cache_watermarks.version, EXCLUDED.version),
					updated_on = EXCLUDED.updated_on`,
			tableID, watermark, time.Now())
		return err
	}), db.ReadCommitted(), db.WithLogger(log))
	return tables.TranslateDBError("update current versions of table", tables.TableID(tableID), err)
}

func (c *DBCache) GetCurrentVersions(ctx context.Context, tableID int64, rowIDs []int64) (map[int64]int64, error) {
	res := make(map[int64]int64, len(rowIDs))
	if len(rowIDs) == 0 {
		return res, nil
	}
	query, args, err := sq.Select("row_id", "version").
		From("table_current_row_versions").
		Where(sq.Eq{"table_id": tableID}).
		Where("row_id = ANY(?)", rowIDs).
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	return c.scanVersions(ctx, tableID, res, query, args...)
}

func (c *DBCache) GetAllCurrentVersions(ctx context.Context, tableID int64) (map[int64]int64, error) {
	return c.scanVersions(ctx, tableID, map[int64]int64{},
		`SELECT row_id, version FROM table_current_row_versions WHERE table_id = $1 AND NOT deleted`, tableID)
}

func (c *DBCache) scanVersions(ctx context.Context, tableID int64, res map[int64]int64, query string, args ...interface{}) (map[int64]int64, error) {
	var entries []struct {
		RowID   int64 `db:"row_id"`
		Version int64 `db:"version"`
	}
	if err := c.db.Select(ctx, &entries, query, args...); err != nil {
		return nil, tables.TranslateDBError("get current versions of table", tables.TableID(tableID), err)
	}
	for _, e := range entries {
		res[e.RowID] = e.Version
	}
	return res, nil
}

func (c *DBCache) RemoveFromCache(ctx context.Context, tableID int64) error {
	_, err := c.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		if _, err := tx.Exec(`DELETE FROM table_current_cache_watermarks WHERE table_id = $1`, tableID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM table_current_row_versions WHERE table_id = $1`, tableID)
		return err
	}), db.ReadCommitted())
	return tables.TranslateDBError("remove cache of table", tables.TableID(tableID), err)
}

func (c *DBCache) TruncateAllData(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `TRUNCATE table_current_cache_watermarks, table_current_row_versions`)
	return tables.TranslateDBError("truncate current version cache", nil, err)
}
