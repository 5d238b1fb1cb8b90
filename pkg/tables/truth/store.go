package truth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/xid"
	"github.com/treeverse/tables/pkg/block"
	"github.com/treeverse/tables/pkg/cache"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/rowset"
)

// VersionLookup answers the questions conflict detection asks
type VersionLookup interface {
	// GetLatestVersions returns the latest version of each of rowIDs, looking only at changes
	// with version >= minVersion. Rows not changed since minVersion are absent.
	GetLatestVersions(ctx context.Context, tableID int64, rowIDs []int64, minVersion int64) (map[int64]int64, error)
	GetVersionForEtag(ctx context.Context, tableID int64, etag string) (int64, error)
}

// Reader is read access to the row truth of tables
type Reader interface {
	VersionLookup
	GetLastChange(ctx context.Context, tableID int64) (*tables.TableRowChange, error)
	GetChange(ctx context.Context, tableID, version int64) (*tables.TableRowChange, error)
	ListChangesSince(ctx context.Context, tableID, minVersion int64) ([]*tables.TableRowChange, error)
	CountChangesAfter(ctx context.Context, tableID, version int64) (int64, error)
	ReadRowSet(ctx context.Context, change *tables.TableRowChange) (*tables.RowSet, error)
	// GetRows returns the current content of the live rows among rowIDs, aligned to headers.
	// Deleted and unknown rows are absent.
	GetRows(ctx context.Context, tableID int64, rowIDs []int64, headers []int64) (map[int64]*tables.Row, error)
}

type changeKey struct {
	tableID int64
	version int64
}

// Store keeps row set blobs in the block adapter and their change records in the database
type Store struct {
	db          db.Database
	adapter     block.Adapter
	bucket      string
	log         *ChangeLog
	changeCache cache.Cache
}

type StoreOption func(*Store)

// WithChangeCache caches change records by table and version. Change records never change
// once written, so entries only go stale when their table is deleted.
func WithChangeCache(c cache.Cache) StoreOption {
	return func(s *Store) {
		s.changeCache = c
	}
}

func NewStore(database db.Database, adapter block.Adapter, bucket string, opts ...StoreOption) *Store {
	s := &Store{
		db:          database,
		adapter:     adapter,
		bucket:      bucket,
		log:         NewChangeLog(),
		changeCache: cache.NoCache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForgetTable drops cached change records after a table was deleted, since its versions
// start over
func (s *Store) ForgetTable() {
	s.changeCache.Purge()
}

// WithTx returns a Reader whose reads run in tx. Change records read there are not cached,
// so records the transaction itself wrote never outlive a rollback.
func (s *Store) WithTx(tx db.Tx) Reader {
	return &Store{
		db:          db.InTx(tx),
		adapter:     s.adapter,
		bucket:      s.bucket,
		log:         s.log,
		changeCache: cache.NoCache,
	}
}

func (s *Store) ChangeLog() *ChangeLog {
	return s.log
}

func (s *Store) read(ctx context.Context, fn db.TxFunc) (interface{}, error) {
	return s.db.Transact(ctx, fn, db.ReadOnly(), db.ReadCommitted(), db.WithLogger(logging.Dummy()))
}

func (s *Store) GetLastChange(ctx context.Context, tableID int64) (*tables.TableRowChange, error) {
	res, err := s.read(ctx, func(tx db.Tx) (interface{}, error) {
		return s.log.GetLastChange(tx, tableID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*tables.TableRowChange), nil
}

func (s *Store) GetChange(ctx context.Context, tableID, version int64) (*tables.TableRowChange, error) {
	res, err := s.changeCache.GetOrSet(changeKey{tableID: tableID, version: version}, func() (interface{}, error) {
		return s.read(ctx, func(tx db.Tx) (interface{}, error) {
			return s.log.GetChange(tx, tableID, version)
		})
	})
	if errors.Is(err, cache.ErrCacheItemNotFound) {
		// a concurrent fill failed, ask the database directly
		res, err = s.read(ctx, func(tx db.Tx) (interface{}, error) {
			return s.log.GetChange(tx, tableID, version)
		})
	}
	if err != nil {
		return nil, err
	}
	return res.(*tables.TableRowChange), nil
}

func (s *Store) ListChangesSince(ctx context.Context, tableID, minVersion int64) ([]*tables.TableRowChange, error) {
	res, err := s.read(ctx, func(tx db.Tx) (interface{}, error) {
		return s.log.ListChangesSince(tx, tableID, minVersion, 0)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*tables.TableRowChange), nil
}

func (s *Store) GetVersionForEtag(ctx context.Context, tableID int64, etag string) (int64, error) {
	res, err := s.read(ctx, func(tx db.Tx) (interface{}, error) {
		return s.log.GetVersionForEtag(tx, tableID, etag)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) CountChangesAfter(ctx context.Context, tableID, version int64) (int64, error) {
	res, err := s.read(ctx, func(tx db.Tx) (interface{}, error) {
		return s.log.CountChangesAfter(tx, tableID, version)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) ListTableIDs(ctx context.Context) ([]int64, error) {
	res, err := s.read(ctx, func(tx db.Tx) (interface{}, error) {
		return s.log.ListTableIDs(tx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]int64), nil
}

// WriteRowSet encodes rows into a new immutable blob and returns its location
func (s *Store) WriteRowSet(ctx context.Context, tableID int64, headers []int64, rows []*tables.Row) (block.ObjectPointer, error) {
	var buf bytes.Buffer
	if err := rowset.Encode(&buf, headers, rows); err != nil {
		return block.ObjectPointer{}, err
	}
	obj := block.ObjectPointer{
		StorageNamespace: s.bucket,
		Identifier:       "tables/" + strconv.FormatInt(tableID, 10) + "/" + xid.New().String() + ".csv.gz",
	}
	if err := s.adapter.Put(ctx, obj, int64(buf.Len()), &buf); err != nil {
		return block.ObjectPointer{}, &tables.StorageError{Kind: tables.ErrTransient, Op: "write rows of table", ID: tables.TableID(tableID).String(), Cause: err}
	}
	return obj, nil
}

func (s *Store) ReadRowSet(ctx context.Context, change *tables.TableRowChange) (*tables.RowSet, error) {
	id := tables.NewIDAndVersion(change.TableID, &change.RowVersion)
	if change.ChangeType != tables.ChangeTypeRow {
		return nil, fmt.Errorf("%w: change %s is not a row change", tables.ErrInvalidArgument, id)
	}
	rc, err := s.adapter.Get(ctx, block.ObjectPointer{StorageNamespace: change.Bucket, Identifier: change.Key})
	if errors.Is(err, block.ErrDataNotFound) {
		return nil, &tables.StorageError{Kind: tables.ErrNotFound, Op: "read rows of", ID: id.String(), Cause: err}
	}
	if err != nil {
		return nil, &tables.StorageError{Kind: tables.ErrTransient, Op: "read rows of", ID: id.String(), Cause: err}
	}
	defer func() { _ = rc.Close() }()
	headers, rows, err := rowset.Decode(rc)
	if err != nil {
		return nil, &tables.StorageError{Kind: tables.ErrStorage, Op: "decode rows of", ID: id.String(), Cause: err}
	}
	return &tables.RowSet{TableID: change.TableID, Etag: change.Etag, Headers: headers, Rows: rows}, nil
}

// RemoveRowSet removes the blob of a change. Only used when the table is deleted.
func (s *Store) RemoveRowSet(ctx context.Context, change *tables.TableRowChange) error {
	return s.adapter.Remove(ctx, block.ObjectPointer{StorageNamespace: change.Bucket, Identifier: change.Key})
}

// GetLatestVersions replays every row change from minVersion on
func (s *Store) GetLatestVersions(ctx context.Context, tableID int64, rowIDs []int64, minVersion int64) (map[int64]int64, error) {
	latest := make(map[int64]int64, len(rowIDs))
	if len(rowIDs) == 0 {
		return latest, nil
	}
	wanted := make(map[int64]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		wanted[id] = struct{}{}
	}
	err := s.replay(ctx, tableID, minVersion, func(rs *tables.RowSet) {
		for _, r := range rs.Rows {
			if _, ok := wanted[*r.RowID]; ok {
				latest[*r.RowID] = *r.VersionNumber
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *Store) GetRows(ctx context.Context, tableID int64, rowIDs []int64, headers []int64) (map[int64]*tables.Row, error) {
	rows := make(map[int64]*tables.Row, len(rowIDs))
	if len(rowIDs) == 0 {
		return rows, nil
	}
	wanted := make(map[int64]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		wanted[id] = struct{}{}
	}
	err := s.replay(ctx, tableID, 0, func(rs *tables.RowSet) {
		for _, r := range rs.Rows {
			if _, ok := wanted[*r.RowID]; !ok {
				continue
			}
			if r.IsDelete() {
				delete(rows, *r.RowID)
				continue
			}
			rows[*r.RowID] = rowset.Align(r, rs.Headers, headers)
		}
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// replay applies the row sets of the table's row changes from minVersion on, in version order
func (s *Store) replay(ctx context.Context, tableID, minVersion int64, apply func(*tables.RowSet)) error {
	changes, err := s.ListChangesSince(ctx, tableID, minVersion)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if change.ChangeType != tables.ChangeTypeRow {
			continue
		}
		rs, err := s.ReadRowSet(ctx, change)
		if err != nil {
			return err
		}
		apply(rs)
	}
	return nil
}
