package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/treeverse/tables/pkg/cache"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/idgen"
)

const snapshotColumns = `snapshot_id, object_id, object_version, created_by, created_on, bucket, key`

// Kind selects the objects a Store keeps snapshots of
type Kind struct {
	table  string
	idType idgen.IDType
}

var (
	Tables = Kind{table: "table_snapshots", idType: idgen.TableSnapshotID}
	Views  = Kind{table: "view_snapshots", idType: idgen.ViewSnapshotID}
)

// Store records the snapshots of one kind of object, at most one per object version
type Store struct {
	db    db.Database
	idGen idgen.Generator
	kind  Kind
	ids   cache.Cache
}

type Option func(*Store)

// WithIDCache caches snapshot ids by object version. DeleteSnapshots drops the entries of this
// Store; other processes keep theirs until they expire.
func WithIDCache(c cache.Cache) Option {
	return func(s *Store) {
		s.ids = c
	}
}

func NewStore(database db.Database, idGen idgen.Generator, kind Kind, opts ...Option) *Store {
	s := &Store{
		db:    database,
		idGen: idGen,
		kind:  kind,
		ids:   cache.NoCache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSnapshot assigns a new snapshot id and records the snapshot
func (s *Store) CreateSnapshot(ctx context.Context, snap *tables.Snapshot) (*tables.Snapshot, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot", tables.ErrInvalidArgument)
	}
	if err := tables.Validate(tables.ValidateFields{
		{Name: "id", IsValid: tables.ValidateRequiredInt64(snap.ID)},
		{Name: "version", IsValid: tables.ValidateRequiredInt64(snap.Version)},
		{Name: "createdBy", IsValid: tables.ValidateRequiredString(snap.CreatedBy)},
		{Name: "createdOn", IsValid: func() error {
			if snap.CreatedOn.IsZero() {
				return tables.ErrInvalidArgument
			}
			return nil
		}},
		{Name: "bucket", IsValid: tables.ValidateRequiredString(snap.Bucket)},
		{Name: "key", IsValid: tables.ValidateRequiredString(snap.Key)},
	}); err != nil {
		return nil, err
	}
	idv := tables.NewIDAndVersion(*snap.ID, snap.Version)
	res, err := s.db.Transact(ctx, func(tx db.Tx) (interface{}, error) {
		id, err := s.idGen.Generate(tx, s.kind.idType)
		if err != nil {
			return nil, err
		}
		created := *snap
		created.SnapshotID = id
		_, err = tx.Exec(`INSERT INTO `+s.kind.table+` (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			created.SnapshotID, created.ID, created.Version, created.CreatedBy, created.CreatedOn, created.Bucket, created.Key)
		if err != nil {
			return nil, err
		}
		return &created, nil
	}, db.WithLogger(logging.FromContext(ctx).WithField("snapshot_of", idv.String())))
	if errors.Is(err, db.ErrAlreadyExists) {
		return nil, &tables.StorageError{Kind: tables.ErrAlreadyExists, Op: "snapshot already exists for:", ID: idv.String(), Cause: err}
	}
	if err != nil {
		return nil, tables.TranslateDBError("create snapshot of", idv, err)
	}
	return res.(*tables.Snapshot), nil
}

func requireVersion(idv tables.IDAndVersion) error {
	if idv.Version == nil {
		return fmt.Errorf("%w: snapshot of %s needs a version", tables.ErrInvalidArgument, idv)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, idv tables.IDAndVersion) (*tables.Snapshot, error) {
	if err := requireVersion(idv); err != nil {
		return nil, err
	}
	var snap tables.Snapshot
	err := s.db.Get(ctx, &snap, `SELECT `+snapshotColumns+` FROM `+s.kind.table+` WHERE object_id = $1 AND object_version = $2`,
		idv.ID, *idv.Version)
	if err != nil {
		return nil, tables.TranslateDBError("get snapshot of", idv, err)
	}
	return &snap, nil
}

func (s *Store) GetSnapshotID(ctx context.Context, idv tables.IDAndVersion) (int64, error) {
	if err := requireVersion(idv); err != nil {
		return 0, err
	}
	res, err := s.ids.GetOrSet(idv.String(), func() (interface{}, error) {
		return s.getSnapshotID(ctx, idv)
	})
	if errors.Is(err, cache.ErrCacheItemNotFound) {
		// a concurrent fill failed, ask the database directly
		res, err = s.getSnapshotID(ctx, idv)
	}
	if err != nil {
		return 0, tables.TranslateDBError("get snapshot of", idv, err)
	}
	return res.(int64), nil
}

func (s *Store) getSnapshotID(ctx context.Context, idv tables.IDAndVersion) (int64, error) {
	var id int64
	err := s.db.GetPrimitive(ctx, &id, `SELECT snapshot_id FROM `+s.kind.table+` WHERE object_id = $1 AND object_version = $2`,
		idv.ID, *idv.Version)
	return id, err
}

// ListSnapshots returns every snapshot, ordered by snapshot id
func (s *Store) ListSnapshots(ctx context.Context) ([]*tables.Snapshot, error) {
	var all []*tables.Snapshot
	err := s.db.Select(ctx, &all, `SELECT `+snapshotColumns+` FROM `+s.kind.table+` ORDER BY snapshot_id`)
	if err != nil {
		return nil, tables.TranslateDBError("list snapshots", nil, err)
	}
	return all, nil
}

// Restore records a snapshot with its original id. Used when loading a backup.
func (s *Store) Restore(ctx context.Context, snap *tables.Snapshot) error {
	if snap == nil || snap.ID == nil || snap.Version == nil {
		return fmt.Errorf("%w: snapshot", tables.ErrInvalidArgument)
	}
	_, err := s.db.Exec(ctx, `INSERT INTO `+s.kind.table+` (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		snap.SnapshotID, snap.ID, snap.Version, snap.CreatedBy, snap.CreatedOn, snap.Bucket, snap.Key)
	return tables.TranslateDBError("restore snapshot of", tables.NewIDAndVersion(*snap.ID, snap.Version), err)
}

// DeleteSnapshots removes every snapshot of the object and returns how many there were
func (s *Store) DeleteSnapshots(ctx context.Context, id int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.kind.table+` WHERE object_id = $1`, id)
	if err != nil {
		return 0, tables.TranslateDBError("delete snapshots of", tables.TableID(id), err)
	}
	// cache keys are per version, so drop them all
	s.ids.Purge()
	return tag.RowsAffected(), nil
}
