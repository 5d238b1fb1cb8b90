package viewscope

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
)

// DefaultCRCBatchSize is the number of containers scanned per CRC query
const DefaultCRCBatchSize = 1000

type viewID int64

func (v viewID) String() string {
	return "view " + strconv.FormatInt(int64(v), 10)
}

// Entity is a replicated entity a view can project
type Entity struct {
	ID       int64  `db:"object_id"`
	ParentID int64  `db:"parent_id"`
	Etag     string `db:"etag"`
}

// Registry keeps the scope of each view: the containers it scans and the type of entities it
// projects. It also answers whether a view's source set drifted, by CRC.
type Registry struct {
	db           db.Database
	crcBatchSize int
}

type Option func(*Registry)

func WithCRCBatchSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.crcBatchSize = n
		}
	}
}

func NewRegistry(database db.Database, opts ...Option) *Registry {
	r := &Registry{db: database, crcBatchSize: DefaultCRCBatchSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func distinctSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// SetScopeAndType replaces the scope of the view and returns its new etag
func (r *Registry) SetScopeAndType(ctx context.Context, id int64, containerIDs []int64, scopeType tables.ViewScopeType) (string, error) {
	if !scopeType.ObjectType.Valid() {
		return "", fmt.Errorf("%w: object type '%s'", tables.ErrInvalidArgument, scopeType.ObjectType)
	}
	containers := distinctSorted(containerIDs)
	etag := uuid.New().String()
	_, err := r.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		_, err := tx.Exec(`INSERT INTO view_scope_types (view_id, object_type, type_mask, etag) VALUES ($1, $2, $3, $4)
			ON CONFLICT (view_id) DO UPDATE
				SET object_type = EXCLUDED.object_type, type_mask = EXCLUDED.type_mask, etag = EXCLUDED.etag`,
			id, string(scopeType.ObjectType), scopeType.TypeMask, etag)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM view_scopes WHERE view_id = $1`, id); err != nil {
			return err
		}
		if len(containers) == 0 {
			return nil
		}
		_, err = tx.Exec(`INSERT INTO view_scopes (view_id, container_id) SELECT $1, UNNEST($2::BIGINT[])`, id, containers)
		return err
	}), db.ReadCommitted(), db.WithLogger(logging.FromContext(ctx).WithField(logging.ViewIDFieldKey, id)))
	if err != nil {
		return "", tables.TranslateDBError("set scope of", viewID(id), err)
	}
	return etag, nil
}

// GetScope returns the containers of the view, ascending
func (r *Registry) GetScope(ctx context.Context, id int64) ([]int64, error) {
	res, err := r.db.Transact(ctx, func(tx db.Tx) (interface{}, error) {
		var exists bool
		if err := tx.GetPrimitive(&exists, `SELECT EXISTS (SELECT 1 FROM view_scope_types WHERE view_id = $1)`, id); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", tables.ErrNotFound, viewID(id))
		}
		containers := make([]int64, 0)
		err := tx.Select(&containers, `SELECT container_id FROM view_scopes WHERE view_id = $1 ORDER BY container_id`, id)
		return containers, err
	}, db.ReadOnly(), db.WithLogger(logging.Dummy()))
	if err != nil {
		return nil, tables.TranslateDBError("get scope of", viewID(id), err)
	}
	return res.([]int64), nil
}

func (r *Registry) GetScopeType(ctx context.Context, id int64) (*tables.ViewScopeType, error) {
	var st tables.ViewScopeType
	err := r.db.Get(ctx, &st, `SELECT object_type, type_mask FROM view_scope_types WHERE view_id = $1`, id)
	if err != nil {
		return nil, tables.TranslateDBError("get scope type of", viewID(id), err)
	}
	return &st, nil
}

func (r *Registry) GetEtag(ctx context.Context, id int64) (string, error) {
	var etag string
	err := r.db.GetPrimitive(ctx, &etag, `SELECT etag FROM view_scope_types WHERE view_id = $1`, id)
	if err != nil {
		return "", tables.TranslateDBError("get etag of", viewID(id), err)
	}
	return etag, nil
}

// Delete removes the view's scope, if any
func (r *Registry) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM view_scope_types WHERE view_id = $1`, id)
	return tables.TranslateDBError("delete scope of", viewID(id), err)
}

// ReplicateEntities records the current parent and etag of entities
func (r *Registry) ReplicateEntities(ctx context.Context, objectType tables.ViewObjectType, entities []Entity) error {
	if !objectType.Valid() {
		return fmt.Errorf("%w: object type '%s'", tables.ErrInvalidArgument, objectType)
	}
	if len(entities) == 0 {
		return nil
	}
	ids := make([]int64, len(entities))
	parents := make([]int64, len(entities))
	etags := make([]string, len(entities))
	for i, e := range entities {
		if e.Etag == "" {
			return fmt.Errorf("%w: entity %d has no etag", tables.ErrInvalidArgument, e.ID)
		}
		ids[i], parents[i], etags[i] = e.ID, e.ParentID, e.Etag
	}
	_, err := r.db.Exec(ctx, `INSERT INTO entity_replication (object_id, object_type, parent_id, etag)
		SELECT u.object_id, $1, u.parent_id, u.etag FROM UNNEST($2::BIGINT[], $3::BIGINT[], $4::TEXT[]) AS u(object_id, parent_id, etag)
		ON CONFLICT (object_id, object_type) DO UPDATE SET parent_id = EXCLUDED.parent_id, etag = EXCLUDED.etag`,
		string(objectType), ids, parents, etags)
	return tables.TranslateDBError("replicate entities", nil, err)
}

func (r *Registry) DeleteEntities(ctx context.Context, objectType tables.ViewObjectType, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM entity_replication WHERE object_type = $1 AND object_id = ANY($2)`,
		string(objectType), ids)
	return tables.TranslateDBError("delete entities", nil, err)
}

// EntityCRC is the checksum of one entity at one etag
func EntityCRC(id int64, etag string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(strconv.FormatInt(id, 10) + "-" + etag)))
}

// SumCRC combines partial checksums. The sum is independent of order and of how entities were
// split into parts.
func SumCRC(parts ...int64) int64 {
	var sum int64
	for _, p := range parts {
		sum += p
	}
	return sum
}

// CalculateCRC sums the EntityCRC of every live entity of objectType whose parent is one of
// containers. An empty container set has CRC 0.
func (r *Registry) CalculateCRC(ctx context.Context, containers []int64, objectType tables.ViewObjectType) (int64, error) {
	if !objectType.Valid() {
		return 0, fmt.Errorf("%w: object type '%s'", tables.ErrInvalidArgument, objectType)
	}
	ids := distinctSorted(containers)
	parts := make([]int64, 0, len(ids)/r.crcBatchSize+1)
	for start := 0; start < len(ids); start += r.crcBatchSize {
		end := start + r.crcBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		part, err := r.batchCRC(ctx, ids[start:end], objectType)
		if err != nil {
			return 0, err
		}
		parts = append(parts, part)
	}
	return SumCRC(parts...), nil
}

func (r *Registry) batchCRC(ctx context.Context, containers []int64, objectType tables.ViewObjectType) (int64, error) {
	rows, err := r.db.Query(ctx, `SELECT object_id, etag FROM entity_replication WHERE object_type = $1 AND parent_id = ANY($2)`,
		string(objectType), containers)
	if err != nil {
		return 0, tables.TranslateDBError("calculate crc", nil, err)
	}
	defer rows.Close()
	var sum int64
	for rows.Next() {
		var (
			id   int64
			etag string
		)
		if err := rows.Scan(&id, &etag); err != nil {
			return 0, tables.TranslateDBError("calculate crc", nil, err)
		}
		sum += EntityCRC(id, etag)
	}
	if err := rows.Err(); err != nil {
		return 0, tables.TranslateDBError("calculate crc", nil, err)
	}
	return sum, nil
}

// CheckDrift computes the CRC of the view's current source set and reports whether it differs
// from expectedCRC, the CRC the view was built from
func (r *Registry) CheckDrift(ctx context.Context, id int64, expectedCRC int64) (bool, int64, error) {
	scopeType, err := r.GetScopeType(ctx, id)
	if err != nil {
		return false, 0, err
	}
	containers, err := r.GetScope(ctx, id)
	if err != nil {
		return false, 0, err
	}
	crc, err := r.CalculateCRC(ctx, containers, scopeType.ObjectType)
	if err != nil {
		return false, 0, err
	}
	drifted := crc != expectedCRC
	if drifted {
		logging.FromContext(ctx).
			WithFields(logging.Fields{logging.ViewIDFieldKey: id, "expected_crc": expectedCRC, "crc": crc}).
			Info("View source set drifted")
	}
	return drifted, crc, nil
}
