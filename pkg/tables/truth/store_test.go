package truth_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/block/mem"
	"github.com/treeverse/tables/pkg/cache"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/testutil"
)

const testBucket = "rows"

func newTestStore(t *testing.T) (db.Database, *truth.Store) {
	t.Helper()
	database, _ := testutil.GetDB(t, databaseURI)
	store := truth.NewStore(database, mem.New(), testBucket,
		truth.WithChangeCache(cache.NewCache(100, time.Minute, nil)))
	return database, store
}

func appendRows(t *testing.T, database db.Database, store *truth.Store, tableID, version int64, headers []int64, rows []*tables.Row) *tables.TableRowChange {
	t.Helper()
	ctx := context.Background()
	for _, r := range rows {
		r.VersionNumber = tables.Int64Ptr(version)
	}
	obj, err := store.WriteRowSet(ctx, tableID, headers, rows)
	testutil.MustDo(t, "write row set", err)
	change := &tables.TableRowChange{
		TableID:    tableID,
		RowVersion: version,
		Etag:       uuid.New().String(),
		Headers:    headers,
		CreatedBy:  "tester",
		CreatedOn:  time.Now().UTC().Truncate(time.Microsecond),
		Bucket:     obj.StorageNamespace,
		Key:        obj.Identifier,
		RowCount:   int64(len(rows)),
		ChangeType: tables.ChangeTypeRow,
	}
	_, err = database.Transact(ctx, db.Void(func(tx db.Tx) error {
		return store.ChangeLog().Append(tx, change)
	}))
	testutil.MustDo(t, "append change", err)
	return change
}

func liveRow(id int64, values ...string) *tables.Row {
	r := &tables.Row{RowID: tables.Int64Ptr(id), Values: make([]*string, len(values))}
	for i := range values {
		r.Values[i] = tables.StringPtr(values[i])
	}
	return r
}

func deletedRow(id int64) *tables.Row {
	return &tables.Row{RowID: tables.Int64Ptr(id)}
}

func TestStore_ChangeLog(t *testing.T) {
	ctx := context.Background()
	database, store := newTestStore(t)
	const tableID = 1

	_, err := store.GetLastChange(ctx, tableID)
	require.ErrorIs(t, err, tables.ErrNotFound)

	c0 := appendRows(t, database, store, tableID, 0, []int64{10}, []*tables.Row{liveRow(0, "a"), liveRow(1, "b")})
	c1 := appendRows(t, database, store, tableID, 1, []int64{10}, []*tables.Row{liveRow(1, "bb")})
	c2 := appendRows(t, database, store, tableID, 2, []int64{10}, []*tables.Row{deletedRow(0)})

	last, err := store.GetLastChange(ctx, tableID)
	testutil.MustDo(t, "get last change", err)
	if diff := deep.Equal(last, c2); diff != nil {
		t.Fatal("GetLastChange()", diff)
	}

	got, err := store.GetChange(ctx, tableID, 1)
	testutil.MustDo(t, "get change", err)
	if diff := deep.Equal(got, c1); diff != nil {
		t.Fatal("GetChange()", diff)
	}
	_, err = store.GetChange(ctx, tableID, 9)
	require.ErrorIs(t, err, tables.ErrNotFound)
	require.Equal(t, "not found: get change 1.9", err.Error())

	changes, err := store.ListChangesSince(ctx, tableID, 1)
	testutil.MustDo(t, "list changes", err)
	require.Len(t, changes, 2)
	require.Equal(t, []int64{1, 2}, []int64{changes[0].RowVersion, changes[1].RowVersion})

	v, err := store.GetVersionForEtag(ctx, tableID, c0.Etag)
	testutil.MustDo(t, "get version for etag", err)
	require.Equal(t, int64(0), v)
	_, err = store.GetVersionForEtag(ctx, tableID, uuid.New().String())
	require.ErrorIs(t, err, tables.ErrNotFound)

	count, err := store.CountChangesAfter(ctx, tableID, 0)
	testutil.MustDo(t, "count changes", err)
	require.Equal(t, int64(2), count)

	ids, err := store.ListTableIDs(ctx)
	testutil.MustDo(t, "list table ids", err)
	require.Equal(t, []int64{tableID}, ids)

	// history is append only: a version can not be written twice
	_, err = database.Transact(ctx, db.Void(func(tx db.Tx) error {
		dup := *c1
		dup.Etag = uuid.New().String()
		return store.ChangeLog().Append(tx, &dup)
	}))
	require.ErrorIs(t, err, tables.ErrAlreadyExists)
}

func TestStore_ReadRows(t *testing.T) {
	ctx := context.Background()
	database, store := newTestStore(t)
	const tableID = 2

	appendRows(t, database, store, tableID, 0, []int64{10, 11}, []*tables.Row{liveRow(0, "a", "x"), liveRow(1, "b", "y"), liveRow(2, "c", "z")})
	appendRows(t, database, store, tableID, 1, []int64{11, 10}, []*tables.Row{liveRow(1, "yy", "bb")})
	appendRows(t, database, store, tableID, 2, []int64{10, 11}, []*tables.Row{deletedRow(2)})

	latest, err := store.GetLatestVersions(ctx, tableID, []int64{0, 1, 2, 77}, truth.AllVersions)
	testutil.MustDo(t, "latest versions", err)
	if diff := deep.Equal(latest, map[int64]int64{0: 0, 1: 1, 2: 2}); diff != nil {
		t.Fatal("GetLatestVersions()", diff)
	}

	latest, err = store.GetLatestVersions(ctx, tableID, []int64{0, 1, 2}, 1)
	testutil.MustDo(t, "latest versions since 1", err)
	if diff := deep.Equal(latest, map[int64]int64{1: 1, 2: 2}); diff != nil {
		t.Fatal("GetLatestVersions() with floor", diff)
	}

	rows, err := store.GetRows(ctx, tableID, []int64{0, 1, 2}, []int64{10, 11})
	testutil.MustDo(t, "get rows", err)
	require.Len(t, rows, 2, "deleted row is absent")
	require.Equal(t, "bb", *rows[1].Values[0])
	require.Equal(t, "yy", *rows[1].Values[1])
	require.Equal(t, int64(1), *rows[1].VersionNumber)

	change, err := store.GetChange(ctx, tableID, 0)
	testutil.MustDo(t, "get change", err)
	rs, err := store.ReadRowSet(ctx, change)
	testutil.MustDo(t, "read row set", err)
	require.Len(t, rs.Rows, 3)
	require.Equal(t, change.Etag, rs.Etag)

	require.NoError(t, store.RemoveRowSet(ctx, change))
	_, err = store.ReadRowSet(ctx, change)
	require.ErrorIs(t, err, tables.ErrNotFound)
}

func TestChangeLog_DeleteAllChanges(t *testing.T) {
	ctx := context.Background()
	database, store := newTestStore(t)
	appendRows(t, database, store, 3, 0, []int64{1}, []*tables.Row{liveRow(0, "a")})
	appendRows(t, database, store, 3, 1, []int64{1}, []*tables.Row{liveRow(0, "b")})
	appendRows(t, database, store, 4, 0, []int64{1}, []*tables.Row{liveRow(0, "c")})

	res, err := database.Transact(ctx, func(tx db.Tx) (interface{}, error) {
		return store.ChangeLog().DeleteAllChanges(tx, 3)
	})
	testutil.MustDo(t, "delete all changes", err)
	require.Len(t, res.([]*tables.TableRowChange), 2)

	_, err = store.GetLastChange(ctx, 3)
	require.ErrorIs(t, err, tables.ErrNotFound)
	_, err = store.GetLastChange(ctx, 4)
	require.NoError(t, err)

	_, err = database.Transact(ctx, db.Void(store.ChangeLog().TruncateAll))
	testutil.MustDo(t, "truncate", err)
	_, err = store.GetLastChange(ctx, 4)
	require.ErrorIs(t, err, tables.ErrNotFound)
}
