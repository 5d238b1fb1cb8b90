package rowcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/block/mem"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/params"
	"github.com/treeverse/tables/pkg/tables/rowcache"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/testutil"
)

const testBucket = "rows"

var testHeaders = []int64{10, 11}

type testEnv struct {
	db     db.Database
	store  *truth.Store
	cache  rowcache.CurrentVersionCache
	reader *rowcache.CachingReader
}

func newTestEnv(t *testing.T, versions rowcache.CurrentVersionCache) *testEnv {
	t.Helper()
	database, _ := testutil.GetDB(t, databaseURI)
	store := truth.NewStore(database, mem.New(), testBucket)
	if versions == nil {
		versions = rowcache.NewDBCache(database)
	}
	content, err := rowcache.NewRowContentCache(1 << 20)
	testutil.MustDo(t, "content cache", err)
	t.Cleanup(content.Close)
	reader := rowcache.NewCachingReader(store, versions, content, rowcache.Config{
		MaxCacheBehind:      params.DefaultMaxCacheBehind,
		BlobReadParallelism: 2,
	})
	return &testEnv{db: database, store: store, cache: versions, reader: reader}
}

func (e *testEnv) append(t *testing.T, tableID, version int64, rows ...*tables.Row) {
	t.Helper()
	ctx := context.Background()
	for _, r := range rows {
		r.VersionNumber = tables.Int64Ptr(version)
	}
	obj, err := e.store.WriteRowSet(ctx, tableID, testHeaders, rows)
	testutil.MustDo(t, "write row set", err)
	change := &tables.TableRowChange{
		TableID:    tableID,
		RowVersion: version,
		Etag:       uuid.New().String(),
		Headers:    testHeaders,
		CreatedBy:  "tester",
		CreatedOn:  time.Now(),
		Bucket:     obj.StorageNamespace,
		Key:        obj.Identifier,
		RowCount:   int64(len(rows)),
		ChangeType: tables.ChangeTypeRow,
	}
	_, err = e.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		return e.store.ChangeLog().Append(tx, change)
	}))
	testutil.MustDo(t, "append change", err)
}

func row(id int64, a, b string) *tables.Row {
	return &tables.Row{RowID: tables.Int64Ptr(id), Values: []*string{tables.StringPtr(a), tables.StringPtr(b)}}
}

func deleted(id int64) *tables.Row {
	return &tables.Row{RowID: tables.Int64Ptr(id)}
}

func TestCachingReader_GetLatestVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	const tableID = 1

	env.append(t, tableID, 0, row(0, "a", "b"), row(1, "c", "d"), row(2, "e", "f"))
	env.append(t, tableID, 1, row(1, "cc", "d"))
	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, nil))

	w, err := env.cache.GetLatestCurrentVersionNumber(ctx, tableID)
	testutil.MustDo(t, "watermark", err)
	require.EqualValues(t, 1, w)

	// changes after the watermark come from the change log
	env.append(t, tableID, 2, deleted(2))

	cases := []struct {
		Name       string
		RowIDs     []int64
		MinVersion int64
		Expected   map[int64]int64
	}{
		{Name: "all", RowIDs: []int64{0, 1, 2, 3}, MinVersion: truth.AllVersions, Expected: map[int64]int64{0: 0, 1: 1, 2: 2}},
		{Name: "since_1", RowIDs: []int64{0, 1, 2}, MinVersion: 1, Expected: map[int64]int64{1: 1, 2: 2}},
		{Name: "since_2", RowIDs: []int64{0, 1, 2}, MinVersion: 2, Expected: map[int64]int64{2: 2}},
		{Name: "unknown", RowIDs: []int64{7}, MinVersion: truth.AllVersions, Expected: map[int64]int64{}},
	}
	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := env.reader.GetLatestVersions(ctx, tableID, tc.RowIDs, tc.MinVersion)
			testutil.MustDo(t, "get latest versions", err)
			if diff := deep.Equal(got, tc.Expected); diff != nil {
				t.Fatalf("latest versions diff: %s", diff)
			}
			fromTruth, err := env.store.GetLatestVersions(ctx, tableID, tc.RowIDs, tc.MinVersion)
			testutil.MustDo(t, "get latest versions from truth", err)
			if diff := deep.Equal(got, fromTruth); diff != nil {
				t.Fatalf("cached answer differs from truth: %s", diff)
			}
		})
	}
}

func TestCachingReader_CacheAheadIsRemoved(t *testing.T) {
	ctx := context.Background()
	versions := rowcache.NewMemCache()
	env := newTestEnv(t, versions)
	const tableID = 2

	env.append(t, tableID, 0, row(0, "a", "b"))
	env.append(t, tableID, 1, row(0, "aa", "b"))

	// a cache claiming version 99 cannot be trusted
	err := versions.UpdateCurrentVersionNumbers(ctx, tableID, map[int64]rowcache.CachedVersion{0: {Version: 99}}, 99, nil)
	testutil.MustDo(t, "corrupt cache", err)

	got, err := env.reader.GetLatestVersions(ctx, tableID, []int64{0}, truth.AllVersions)
	testutil.MustDo(t, "get latest versions", err)
	require.Equal(t, map[int64]int64{0: 1}, got)

	w, err := versions.GetLatestCurrentVersionNumber(ctx, tableID)
	testutil.MustDo(t, "watermark", err)
	require.Equal(t, rowcache.NoWatermark, w)
}

func TestCachingReader_VerifyCurrentCacheUpToDateEnough(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, rowcache.NewMemCache())
	const tableID = 3
	var triggered []int64
	env.reader.OnStale(func(id int64) { triggered = append(triggered, id) })

	// an empty table is up to date
	testutil.MustDo(t, "verify empty", env.reader.VerifyCurrentCacheUpToDateEnough(ctx, tableID))

	env.append(t, tableID, 0, row(0, "a", "b"))
	env.append(t, tableID, 1, row(1, "a", "b"))
	testutil.MustDo(t, "verify within bound", env.reader.VerifyCurrentCacheUpToDateEnough(ctx, tableID))
	require.Empty(t, triggered)

	env.append(t, tableID, 2, row(2, "a", "b"))
	err := env.reader.VerifyCurrentCacheUpToDateEnough(ctx, tableID)
	var unavailable *tables.TableUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Verify() err=%v, expected TableUnavailableError", err)
	}
	require.ErrorIs(t, err, tables.ErrTableUnavailable)
	require.EqualValues(t, tableID, unavailable.TableID)
	require.EqualValues(t, 2, unavailable.Progress.Total)
	require.Equal(t, []int64{tableID}, triggered)

	_, err = env.reader.GetCurrentRowVersions(ctx, tableID)
	require.ErrorIs(t, err, tables.ErrTableUnavailable)

	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, nil))
	testutil.MustDo(t, "verify after update", env.reader.VerifyCurrentCacheUpToDateEnough(ctx, tableID))
}

func TestCachingReader_DoubleReplay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	const tableID = 4

	env.append(t, tableID, 0, row(0, "a", "b"), row(1, "c", "d"))
	env.append(t, tableID, 1, deleted(0))
	env.append(t, tableID, 2, row(1, "cc", "dd"), row(2, "e", "f"))

	var progressed []tables.Progress
	progress := func(p tables.Progress) { progressed = append(progressed, p) }
	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, progress))
	require.NotEmpty(t, progressed)
	first, err := env.cache.GetCurrentVersions(ctx, tableID, []int64{0, 1, 2})
	testutil.MustDo(t, "current versions", err)

	// replaying everything again from scratch leaves the cache unchanged
	err = env.cache.UpdateCurrentVersionNumbers(ctx, tableID, map[int64]rowcache.CachedVersion{
		0: {Version: 0}, 1: {Version: 0},
	}, 0, nil)
	testutil.MustDo(t, "replay old change", err)
	testutil.MustDo(t, "update cache again", env.reader.UpdateCache(ctx, tableID, nil))
	second, err := env.cache.GetCurrentVersions(ctx, tableID, []int64{0, 1, 2})
	testutil.MustDo(t, "current versions again", err)
	if diff := deep.Equal(first, second); diff != nil {
		t.Fatalf("double replay changed the cache: %s", diff)
	}
	if diff := deep.Equal(second, map[int64]int64{0: 1, 1: 2, 2: 2}); diff != nil {
		t.Fatalf("current versions diff: %s", diff)
	}

	live, err := env.reader.GetCurrentRowVersions(ctx, tableID)
	testutil.MustDo(t, "current row versions", err)
	if diff := deep.Equal(live, map[int64]int64{1: 2, 2: 2}); diff != nil {
		t.Fatalf("live row versions diff: %s", diff)
	}
}

func TestCachingReader_GetRows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	const tableID = 5

	env.append(t, tableID, 0, row(0, "a", "b"), row(1, "c", "d"), row(2, "e", "f"))
	env.append(t, tableID, 1, row(1, "cc", "dd"), deleted(2))
	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, nil))

	headers := []int64{11, 10}
	for _, pass := range []string{"cold", "warm"} {
		t.Run(pass, func(t *testing.T) {
			rows, err := env.reader.GetRows(ctx, tableID, []int64{0, 1, 2, 3}, headers)
			testutil.MustDo(t, "get rows", err)
			fromTruth, err := env.store.GetRows(ctx, tableID, []int64{0, 1, 2, 3}, headers)
			testutil.MustDo(t, "get rows from truth", err)
			if diff := deep.Equal(rows, fromTruth); diff != nil {
				t.Fatalf("cached rows differ from truth: %s", diff)
			}
			require.Len(t, rows, 2)
			require.Equal(t, "dd", *rows[1].Values[0])
			require.Equal(t, "cc", *rows[1].Values[1])
			require.EqualValues(t, 1, *rows[1].VersionNumber)
		})
	}
}

func TestCachingReader_Disabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, rowcache.NoCache{})
	const tableID = 6

	env.append(t, tableID, 0, row(0, "a", "b"), row(1, "c", "d"))
	env.append(t, tableID, 1, deleted(1))
	env.append(t, tableID, 2, row(0, "aa", "b"))
	env.append(t, tableID, 3, row(2, "x", "y"))

	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, nil))
	live, err := env.reader.GetCurrentRowVersions(ctx, tableID)
	testutil.MustDo(t, "current row versions", err)
	if diff := deep.Equal(live, map[int64]int64{0: 2, 2: 3}); diff != nil {
		t.Fatalf("live row versions diff: %s", diff)
	}
	got, err := env.reader.GetLatestVersions(ctx, tableID, []int64{0, 1}, truth.AllVersions)
	testutil.MustDo(t, "latest versions", err)
	require.Equal(t, map[int64]int64{0: 2, 1: 1}, got)
}

func TestCachingReader_WithTx(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	const tableID = 9

	env.append(t, tableID, 0, row(0, "a", "b"), row(1, "c", "d"))
	testutil.MustDo(t, "update cache", env.reader.UpdateCache(ctx, tableID, nil))

	update := []*tables.Row{row(1, "cc", "d")}
	update[0].VersionNumber = tables.Int64Ptr(1)
	obj, err := env.store.WriteRowSet(ctx, tableID, testHeaders, update)
	testutil.MustDo(t, "write row set", err)

	errRollback := errors.New("rollback")
	_, err = env.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		err := env.store.ChangeLog().Append(tx, &tables.TableRowChange{
			TableID:    tableID,
			RowVersion: 1,
			Etag:       uuid.New().String(),
			Headers:    testHeaders,
			CreatedBy:  "tester",
			CreatedOn:  time.Now(),
			Bucket:     obj.StorageNamespace,
			Key:        obj.Identifier,
			RowCount:   1,
			ChangeType: tables.ChangeTypeRow,
		})
		if err != nil {
			return err
		}
		inTx, err := env.reader.WithTx(tx).GetLatestVersions(ctx, tableID, []int64{0, 1}, truth.AllVersions)
		if err != nil {
			return err
		}
		if diff := deep.Equal(inTx, map[int64]int64{0: 0, 1: 1}); diff != nil {
			t.Errorf("versions inside the transaction diff: %s", diff)
		}
		outside, err := env.reader.GetLatestVersions(ctx, tableID, []int64{0, 1}, truth.AllVersions)
		if err != nil {
			return err
		}
		if diff := deep.Equal(outside, map[int64]int64{0: 0, 1: 0}); diff != nil {
			t.Errorf("versions outside the transaction diff: %s", diff)
		}
		return errRollback
	}))
	require.ErrorIs(t, err, errRollback)

	latest, err := env.reader.GetLatestVersions(ctx, tableID, []int64{0, 1}, truth.AllVersions)
	testutil.MustDo(t, "latest versions after rollback", err)
	if diff := deep.Equal(latest, map[int64]int64{0: 0, 1: 0}); diff != nil {
		t.Fatalf("versions after rollback diff: %s", diff)
	}
}
