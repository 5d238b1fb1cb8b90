package backup_test

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/block/mem"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/backup"
	"github.com/treeverse/tables/pkg/tables/idgen"
	"github.com/treeverse/tables/pkg/tables/manager"
	"github.com/treeverse/tables/pkg/tables/rowcache"
	"github.com/treeverse/tables/pkg/tables/sequence"
	"github.com/treeverse/tables/pkg/tables/snapshot"
	"github.com/treeverse/tables/pkg/tables/status"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/tables/txlog"
	"github.com/treeverse/tables/pkg/testutil"
)

var testSchema = []*tables.ColumnModel{
	{ID: 1, Name: "name", Type: tables.ColumnTypeString},
}

func newStores(t *testing.T) backup.Stores {
	t.Helper()
	database, _ := testutil.GetDB(t, databaseURI)
	gen := idgen.NewDBGenerator()
	return backup.Stores{
		DB:             database,
		Truth:          truth.NewStore(database, mem.New(), "rows"),
		Allocator:      sequence.NewAllocator(database),
		TxLog:          txlog.NewLog(database, gen),
		Tracker:        status.NewTracker(database),
		TableSnapshots: snapshot.NewStore(database, gen, snapshot.Tables),
		ViewSnapshots:  snapshot.NewStore(database, gen, snapshot.Views),
		IDGen:          gen,
	}
}

func newManager(s backup.Stores) *manager.Manager {
	reader := rowcache.NewCachingReader(s.Truth, rowcache.NoCache{}, nil, rowcache.Config{})
	return manager.NewManager(s.DB, s.Truth, reader, s.Allocator, s.TxLog)
}

func value(s string) []*string {
	return []*string{tables.StringPtr(s)}
}

// recordLines returns the record lines of a backup, without its header
func recordLines(t *testing.T, b []byte) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, lines)
	return lines[1:]
}

func TestDumpAndLoad(t *testing.T) {
	ctx := context.Background()
	source := newStores(t)
	m := newManager(source)
	req := manager.Request{UserID: "user", Schema: testSchema}

	for _, tableID := range []int64{10, 20} {
		res, err := m.AppendRowSet(ctx, req, &tables.RowSet{TableID: tableID, Headers: []int64{1}, Rows: []*tables.Row{{Values: value("a")}, {Values: value("b")}}})
		testutil.MustDo(t, "create rows", err)
		_, err = m.AppendRowSet(ctx, req, &tables.RowSet{TableID: tableID, Headers: []int64{1}, Rows: []*tables.Row{
			{RowID: tables.Int64Ptr(0), VersionNumber: tables.Int64Ptr(res.Version), Values: value("c")},
		}})
		testutil.MustDo(t, "update row", err)
	}
	token, err := source.Tracker.ResetToProcessing(ctx, 10)
	testutil.MustDo(t, "reset status", err)
	testutil.MustDo(t, "fail status", source.Tracker.SetFailed(ctx, 10, token, "boom", "stack"))
	snap, err := source.TableSnapshots.CreateSnapshot(ctx, &tables.Snapshot{
		ID: tables.Int64Ptr(10), Version: tables.Int64Ptr(1), CreatedBy: "user", CreatedOn: time.Now(), Bucket: "b", Key: "k",
	})
	testutil.MustDo(t, "table snapshot", err)
	_, err = source.ViewSnapshots.CreateSnapshot(ctx, &tables.Snapshot{
		ID: tables.Int64Ptr(30), Version: tables.Int64Ptr(4), CreatedBy: "user", CreatedOn: time.Now(), Bucket: "b", Key: "v",
	})
	testutil.MustDo(t, "view snapshot", err)

	var dumped bytes.Buffer
	stats, err := backup.Dump(ctx, &dumped, source, "tester")
	testutil.MustDo(t, "dump", err)
	require.Equal(t, backup.Stats{
		backup.KindSequence:      2,
		backup.KindTransaction:   4,
		backup.KindChange:        4,
		backup.KindStatus:        1,
		backup.KindTableSnapshot: 1,
		backup.KindViewSnapshot:  1,
	}, stats)

	target := newStores(t)
	loaded, err := backup.Load(ctx, bytes.NewReader(dumped.Bytes()), target)
	testutil.MustDo(t, "load", err)
	require.Equal(t, stats, loaded)

	var again bytes.Buffer
	_, err = backup.Dump(ctx, &again, target, "tester")
	testutil.MustDo(t, "dump loaded", err)
	require.Equal(t, recordLines(t, dumped.Bytes()), recordLines(t, again.Bytes()))

	// loading twice leaves the same state
	_, err = backup.Load(ctx, bytes.NewReader(dumped.Bytes()), target)
	testutil.MustDo(t, "load again", err)

	// generated ids continue past the restored ones
	next, err := target.TableSnapshots.CreateSnapshot(ctx, &tables.Snapshot{
		ID: tables.Int64Ptr(10), Version: tables.Int64Ptr(0), CreatedBy: "user", CreatedOn: time.Now(), Bucket: "b", Key: "k2",
	})
	testutil.MustDo(t, "snapshot after load", err)
	require.Greater(t, next.SnapshotID, snap.SnapshotID)

	res, err := newManager(target).AppendRowSet(ctx, req, &tables.RowSet{TableID: 10, Headers: []int64{1}, Rows: []*tables.Row{{Values: value("d")}}})
	testutil.MustDo(t, "append after load", err)
	require.Equal(t, int64(2), res.Version)
	require.Equal(t, int64(2), *res.IDRange.MinimumID)

	st, err := target.Tracker.GetStatus(ctx, 10)
	testutil.MustDo(t, "restored status", err)
	require.Equal(t, tables.TableStateFailed, st.State)
	require.Equal(t, "boom", *st.ErrorMessage)
}

func TestLoadLegacy(t *testing.T) {
	ctx := context.Background()
	target := newStores(t)
	input := strings.Join([]string{
		`{"format_version":1,"created_at":"2020-01-01T00:00:00Z","created_by":"old"}`,
		`{"kind":"sequence","format_version":1,"data":{"table_id":5,"sequence":1,"version":0}}`,
		`{"kind":"change","format_version":1,"data":{"table_id":5,"version":0,"etag":"e0","columns":"1,2","created_by":"u","created_on":"2020-01-01T00:00:00Z","bucket":"b","key":"k","row_count":2}}`,
		`{"kind":"status","format_version":1,"data":{"table_id":5,"state":"PROCESSING_FAILED","reset_token":"t","started_on":"2020-01-01T00:00:00Z","changed_on":"2020-01-01T00:00:01Z"}}`,
	}, "\n")
	stats, err := backup.Load(ctx, strings.NewReader(input), target)
	testutil.MustDo(t, "load legacy", err)
	require.Equal(t, backup.Stats{backup.KindSequence: 1, backup.KindChange: 1, backup.KindStatus: 1}, stats)

	change, err := target.Truth.GetLastChange(ctx, 5)
	testutil.MustDo(t, "get change", err)
	require.Equal(t, []int64{1, 2}, change.Headers)
	require.Equal(t, tables.ChangeTypeRow, change.ChangeType)

	st, err := target.Tracker.GetStatus(ctx, 5)
	testutil.MustDo(t, "get status", err)
	require.Equal(t, tables.TableStateFailed, st.State)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	target := newStores(t)

	_, err := backup.Load(ctx, strings.NewReader(""), target)
	require.ErrorIs(t, err, backup.ErrInvalidFormat)

	_, err = backup.Load(ctx, strings.NewReader(`{"format_version":9}`), target)
	require.ErrorIs(t, err, backup.ErrInvalidFormat)

	_, err = backup.Load(ctx, strings.NewReader(`{"format_version":2}`+"\n"+`{"kind":"change"}`), target)
	require.ErrorIs(t, err, backup.ErrInvalidFormat)

	// bad records are collected and the rest still loads
	input := strings.Join([]string{
		`{"format_version":2}`,
		`{"kind":"snapshot","format_version":2,"data":{}}`,
		`{"kind":"sequence","format_version":2,"data":{"table_id":1,"sequence":-7,"version":0}}`,
		`{"kind":"sequence","format_version":2,"data":{"table_id":2,"sequence":3,"version":1}}`,
	}, "\n")
	stats, err := backup.Load(ctx, strings.NewReader(input), target)
	require.ErrorIs(t, err, backup.ErrInvalidFormat)
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
	require.Equal(t, backup.Stats{backup.KindSequence: 1}, stats)
}
