package truth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/truth"
)

type fakeLookup struct {
	// history maps version to the rows it touched
	history   map[int64][]int64
	etags     map[string]int64
	minAsked  int64
	lookupErr error
}

func (f *fakeLookup) GetLatestVersions(_ context.Context, _ int64, rowIDs []int64, minVersion int64) (map[int64]int64, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	f.minAsked = minVersion
	latest := make(map[int64]int64)
	for version, rows := range f.history {
		if version < minVersion {
			continue
		}
		for _, r := range rows {
			for _, want := range rowIDs {
				if r == want && version >= latest[r] {
					latest[r] = version
				}
			}
		}
	}
	return latest, nil
}

func (f *fakeLookup) GetVersionForEtag(_ context.Context, _ int64, etag string) (int64, error) {
	v, ok := f.etags[etag]
	if !ok {
		return 0, tables.ErrNotFound
	}
	return v, nil
}

func updateRow(id, version int64) *tables.Row {
	return &tables.Row{RowID: tables.Int64Ptr(id), VersionNumber: tables.Int64Ptr(version), Values: []*string{tables.StringPtr("x")}}
}

func TestCheckForRowLevelConflict(t *testing.T) {
	lookup := &fakeLookup{
		history: map[int64][]int64{
			0: {0, 1, 2},
			1: {1},
			2: {2, 5},
		},
		etags: map[string]int64{"e0": 0, "e1": 1, "e2": 2},
	}
	tests := []struct {
		name      string
		delta     *tables.RowSet
		minVer    int64
		conflicts []int64
		wantErr   error
	}{
		{name: "new rows only", delta: &tables.RowSet{Rows: []*tables.Row{{Values: []*string{nil}}}}},
		{name: "row at latest", delta: &tables.RowSet{Rows: []*tables.Row{updateRow(1, 1)}}},
		{name: "stale row", delta: &tables.RowSet{Rows: []*tables.Row{updateRow(1, 0)}}, conflicts: []int64{1}},
		{name: "all stale rows collected", delta: &tables.RowSet{Rows: []*tables.Row{updateRow(2, 0), updateRow(1, 0), updateRow(0, 0)}}, conflicts: []int64{1, 2}},
		{name: "last stated version wins", delta: &tables.RowSet{Rows: []*tables.Row{updateRow(1, 0), updateRow(1, 1)}}},
		{name: "etag current", delta: &tables.RowSet{Etag: "e2", Rows: []*tables.Row{updateRow(2, 0)}}},
		{name: "etag stale", delta: &tables.RowSet{Etag: "e1", Rows: []*tables.Row{updateRow(0, 0), updateRow(5, 0)}}, conflicts: []int64{5}},
		{name: "unknown etag", delta: &tables.RowSet{Etag: "nope", Rows: []*tables.Row{updateRow(0, 0)}}, wantErr: tables.ErrNotFound},
		{name: "missing version", delta: &tables.RowSet{Rows: []*tables.Row{{RowID: tables.Int64Ptr(1), Values: []*string{nil}}}}, wantErr: tables.ErrInvalidArgument},
		{name: "floor hides old changes", delta: &tables.RowSet{Rows: []*tables.Row{updateRow(1, 0)}}, minVer: 2},
		{name: "delete of stale row", delta: &tables.RowSet{Rows: []*tables.Row{{RowID: tables.Int64Ptr(5), VersionNumber: tables.Int64Ptr(1)}}}, conflicts: []int64{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.delta.TableID = 3
			err := truth.CheckForRowLevelConflict(context.Background(), lookup, tt.delta, tt.minVer)
			if tt.conflicts == nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CheckForRowLevelConflict() error = %v, expected %v", err, tt.wantErr)
				}
				return
			}
			var conflict *tables.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("CheckForRowLevelConflict() error = %v, expected conflict", err)
			}
			require.ErrorIs(t, err, tables.ErrConflictingUpdate)
			require.Equal(t, tt.conflicts, conflict.RowIDs)
			require.Equal(t, int64(3), conflict.TableID)
		})
	}
}

func TestCheckForRowLevelConflict_PassesFloor(t *testing.T) {
	lookup := &fakeLookup{history: map[int64][]int64{}}
	delta := &tables.RowSet{TableID: 1, Rows: []*tables.Row{updateRow(1, 0)}}
	require.NoError(t, truth.CheckForRowLevelConflict(context.Background(), lookup, delta, 7))
	require.Equal(t, int64(7), lookup.minAsked)

	lookup.lookupErr = tables.ErrTransient
	require.ErrorIs(t, truth.CheckForRowLevelConflict(context.Background(), lookup, delta, truth.AllVersions), tables.ErrTransient)
}
