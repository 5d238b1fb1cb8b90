package viewscope_test

import (
	"context"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/viewscope"
	"github.com/treeverse/tables/pkg/testutil"
)

func newRegistry(t *testing.T, opts ...viewscope.Option) *viewscope.Registry {
	t.Helper()
	database, _ := testutil.GetDB(t, databaseURI)
	return viewscope.NewRegistry(database, opts...)
}

func TestEntityCRC(t *testing.T) {
	require.EqualValues(t, crc32.ChecksumIEEE([]byte("12-abc")), viewscope.EntityCRC(12, "abc"))
	require.Zero(t, viewscope.SumCRC())
	require.Equal(t, viewscope.SumCRC(1, 2, 3), viewscope.SumCRC(3, viewscope.SumCRC(2, 1)))
}

func TestRegistry_SetScopeAndType(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	const viewID = 1

	_, err := r.GetScope(ctx, viewID)
	require.ErrorIs(t, err, tables.ErrNotFound)
	_, err = r.GetScopeType(ctx, viewID)
	require.ErrorIs(t, err, tables.ErrNotFound)

	scopeType := tables.ViewScopeType{ObjectType: tables.ViewObjectTypeEntity, TypeMask: 3}
	etag1, err := r.SetScopeAndType(ctx, viewID, []int64{30, 10, 20, 10}, scopeType)
	testutil.MustDo(t, "set scope", err)
	scope, err := r.GetScope(ctx, viewID)
	testutil.MustDo(t, "get scope", err)
	require.Equal(t, []int64{10, 20, 30}, scope)
	gotType, err := r.GetScopeType(ctx, viewID)
	testutil.MustDo(t, "get scope type", err)
	require.Equal(t, scopeType, *gotType)

	etag2, err := r.SetScopeAndType(ctx, viewID, []int64{40}, tables.ViewScopeType{ObjectType: tables.ViewObjectTypeDataset})
	testutil.MustDo(t, "replace scope", err)
	require.NotEqual(t, etag1, etag2)
	etag, err := r.GetEtag(ctx, viewID)
	testutil.MustDo(t, "get etag", err)
	require.Equal(t, etag2, etag)
	scope, err = r.GetScope(ctx, viewID)
	testutil.MustDo(t, "get replaced scope", err)
	require.Equal(t, []int64{40}, scope)

	_, err = r.SetScopeAndType(ctx, viewID, nil, tables.ViewScopeType{ObjectType: tables.ViewObjectTypeSubmission})
	testutil.MustDo(t, "empty scope", err)
	scope, err = r.GetScope(ctx, viewID)
	testutil.MustDo(t, "get empty scope", err)
	require.Empty(t, scope)

	_, err = r.SetScopeAndType(ctx, viewID, []int64{1}, tables.ViewScopeType{ObjectType: "TABLE"})
	require.ErrorIs(t, err, tables.ErrInvalidArgument)

	testutil.MustDo(t, "delete", r.Delete(ctx, viewID))
	testutil.MustDo(t, "delete again", r.Delete(ctx, viewID))
	_, err = r.GetScope(ctx, viewID)
	require.ErrorIs(t, err, tables.ErrNotFound)
}

func TestRegistry_CalculateCRC(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	small := newRegistry(t, viewscope.WithCRCBatchSize(2))

	entities := []viewscope.Entity{
		{ID: 1, ParentID: 100, Etag: "e1"},
		{ID: 2, ParentID: 100, Etag: "e2"},
		{ID: 3, ParentID: 200, Etag: "e3"},
		{ID: 4, ParentID: 300, Etag: "e4"},
		{ID: 5, ParentID: 400, Etag: "e5"},
	}
	for _, reg := range []*viewscope.Registry{r, small} {
		testutil.MustDo(t, "replicate", reg.ReplicateEntities(ctx, tables.ViewObjectTypeEntity, entities))
		// same ids under another type are not counted
		testutil.MustDo(t, "replicate files", reg.ReplicateEntities(ctx, tables.ViewObjectTypeDataset, entities[:2]))
	}

	expected := viewscope.SumCRC(
		viewscope.EntityCRC(1, "e1"), viewscope.EntityCRC(2, "e2"),
		viewscope.EntityCRC(3, "e3"), viewscope.EntityCRC(4, "e4"))

	cases := []struct {
		Name       string
		Registry   *viewscope.Registry
		Containers []int64
		Expected   int64
	}{
		{Name: "empty", Registry: r, Containers: nil, Expected: 0},
		{Name: "unknown_containers", Registry: r, Containers: []int64{999}, Expected: 0},
		{Name: "ordered", Registry: r, Containers: []int64{100, 200, 300}, Expected: expected},
		{Name: "reordered", Registry: r, Containers: []int64{300, 100, 200, 100}, Expected: expected},
		{Name: "batched", Registry: small, Containers: []int64{300, 200, 100}, Expected: expected},
		{Name: "single", Registry: small, Containers: []int64{400}, Expected: viewscope.EntityCRC(5, "e5")},
	}
	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			crc, err := tc.Registry.CalculateCRC(ctx, tc.Containers, tables.ViewObjectTypeEntity)
			testutil.MustDo(t, "calculate crc", err)
			require.Equal(t, tc.Expected, crc)
		})
	}

	// partitions sum to the whole
	left, err := r.CalculateCRC(ctx, []int64{100}, tables.ViewObjectTypeEntity)
	testutil.MustDo(t, "left", err)
	right, err := r.CalculateCRC(ctx, []int64{200, 300}, tables.ViewObjectTypeEntity)
	testutil.MustDo(t, "right", err)
	require.Equal(t, expected, viewscope.SumCRC(left, right))

	_, err = r.CalculateCRC(ctx, []int64{100}, "TABLE")
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
}

func TestRegistry_CheckDrift(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	const viewID = 7

	_, _, err := r.CheckDrift(ctx, viewID, 0)
	require.ErrorIs(t, err, tables.ErrNotFound)

	_, err = r.SetScopeAndType(ctx, viewID, []int64{10}, tables.ViewScopeType{ObjectType: tables.ViewObjectTypeEntity})
	testutil.MustDo(t, "set scope", err)
	testutil.MustDo(t, "replicate", r.ReplicateEntities(ctx, tables.ViewObjectTypeEntity, []viewscope.Entity{
		{ID: 1, ParentID: 10, Etag: "a"},
		{ID: 2, ParentID: 10, Etag: "b"},
	}))
	drifted, built, err := r.CheckDrift(ctx, viewID, 0)
	testutil.MustDo(t, "check drift", err)
	require.True(t, drifted)

	drifted, _, err = r.CheckDrift(ctx, viewID, built)
	testutil.MustDo(t, "check unchanged", err)
	require.False(t, drifted)

	// an entity changing etag drifts the view
	testutil.MustDo(t, "update entity", r.ReplicateEntities(ctx, tables.ViewObjectTypeEntity, []viewscope.Entity{{ID: 2, ParentID: 10, Etag: "c"}}))
	drifted, _, err = r.CheckDrift(ctx, viewID, built)
	testutil.MustDo(t, "check changed", err)
	require.True(t, drifted)

	// so does an entity leaving the scope
	testutil.MustDo(t, "restore entity", r.ReplicateEntities(ctx, tables.ViewObjectTypeEntity, []viewscope.Entity{{ID: 2, ParentID: 10, Etag: "b"}}))
	testutil.MustDo(t, "delete entity", r.DeleteEntities(ctx, tables.ViewObjectTypeEntity, []int64{1}))
	drifted, crc, err := r.CheckDrift(ctx, viewID, built)
	testutil.MustDo(t, "check deleted", err)
	require.True(t, drifted)
	require.Equal(t, viewscope.EntityCRC(2, "b"), crc)

	err = r.ReplicateEntities(ctx, tables.ViewObjectTypeEntity, []viewscope.Entity{{ID: 3, ParentID: 10}})
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
}
