package blocktest

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/block"
)

// AdapterTest runs the behavior every blob adapter must share
func AdapterTest(t *testing.T, adapter block.Adapter, storageNamespace string) {
	t.Run("Adapter_PutGet", func(t *testing.T) { testAdapterPutGet(t, adapter, storageNamespace) })
	t.Run("Adapter_GetMissing", func(t *testing.T) { testAdapterGetMissing(t, adapter, storageNamespace) })
	t.Run("Adapter_Exists", func(t *testing.T) { testAdapterExists(t, adapter, storageNamespace) })
	t.Run("Adapter_Remove", func(t *testing.T) { testAdapterRemove(t, adapter, storageNamespace) })
	t.Run("Adapter_InvalidPointer", func(t *testing.T) { testAdapterInvalidPointer(t, adapter) })
}

func put(t *testing.T, adapter block.Adapter, obj block.ObjectPointer, contents string) {
	t.Helper()
	err := adapter.Put(context.Background(), obj, int64(len(contents)), strings.NewReader(contents))
	require.NoError(t, err)
}

func testAdapterPutGet(t *testing.T, adapter block.Adapter, storageNamespace string) {
	ctx := context.Background()
	obj := block.ObjectPointer{StorageNamespace: storageNamespace, Identifier: "tables/1/rows.csv.gz"}
	const contents = "ROW_ID,ROW_VERSION\n"
	put(t, adapter, obj, contents)

	reader, err := adapter.Get(ctx, obj)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, contents, string(got))
}

func testAdapterGetMissing(t *testing.T, adapter block.Adapter, storageNamespace string) {
	_, err := adapter.Get(context.Background(), block.ObjectPointer{StorageNamespace: storageNamespace, Identifier: "missing/blob"})
	require.ErrorIs(t, err, block.ErrDataNotFound)
}

func testAdapterExists(t *testing.T, adapter block.Adapter, storageNamespace string) {
	ctx := context.Background()
	obj := block.ObjectPointer{StorageNamespace: storageNamespace, Identifier: "exists/blob"}
	exists, err := adapter.Exists(ctx, obj)
	require.NoError(t, err)
	require.False(t, exists)

	put(t, adapter, obj, "data")
	exists, err = adapter.Exists(ctx, obj)
	require.NoError(t, err)
	require.True(t, exists)
}

func testAdapterRemove(t *testing.T, adapter block.Adapter, storageNamespace string) {
	ctx := context.Background()
	obj := block.ObjectPointer{StorageNamespace: storageNamespace, Identifier: "remove/blob"}
	put(t, adapter, obj, "data")
	require.NoError(t, adapter.Remove(ctx, obj))
	exists, err := adapter.Exists(ctx, obj)
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, adapter.Remove(ctx, obj), "removing a missing blob is not an error")
}

func testAdapterInvalidPointer(t *testing.T, adapter block.Adapter) {
	err := adapter.Put(context.Background(), block.ObjectPointer{}, 0, strings.NewReader(""))
	require.ErrorIs(t, err, block.ErrInvalidAddress)
}
