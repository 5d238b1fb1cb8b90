package idgen_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/idgen"
	"github.com/treeverse/tables/pkg/testutil"
)

func TestDBGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	database, _ := testutil.GetDB(t, databaseURI)
	g := idgen.NewDBGenerator()

	generate := func(t *testing.T, idType idgen.IDType) int64 {
		t.Helper()
		res, err := database.Transact(ctx, func(tx db.Tx) (interface{}, error) {
			return g.Generate(tx, idType)
		})
		testutil.MustDo(t, "generate "+string(idType), err)
		return res.(int64)
	}

	first := generate(t, idgen.TableTransactionID)
	second := generate(t, idgen.TableTransactionID)
	require.Greater(t, second, first)

	// namespaces are independent
	require.Equal(t, int64(1), generate(t, idgen.TableSnapshotID))
	require.Equal(t, int64(1), generate(t, idgen.ViewSnapshotID))

	_, err := database.Transact(ctx, func(tx db.Tx) (interface{}, error) {
		return g.Generate(tx, "users_seq")
	})
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
}

func TestDBGenerator_EnsureAbove(t *testing.T) {
	ctx := context.Background()
	database, _ := testutil.GetDB(t, databaseURI)
	g := idgen.NewDBGenerator()

	ensureAbove := func(id int64) {
		t.Helper()
		_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
			return g.EnsureAbove(tx, idgen.TableSnapshotID, id)
		}))
		testutil.MustDo(t, "ensure above", err)
	}
	generate := func() int64 {
		t.Helper()
		res, err := database.Transact(ctx, func(tx db.Tx) (interface{}, error) {
			return g.Generate(tx, idgen.TableSnapshotID)
		})
		testutil.MustDo(t, "generate", err)
		return res.(int64)
	}

	ensureAbove(40)
	require.Equal(t, int64(41), generate())
	// never moves backwards
	ensureAbove(10)
	require.Equal(t, int64(42), generate())
}
