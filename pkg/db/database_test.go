package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/db/params"
	"github.com/treeverse/tables/pkg/testutil"
)

func TestMigrations(t *testing.T) {
	_, connURI := testutil.GetDB(t, databaseURI, testutil.WithGetDBApplyDDL(false))
	p := params.Database{ConnectionString: connURI}

	version, _, err := db.MigrateVersion(p)
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, db.MigrateUp(p))
	version, dirty, err := db.MigrateVersion(p)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateDown(p))
	require.NoError(t, db.MigrateUp(p), "migrations must apply again after down")
}

func TestMigrateRejectsUnknownScheme(t *testing.T) {
	err := db.MigrateUp(params.Database{ConnectionString: "mysql://localhost/db"})
	require.ErrorIs(t, err, db.ErrUnsupportedConnectionString)
}

func TestTransact(t *testing.T) {
	ctx := context.Background()
	database, _ := testutil.GetDB(t, databaseURI)

	t.Run("commit", func(t *testing.T) {
		res, err := database.Transact(ctx, func(tx db.Tx) (interface{}, error) {
			_, err := tx.Exec(`INSERT INTO table_id_sequences (table_id, sequence, version) VALUES (1, 10, 2)`)
			if err != nil {
				return nil, err
			}
			var seq int64
			err = tx.GetPrimitive(&seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 1`)
			return seq, err
		})
		require.NoError(t, err)
		require.Equal(t, int64(10), res)
	})

	t.Run("rollback on error", func(t *testing.T) {
		errBoom := errors.New("boom")
		_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
			if _, err := tx.Exec(`INSERT INTO table_id_sequences (table_id, sequence, version) VALUES (2, 1, 0)`); err != nil {
				return err
			}
			return errBoom
		}))
		require.ErrorIs(t, err, errBoom)
		var seq int64
		err = database.GetPrimitive(ctx, &seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 2`)
		require.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("unique violation", func(t *testing.T) {
		_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
			_, err := tx.Exec(`INSERT INTO table_id_sequences (table_id, sequence, version) VALUES (1, 0, 0)`)
			return err
		}))
		require.ErrorIs(t, err, db.ErrAlreadyExists)
	})

	t.Run("get not found", func(t *testing.T) {
		var row struct {
			Sequence int64 `db:"sequence"`
		}
		_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
			return tx.Get(&row, `SELECT sequence FROM table_id_sequences WHERE table_id = 999`)
		}), db.ReadOnly())
		require.ErrorIs(t, err, db.ErrNotFound)
	})
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	database, _ := testutil.GetDB(t, databaseURI)
	_, err := database.Exec(ctx, `INSERT INTO table_id_sequences (table_id, sequence, version) VALUES (5, 0, 0)`)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
			var seq int64
			if err := tx.GetPrimitive(&seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 5 FOR UPDATE`); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		}), db.ReadCommitted())
		holderDone <- err
	}()
	<-locked

	_, err = database.Transact(ctx, db.Void(func(tx db.Tx) error {
		var seq int64
		return tx.GetPrimitive(&seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 5 FOR UPDATE`)
	}), db.ReadCommitted(), db.WithLockTimeout(100*time.Millisecond))
	close(release)
	require.ErrorIs(t, err, db.ErrLockTimeout)
	require.NoError(t, <-holderDone)
}

func TestInTx(t *testing.T) {
	ctx := context.Background()
	database, _ := testutil.GetDB(t, databaseURI)

	_, err := database.Transact(ctx, db.Void(func(tx db.Tx) error {
		if _, err := tx.Exec(`INSERT INTO table_id_sequences (table_id, sequence, version) VALUES (7, 3, 1)`); err != nil {
			return err
		}
		inTx := db.InTx(tx)
		var seq int64
		if err := inTx.GetPrimitive(ctx, &seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 7`); err != nil {
			return err
		}
		if seq != 3 {
			return errors.New("uncommitted row not visible through the transaction")
		}
		_, err := inTx.Transact(ctx, db.Void(func(nested db.Tx) error {
			_, err := nested.Exec(`UPDATE table_id_sequences SET sequence = 4 WHERE table_id = 7`)
			return err
		}), db.ReadOnly())
		return err
	}))
	require.NoError(t, err)

	var seq int64
	require.NoError(t, database.GetPrimitive(ctx, &seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 7`))
	require.Equal(t, int64(4), seq)

	errBoom := errors.New("boom")
	_, err = database.Transact(ctx, db.Void(func(tx db.Tx) error {
		if _, err := db.InTx(tx).Exec(ctx, `UPDATE table_id_sequences SET sequence = 9 WHERE table_id = 7`); err != nil {
			return err
		}
		return errBoom
	}))
	require.ErrorIs(t, err, errBoom)
	require.NoError(t, database.GetPrimitive(ctx, &seq, `SELECT sequence FROM table_id_sequences WHERE table_id = 7`))
	require.Equal(t, int64(4), seq, "statements through InTx roll back with the enclosing transaction")
}
