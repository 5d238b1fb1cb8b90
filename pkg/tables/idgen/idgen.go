package idgen

import (
	"fmt"

	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
)

// IDType names a separate id namespace, each backed by its own database sequence
type IDType string

const (
	TableTransactionID IDType = "table_transaction_id_seq"
	TableSnapshotID    IDType = "table_snapshot_id_seq"
	ViewSnapshotID     IDType = "view_snapshot_id_seq"
)

func (t IDType) valid() bool {
	switch t {
	case TableTransactionID, TableSnapshotID, ViewSnapshotID:
		return true
	}
	return false
}

type Generator interface {
	// Generate returns a new id of the given type. Ids are unique and increasing per type but
	// not contiguous, since an aborted transaction still consumes its id.
	Generate(tx db.Tx, t IDType) (int64, error)
}

type DBGenerator struct{}

func NewDBGenerator() *DBGenerator {
	return &DBGenerator{}
}

func (g *DBGenerator) Generate(tx db.Tx, t IDType) (int64, error) {
	if !t.valid() {
		return 0, fmt.Errorf("%w: id type '%s'", tables.ErrInvalidArgument, t)
	}
	var id int64
	if err := tx.GetPrimitive(&id, `SELECT nextval($1::text::regclass)`, string(t)); err != nil {
		return 0, fmt.Errorf("next %s: %w", t, err)
	}
	return id, nil
}

// EnsureAbove moves the sequence of t so that ids it generates next are greater than id. It
// never moves a sequence backwards.
func (g *DBGenerator) EnsureAbove(tx db.Tx, t IDType, id int64) error {
	if !t.valid() {
		return fmt.Errorf("%w: id type '%s'", tables.ErrInvalidArgument, t)
	}
	_, err := tx.Exec(`SELECT setval($1::text::regclass, GREATEST($2::BIGINT, COALESCE(pg_sequence_last_value($1::text::regclass), 1)))`,
		string(t), id)
	if err != nil {
		return fmt.Errorf("advance %s: %w", t, err)
	}
	return nil
}
