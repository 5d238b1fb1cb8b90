package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/treeverse/tables/pkg/db/ddl"
	"github.com/treeverse/tables/pkg/db/params"
	"github.com/treeverse/tables/pkg/logging"
)

const migrateDriverScheme = "pgx5"

type Migrator interface {
	Migrate(ctx context.Context) error
}

type DatabaseMigrator struct {
	params params.Database
}

func NewDatabaseMigrator(params params.Database) *DatabaseMigrator {
	return &DatabaseMigrator{params: params}
}

func (d *DatabaseMigrator) Migrate(ctx context.Context) error {
	log := logging.FromContext(ctx).WithField("direction", "up")
	start := time.Now()
	if err := MigrateUp(d.params); err != nil {
		log.WithError(err).Error("Failed to migrate")
		return err
	}
	log.WithField("took", time.Since(start)).Info("schema migrated")
	return nil
}

// migrateURL points the connection string at the pgx v5 migrate driver
func migrateURL(connectionString string) (string, error) {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(connectionString, scheme) {
			return migrateDriverScheme + "://" + strings.TrimPrefix(connectionString, scheme), nil
		}
	}
	return "", fmt.Errorf("%w: expected postgres:// or postgresql://", ErrUnsupportedConnectionString)
}

func getMigrate(p params.Database) (*migrate.Migrate, error) {
	src, err := iofs.New(ddl.FS, ".")
	if err != nil {
		return nil, err
	}
	u, err := migrateURL(p.ConnectionString)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, u)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logging.Default().WithError(srcErr).Error("failed to close source driver")
	}
	if dbErr != nil {
		logging.Default().WithError(dbErr).Error("failed to close database connection")
	}
}

func MigrateUp(p params.Database) error {
	m, err := getMigrate(p)
	if err != nil {
		return err
	}
	defer closeMigrate(m)
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func MigrateDown(p params.Database) error {
	m, err := getMigrate(p)
	if err != nil {
		return err
	}
	defer closeMigrate(m)
	err = m.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func MigrateTo(p params.Database, version uint) error {
	m, err := getMigrate(p)
	if err != nil {
		return err
	}
	defer closeMigrate(m)
	err = m.Migrate(version)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// MigrateVersion returns the current schema version. A database with no schema returns
// version 0 and no error.
func MigrateVersion(p params.Database) (uint, bool, error) {
	m, err := getMigrate(p)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(m)
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}
