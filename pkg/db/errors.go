package db

import (
	"errors"
	"fmt"
	"net"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgCodeUniqueViolation      = "23505"
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
	pgCodeLockNotAvailable     = "55P03"
)

var (
	ErrNotFound      = fmt.Errorf("not found: %w", pgx.ErrNoRows)
	ErrAlreadyExists = errors.New("already exists")
	ErrSerialization = errors.New("serialization error")
	ErrLockTimeout   = errors.New("lock wait timeout")
	ErrDeadlock      = errors.New("deadlock detected")

	ErrUnsupportedConnectionString = errors.New("unsupported connection string")
)

func isDialError(err error) bool {
	netError := &net.OpError{}
	return errors.As(err, &netError) && netError.Op == "dial"
}

func isPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func IsSerializationError(err error) bool {
	return isPGCode(err, pgCodeSerializationFailure)
}

func IsUniqueViolation(err error) bool {
	return isPGCode(err, pgCodeUniqueViolation)
}

// translateError maps driver errors into this package's errors. Serialization failures are
// kept intact so Transact can retry them.
func translateError(err error, query string) error {
	switch {
	case err == nil:
		return nil
	case pgxscan.NotFound(err), errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case IsUniqueViolation(err):
		return ErrAlreadyExists
	case isPGCode(err, pgCodeLockNotAvailable):
		return fmt.Errorf("%w: %s", ErrLockTimeout, err)
	case isPGCode(err, pgCodeDeadlockDetected):
		return fmt.Errorf("%w: %s", ErrDeadlock, err)
	default:
		return fmt.Errorf("query %s: %w", queryToString(query), err)
	}
}
