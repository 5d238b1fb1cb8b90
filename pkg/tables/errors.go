package tables

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/treeverse/tables/pkg/db"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflictingUpdate = errors.New("conflicting update")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTableUnavailable  = errors.New("table unavailable")
	ErrTransient         = errors.New("transient failure")
	ErrStorage           = errors.New("storage failure")
)

// ConflictError names the rows whose latest version is newer than the writer's baseline
type ConflictError struct {
	TableID int64
	RowIDs  []int64
}

func NewConflictError(tableID int64, rowIDs []int64) *ConflictError {
	ids := append([]int64{}, rowIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &ConflictError{TableID: tableID, RowIDs: ids}
}

func (e *ConflictError) Error() string {
	if len(e.RowIDs) == 0 {
		return fmt.Sprintf("%s: table %d was changed since the given etag", ErrConflictingUpdate, e.TableID)
	}
	msg := fmt.Sprintf("%s: row id: %d has been changed since last read. Please get the latest value for this row and then attempt to update it again",
		ErrConflictingUpdate, e.RowIDs[0])
	if len(e.RowIDs) > 1 {
		ids := make([]string, 0, len(e.RowIDs)-1)
		for _, id := range e.RowIDs[1:] {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		msg += " (also rows " + strings.Join(ids, ", ") + ")"
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return ErrConflictingUpdate
}

// TableUnavailableError is returned while a table's derived state is being built. Progress
// lets callers decide how long to back off.
type TableUnavailableError struct {
	TableID  int64
	Reason   string
	Progress Progress
}

func (e *TableUnavailableError) Error() string {
	return fmt.Sprintf("%s: table %d: %s (%d/%d)", ErrTableUnavailable, e.TableID, e.Reason, e.Progress.Current, e.Progress.Total)
}

func (e *TableUnavailableError) Unwrap() error {
	return ErrTableUnavailable
}

// StorageError replaces a backing store failure with a message that holds only public
// identifiers. The original error stays reachable through errors.As but is never printed.
type StorageError struct {
	Kind  error
	Op    string
	ID    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.ID)
}

func (e *StorageError) Is(target error) bool {
	return target == e.Kind
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

var taxonomy = []error{
	ErrInvalidArgument,
	ErrConflictingUpdate,
	ErrNotFound,
	ErrAlreadyExists,
	ErrTableUnavailable,
	ErrTransient,
	ErrStorage,
}

func isClassified(err error) bool {
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// TranslateDBError maps an error from the database layer into this package's errors, naming
// the operation and the public id of the object it was applied to.
func TranslateDBError(op string, id fmt.Stringer, err error) error {
	if err == nil {
		return nil
	}
	idStr := ""
	if id != nil {
		idStr = id.String()
	}
	switch {
	case isClassified(err):
		return err
	case errors.Is(err, db.ErrNotFound):
		return &StorageError{Kind: ErrNotFound, Op: op, ID: idStr, Cause: err}
	case errors.Is(err, db.ErrAlreadyExists):
		return &StorageError{Kind: ErrAlreadyExists, Op: op, ID: idStr, Cause: err}
	case errors.Is(err, db.ErrLockTimeout),
		errors.Is(err, db.ErrDeadlock),
		errors.Is(err, db.ErrSerialization),
		db.IsSerializationError(err):
		return &StorageError{Kind: ErrTransient, Op: op, ID: idStr, Cause: err}
	default:
		return &StorageError{Kind: ErrStorage, Op: op, ID: idStr, Cause: err}
	}
}

// TableID is a fmt.Stringer for a bare table id
type TableID int64

func (t TableID) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// HTTPStatusCode maps an error to the status code an HTTP layer should answer with
func HTTPStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflictingUpdate):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTableUnavailable), errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
