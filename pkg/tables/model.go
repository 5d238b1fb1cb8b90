package tables

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDAndVersion identifies a table or view, optionally at a fixed version. A nil Version names
// the current, mutable object.
type IDAndVersion struct {
	ID      int64
	Version *int64
}

func NewIDAndVersion(id int64, version *int64) IDAndVersion {
	return IDAndVersion{ID: id, Version: version}
}

// String renders the public identifier, "<id>" or "<id>.<version>"
func (i IDAndVersion) String() string {
	if i.Version == nil {
		return strconv.FormatInt(i.ID, 10)
	}
	return strconv.FormatInt(i.ID, 10) + "." + strconv.FormatInt(*i.Version, 10)
}

func ParseIDAndVersion(s string) (IDAndVersion, error) {
	idPart, versionPart, hasVersion := strings.Cut(strings.TrimSpace(s), ".")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 0 {
		return IDAndVersion{}, fmt.Errorf("%w: id '%s'", ErrInvalidArgument, s)
	}
	if !hasVersion {
		return IDAndVersion{ID: id}, nil
	}
	version, err := strconv.ParseInt(versionPart, 10, 64)
	if err != nil || version < 0 {
		return IDAndVersion{}, fmt.Errorf("%w: version in '%s'", ErrInvalidArgument, s)
	}
	return IDAndVersion{ID: id, Version: &version}, nil
}

// IDRange is a contiguous block of reserved row ids and the version stamped on all of them.
// MinimumID and MaximumID are nil when no ids were requested.
type IDRange struct {
	MinimumID     *int64
	MaximumID     *int64
	VersionNumber int64
}

func (r IDRange) Count() int64 {
	if r.MinimumID == nil || r.MaximumID == nil {
		return 0
	}
	return *r.MaximumID - *r.MinimumID + 1
}

// Row is a single row of a row set. Values are in the order of the owning row set's headers;
// nil Values marks a deleted row and a nil value is a null cell.
type Row struct {
	RowID         *int64
	VersionNumber *int64
	Values        []*string
}

func (r *Row) IsDelete() bool {
	return r.Values == nil
}

// Copy returns a deep copy of the row
func (r *Row) Copy() *Row {
	c := &Row{}
	if r.RowID != nil {
		id := *r.RowID
		c.RowID = &id
	}
	if r.VersionNumber != nil {
		v := *r.VersionNumber
		c.VersionNumber = &v
	}
	if r.Values != nil {
		c.Values = make([]*string, len(r.Values))
		for i, v := range r.Values {
			if v != nil {
				s := *v
				c.Values[i] = &s
			}
		}
	}
	return c
}

// RowSet is a set of full rows of a table. Etag, when set, is the table etag the writer based
// its changes on.
type RowSet struct {
	TableID int64
	Etag    string
	Headers []int64
	Rows    []*Row
}

// PartialRow updates a subset of a row's columns. Values are keyed by column id; a row with
// Delete set removes the row.
type PartialRow struct {
	RowID         *int64
	VersionNumber *int64
	Values        map[int64]*string
	Delete        bool
}

type PartialRowSet struct {
	TableID int64
	Etag    string
	Rows    []*PartialRow
}

type ChangeType string

const (
	ChangeTypeRow    ChangeType = "ROW"
	ChangeTypeColumn ChangeType = "COLUMN"
)

// TableRowChange is one immutable entry in a table's change log
type TableRowChange struct {
	TableID       int64      `db:"table_id"`
	RowVersion    int64      `db:"row_version"`
	Etag          string     `db:"etag"`
	Headers       []int64    `db:"column_ids"`
	CreatedBy     string     `db:"created_by"`
	CreatedOn     time.Time  `db:"created_on"`
	Bucket        string     `db:"bucket"`
	Key           string     `db:"key"`
	RowCount      int64      `db:"row_count"`
	ChangeType    ChangeType `db:"change_type"`
	TransactionID *int64     `db:"transaction_id"`
}

type TableTransaction struct {
	TransactionNumber int64     `db:"transaction_id"`
	TableID           int64     `db:"table_id"`
	StartedBy         string    `db:"started_by"`
	StartedOn         time.Time `db:"started_on"`
	Etag              string    `db:"etag"`
}

type TableState string

const (
	TableStateProcessing TableState = "PROCESSING"
	TableStateAvailable  TableState = "AVAILABLE"
	TableStateFailed     TableState = "FAILED"
)

// CanTransition reports whether a table may move from s to next. Any state may be reset to
// PROCESSING; the end states are only reachable from PROCESSING.
func (s TableState) CanTransition(next TableState) bool {
	switch next {
	case TableStateProcessing:
		return true
	case TableStateAvailable, TableStateFailed:
		return s == TableStateProcessing
	default:
		return false
	}
}

type TableStatus struct {
	TableID             int64      `db:"table_id"`
	State               TableState `db:"state"`
	ResetToken          string     `db:"reset_token"`
	StartedOn           time.Time  `db:"started_on"`
	ChangedOn           time.Time  `db:"changed_on"`
	ProgressCurrent     *int64     `db:"progress_current"`
	ProgressTotal       *int64     `db:"progress_total"`
	ProgressMessage     *string    `db:"progress_message"`
	ErrorMessage        *string    `db:"error_message"`
	ErrorDetails        *string    `db:"error_details"`
	RuntimeMS           *int64     `db:"runtime_ms"`
	LastTableChangeEtag *string    `db:"last_table_change_etag"`
	Version             *int64     `db:"version"`
}

// ViewObjectType is the kind of entity a view projects
type ViewObjectType string

const (
	ViewObjectTypeEntity     ViewObjectType = "ENTITY"
	ViewObjectTypeSubmission ViewObjectType = "SUBMISSION"
	ViewObjectTypeDataset    ViewObjectType = "DATASET"
)

func (t ViewObjectType) Valid() bool {
	switch t {
	case ViewObjectTypeEntity, ViewObjectTypeSubmission, ViewObjectTypeDataset:
		return true
	}
	return false
}

type ViewScopeType struct {
	ObjectType ViewObjectType `db:"object_type"`
	TypeMask   int64          `db:"type_mask"`
}

// Snapshot records an immutable copy of a table or view at a version
type Snapshot struct {
	SnapshotID int64     `db:"snapshot_id"`
	ID         *int64    `db:"object_id"`
	Version    *int64    `db:"object_version"`
	CreatedBy  string    `db:"created_by"`
	CreatedOn  time.Time `db:"created_on"`
	Bucket     string    `db:"bucket"`
	Key        string    `db:"key"`
}

// Progress estimates how far a background process has gone
type Progress struct {
	Current int64
	Total   int64
	Message string
}

// ProgressCallback is notified while long operations advance
type ProgressCallback func(Progress)

func Int64Ptr(v int64) *int64 {
	return &v
}

func StringPtr(s string) *string {
	return &s
}
