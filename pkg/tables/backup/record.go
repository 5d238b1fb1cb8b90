package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/sequence"
)

var ErrInvalidFormat = errors.New("invalid format")

const (
	// FormatVersion is the record format written by Dump
	FormatVersion = 2
	// legacyFormatVersion is the oldest record format Load still reads
	legacyFormatVersion = 1
)

// RecordKind names the kind of metadata a backup record holds
type RecordKind string

const (
	KindSequence      RecordKind = "sequence"
	KindTransaction   RecordKind = "transaction"
	KindChange        RecordKind = "change"
	KindStatus        RecordKind = "status"
	KindTableSnapshot RecordKind = "table_snapshot"
	KindViewSnapshot  RecordKind = "view_snapshot"
)

// Header is the first line of a backup
type Header struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
}

// Record is a line of a backup. Data holds the kind's shape of the format version the record
// was written in.
type Record struct {
	Kind          RecordKind      `json:"kind"`
	FormatVersion int             `json:"format_version"`
	Data          json.RawMessage `json:"data"`
}

// codec converts one record kind to and from its stored shape
type codec struct {
	serialize   func(v interface{}) (json.RawMessage, error)
	deserialize func(data json.RawMessage) (interface{}, error)
	// migrateLegacy rewrites data of the legacy format version in the current shape
	migrateLegacy func(data json.RawMessage) (json.RawMessage, error)
}

var codecs = map[RecordKind]codec{
	KindSequence:      jsonCodec[sequenceRecord](sameShape),
	KindTransaction:   jsonCodec[transactionRecord](sameShape),
	KindChange:        jsonCodec[changeRecord](migrateLegacyChange),
	KindStatus:        jsonCodec[statusRecord](migrateLegacyStatus),
	KindTableSnapshot: jsonCodec[snapshotRecord](sameShape),
	KindViewSnapshot:  jsonCodec[snapshotRecord](sameShape),
}

func jsonCodec[T any](migrate func(json.RawMessage) (json.RawMessage, error)) codec {
	return codec{
		serialize: func(v interface{}) (json.RawMessage, error) {
			rec, ok := v.(*T)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidFormat, v)
			}
			return json.Marshal(rec)
		},
		deserialize: func(data json.RawMessage) (interface{}, error) {
			rec := new(T)
			if err := json.Unmarshal(data, rec); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
			}
			return rec, nil
		},
		migrateLegacy: migrate,
	}
}

func sameShape(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

// NewRecord serializes v as a record of the given kind in the current format
func NewRecord(kind RecordKind, v interface{}) (*Record, error) {
	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: record kind '%s'", ErrInvalidFormat, kind)
	}
	data, err := c.serialize(v)
	if err != nil {
		return nil, err
	}
	return &Record{Kind: kind, FormatVersion: FormatVersion, Data: data}, nil
}

// Decode returns the value of the record in the current shape, migrating older records
func (r *Record) Decode() (interface{}, error) {
	c, ok := codecs[r.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: record kind '%s'", ErrInvalidFormat, r.Kind)
	}
	data := r.Data
	switch r.FormatVersion {
	case FormatVersion:
	case legacyFormatVersion:
		var err error
		if data, err = c.migrateLegacy(data); err != nil {
			return nil, fmt.Errorf("migrate %s record: %w", r.Kind, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s record format version %d", ErrInvalidFormat, r.Kind, r.FormatVersion)
	}
	return c.deserialize(data)
}

type sequenceRecord struct {
	TableID  int64 `json:"table_id"`
	Sequence int64 `json:"sequence"`
	Version  int64 `json:"version"`
}

func newSequenceRecord(s *sequence.TableSequence) *sequenceRecord {
	return &sequenceRecord{TableID: s.TableID, Sequence: s.Sequence, Version: s.Version}
}

func (r *sequenceRecord) model() *sequence.TableSequence {
	return &sequence.TableSequence{TableID: r.TableID, Current: sequence.Current{Sequence: r.Sequence, Version: r.Version}}
}

type transactionRecord struct {
	TransactionID int64     `json:"transaction_id"`
	TableID       int64     `json:"table_id"`
	StartedBy     string    `json:"started_by"`
	StartedOn     time.Time `json:"started_on"`
	Etag          string    `json:"etag"`
	Versions      []int64   `json:"versions"`
}

func newTransactionRecord(t *tables.TableTransaction, versions []int64) *transactionRecord {
	return &transactionRecord{
		TransactionID: t.TransactionNumber,
		TableID:       t.TableID,
		StartedBy:     t.StartedBy,
		StartedOn:     t.StartedOn,
		Etag:          t.Etag,
		Versions:      versions,
	}
}

func (r *transactionRecord) model() *tables.TableTransaction {
	return &tables.TableTransaction{
		TransactionNumber: r.TransactionID,
		TableID:           r.TableID,
		StartedBy:         r.StartedBy,
		StartedOn:         r.StartedOn,
		Etag:              r.Etag,
	}
}

type changeRecord struct {
	TableID       int64             `json:"table_id"`
	Version       int64             `json:"version"`
	Etag          string            `json:"etag"`
	ColumnIDs     []int64           `json:"column_ids"`
	CreatedBy     string            `json:"created_by"`
	CreatedOn     time.Time         `json:"created_on"`
	Bucket        string            `json:"bucket"`
	Key           string            `json:"key"`
	RowCount      int64             `json:"row_count"`
	ChangeType    tables.ChangeType `json:"change_type"`
	TransactionID *int64            `json:"transaction_id,omitempty"`
}

func newChangeRecord(c *tables.TableRowChange) *changeRecord {
	return &changeRecord{
		TableID:       c.TableID,
		Version:       c.RowVersion,
		Etag:          c.Etag,
		ColumnIDs:     c.Headers,
		CreatedBy:     c.CreatedBy,
		CreatedOn:     c.CreatedOn,
		Bucket:        c.Bucket,
		Key:           c.Key,
		RowCount:      c.RowCount,
		ChangeType:    c.ChangeType,
		TransactionID: c.TransactionID,
	}
}

func (r *changeRecord) model() *tables.TableRowChange {
	return &tables.TableRowChange{
		TableID:       r.TableID,
		RowVersion:    r.Version,
		Etag:          r.Etag,
		Headers:       r.ColumnIDs,
		CreatedBy:     r.CreatedBy,
		CreatedOn:     r.CreatedOn,
		Bucket:        r.Bucket,
		Key:           r.Key,
		RowCount:      r.RowCount,
		ChangeType:    r.ChangeType,
		TransactionID: r.TransactionID,
	}
}

// legacyChangeRecord kept column ids as a comma separated string and only had row changes
type legacyChangeRecord struct {
	TableID       int64     `json:"table_id"`
	Version       int64     `json:"version"`
	Etag          string    `json:"etag"`
	Columns       string    `json:"columns"`
	CreatedBy     string    `json:"created_by"`
	CreatedOn     time.Time `json:"created_on"`
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
	RowCount      int64     `json:"row_count"`
	TransactionID *int64    `json:"transaction_id,omitempty"`
}

func migrateLegacyChange(data json.RawMessage) (json.RawMessage, error) {
	var legacy legacyChangeRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	columnIDs := []int64{}
	for _, s := range strings.Split(legacy.Columns, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column id '%s'", ErrInvalidFormat, s)
		}
		columnIDs = append(columnIDs, id)
	}
	return json.Marshal(&changeRecord{
		TableID:       legacy.TableID,
		Version:       legacy.Version,
		Etag:          legacy.Etag,
		ColumnIDs:     columnIDs,
		CreatedBy:     legacy.CreatedBy,
		CreatedOn:     legacy.CreatedOn,
		Bucket:        legacy.Bucket,
		Key:           legacy.Key,
		RowCount:      legacy.RowCount,
		ChangeType:    tables.ChangeTypeRow,
		TransactionID: legacy.TransactionID,
	})
}

type statusRecord struct {
	TableID             int64             `json:"table_id"`
	State               tables.TableState `json:"state"`
	ResetToken          string            `json:"reset_token"`
	StartedOn           time.Time         `json:"started_on"`
	ChangedOn           time.Time         `json:"changed_on"`
	ProgressCurrent     *int64            `json:"progress_current,omitempty"`
	ProgressTotal       *int64            `json:"progress_total,omitempty"`
	ProgressMessage     *string           `json:"progress_message,omitempty"`
	ErrorMessage        *string           `json:"error_message,omitempty"`
	ErrorDetails        *string           `json:"error_details,omitempty"`
	RuntimeMS           *int64            `json:"runtime_ms,omitempty"`
	LastTableChangeEtag *string           `json:"last_table_change_etag,omitempty"`
	Version             *int64            `json:"version,omitempty"`
}

func newStatusRecord(s *tables.TableStatus) *statusRecord {
	return &statusRecord{
		TableID:             s.TableID,
		State:               s.State,
		ResetToken:          s.ResetToken,
		StartedOn:           s.StartedOn,
		ChangedOn:           s.ChangedOn,
		ProgressCurrent:     s.ProgressCurrent,
		ProgressTotal:       s.ProgressTotal,
		ProgressMessage:     s.ProgressMessage,
		ErrorMessage:        s.ErrorMessage,
		ErrorDetails:        s.ErrorDetails,
		RuntimeMS:           s.RuntimeMS,
		LastTableChangeEtag: s.LastTableChangeEtag,
		Version:             s.Version,
	}
}

func (r *statusRecord) model() *tables.TableStatus {
	return &tables.TableStatus{
		TableID:             r.TableID,
		State:               r.State,
		ResetToken:          r.ResetToken,
		StartedOn:           r.StartedOn,
		ChangedOn:           r.ChangedOn,
		ProgressCurrent:     r.ProgressCurrent,
		ProgressTotal:       r.ProgressTotal,
		ProgressMessage:     r.ProgressMessage,
		ErrorMessage:        r.ErrorMessage,
		ErrorDetails:        r.ErrorDetails,
		RuntimeMS:           r.RuntimeMS,
		LastTableChangeEtag: r.LastTableChangeEtag,
		Version:             r.Version,
	}
}

// legacyFailedState was the name of the failed state before it became FAILED
const legacyFailedState = "PROCESSING_FAILED"

func migrateLegacyStatus(data json.RawMessage) (json.RawMessage, error) {
	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if rec.State == legacyFailedState {
		rec.State = tables.TableStateFailed
	}
	return json.Marshal(&rec)
}

type snapshotRecord struct {
	SnapshotID    int64     `json:"snapshot_id"`
	ObjectID      int64     `json:"object_id"`
	ObjectVersion int64     `json:"object_version"`
	CreatedBy     string    `json:"created_by"`
	CreatedOn     time.Time `json:"created_on"`
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
}

func newSnapshotRecord(s *tables.Snapshot) *snapshotRecord {
	rec := &snapshotRecord{
		SnapshotID: s.SnapshotID,
		CreatedBy:  s.CreatedBy,
		CreatedOn:  s.CreatedOn,
		Bucket:     s.Bucket,
		Key:        s.Key,
	}
	if s.ID != nil {
		rec.ObjectID = *s.ID
	}
	if s.Version != nil {
		rec.ObjectVersion = *s.Version
	}
	return rec
}

func (r *snapshotRecord) model() *tables.Snapshot {
	return &tables.Snapshot{
		SnapshotID: r.SnapshotID,
		ID:         tables.Int64Ptr(r.ObjectID),
		Version:    tables.Int64Ptr(r.ObjectVersion),
		CreatedBy:  r.CreatedBy,
		CreatedOn:  r.CreatedOn,
		Bucket:     r.Bucket,
		Key:        r.Key,
	}
}
