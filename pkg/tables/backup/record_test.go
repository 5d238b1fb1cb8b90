package backup

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/tables"
)

func TestRecord_Current(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	change := &tables.TableRowChange{
		TableID:       5,
		RowVersion:    2,
		Etag:          "etag",
		Headers:       []int64{1, 2},
		CreatedBy:     "user",
		CreatedOn:     created,
		Bucket:        "b",
		Key:           "k",
		RowCount:      3,
		ChangeType:    tables.ChangeTypeRow,
		TransactionID: tables.Int64Ptr(9),
	}
	rec, err := NewRecord(KindChange, newChangeRecord(change))
	require.NoError(t, err)
	require.Equal(t, FormatVersion, rec.FormatVersion)

	v, err := rec.Decode()
	require.NoError(t, err)
	if diff := deep.Equal(v.(*changeRecord).model(), change); diff != nil {
		t.Fatalf("decoded change diff: %s", diff)
	}

	_, err = NewRecord(KindChange, newStatusRecord(&tables.TableStatus{}))
	require.ErrorIs(t, err, ErrInvalidFormat)
	_, err = NewRecord("unknown", change)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestRecord_MigrateLegacy(t *testing.T) {
	cases := []struct {
		name   string
		kind   RecordKind
		data   string
		verify func(t *testing.T, v interface{})
	}{
		{
			name: "change columns string",
			kind: KindChange,
			data: `{"table_id":3,"version":1,"etag":"e","columns":"10, 11,12","created_by":"u","bucket":"b","key":"k","row_count":2}`,
			verify: func(t *testing.T, v interface{}) {
				c := v.(*changeRecord)
				require.Equal(t, []int64{10, 11, 12}, c.ColumnIDs)
				require.Equal(t, tables.ChangeTypeRow, c.ChangeType)
				require.Equal(t, int64(1), c.Version)
			},
		},
		{
			name: "change without columns",
			kind: KindChange,
			data: `{"table_id":3,"version":0,"etag":"e","columns":"","created_by":"u","bucket":"b","key":"k"}`,
			verify: func(t *testing.T, v interface{}) {
				require.Equal(t, []int64{}, v.(*changeRecord).ColumnIDs)
			},
		},
		{
			name: "failed status",
			kind: KindStatus,
			data: `{"table_id":4,"state":"PROCESSING_FAILED","reset_token":"t","error_message":"boom"}`,
			verify: func(t *testing.T, v interface{}) {
				s := v.(*statusRecord)
				require.Equal(t, tables.TableStateFailed, s.State)
				require.Equal(t, "boom", *s.ErrorMessage)
			},
		},
		{
			name: "available status",
			kind: KindStatus,
			data: `{"table_id":4,"state":"AVAILABLE","reset_token":"t"}`,
			verify: func(t *testing.T, v interface{}) {
				require.Equal(t, tables.TableStateAvailable, v.(*statusRecord).State)
			},
		},
		{
			name: "snapshot",
			kind: KindViewSnapshot,
			data: `{"snapshot_id":8,"object_id":2,"object_version":1,"created_by":"u","bucket":"b","key":"k"}`,
			verify: func(t *testing.T, v interface{}) {
				require.Equal(t, int64(8), v.(*snapshotRecord).SnapshotID)
			},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{Kind: tt.kind, FormatVersion: legacyFormatVersion, Data: json.RawMessage(tt.data)}
			v, err := rec.Decode()
			require.NoError(t, err)
			tt.verify(t, v)
		})
	}
}

func TestRecord_DecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
	}{
		{name: "future format", rec: Record{Kind: KindChange, FormatVersion: FormatVersion + 1, Data: json.RawMessage(`{}`)}},
		{name: "unknown kind", rec: Record{Kind: "blob", FormatVersion: FormatVersion, Data: json.RawMessage(`{}`)}},
		{name: "bad data", rec: Record{Kind: KindSequence, FormatVersion: FormatVersion, Data: json.RawMessage(`[1]`)}},
		{name: "bad legacy columns", rec: Record{Kind: KindChange, FormatVersion: legacyFormatVersion, Data: json.RawMessage(`{"columns":"1,x"}`)}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rec.Decode()
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}
