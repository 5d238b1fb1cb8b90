package rowset_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/rowset"
)

func str(s string) *string { return &s }

func row(id, version int64, values ...*string) *tables.Row {
	r := &tables.Row{RowID: tables.Int64Ptr(id), VersionNumber: tables.Int64Ptr(version)}
	if values != nil {
		r.Values = values
	}
	return r
}

func TestEncodeDecode(t *testing.T) {
	headers := []int64{7, 8}
	rows := []*tables.Row{
		row(0, 3, str("a,b"), nil),
		row(1, 3, str("line\nbreak"), str("\"quoted\"")),
		row(2, 3), // delete
	}
	var buf bytes.Buffer
	require.NoError(t, rowset.Encode(&buf, headers, rows))

	gotHeaders, gotRows, err := rowset.Decode(&buf)
	require.NoError(t, err)
	if diff := deep.Equal(gotHeaders, headers); diff != nil {
		t.Fatal("Decode() headers", diff)
	}
	if diff := deep.Equal(gotRows, rows); diff != nil {
		t.Fatal("Decode() rows", diff)
	}
	require.True(t, gotRows[2].IsDelete())
}

func TestEncode_PlainFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, rowset.Encode(&buf, []int64{5}, []*tables.Row{row(1, 2, str("x"))}))
	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	var plain bytes.Buffer
	_, err = plain.ReadFrom(zr)
	require.NoError(t, err)
	require.Equal(t, "ROW_ID,ROW_VERSION,5\n1,2,x\n", plain.String())
}

func TestEncode_RequiresIDs(t *testing.T) {
	err := rowset.Encode(&bytes.Buffer{}, []int64{1}, []*tables.Row{{Values: []*string{str("a")}}})
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
}

func TestDecode_BadInput(t *testing.T) {
	_, _, err := rowset.Decode(strings.NewReader("not gzip"))
	require.ErrorIs(t, err, rowset.ErrBadFormat)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("A,B\n1,2\n"))
	require.NoError(t, zw.Close())
	_, _, err = rowset.Decode(&buf)
	require.ErrorIs(t, err, rowset.ErrBadFormat)
}

func TestPartialEncodeDecode(t *testing.T) {
	set := &tables.PartialRowSet{
		TableID: 42,
		Etag:    "etag-1",
		Rows: []*tables.PartialRow{
			{RowID: tables.Int64Ptr(1), VersionNumber: tables.Int64Ptr(2), Values: map[int64]*string{10: str("<b>&"), 11: nil}},
			{RowID: tables.Int64Ptr(3), Delete: true},
			{Values: map[int64]*string{10: str("new")}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, rowset.EncodePartial(&buf, set))
	got, err := rowset.DecodePartial(&buf)
	require.NoError(t, err)
	if diff := deep.Equal(got, set); diff != nil {
		t.Fatal("DecodePartial()", diff)
	}
}

func TestMergePartialRow(t *testing.T) {
	headers := []int64{10, 11, 12}
	current := row(5, 2, str("a"), str("b"), str("c"))

	merged, err := rowset.MergePartialRow(headers, current, &tables.PartialRow{
		RowID:  tables.Int64Ptr(5),
		Values: map[int64]*string{11: str("B"), 12: nil},
	})
	require.NoError(t, err)
	if diff := deep.Equal(merged, row(5, 2, str("a"), str("B"), nil)); diff != nil {
		t.Fatal("MergePartialRow()", diff)
	}
	require.Equal(t, "b", *current.Values[1], "current row must not change")

	deleted, err := rowset.MergePartialRow(headers, current, &tables.PartialRow{RowID: tables.Int64Ptr(5), Delete: true})
	require.NoError(t, err)
	require.True(t, deleted.IsDelete())

	_, err = rowset.MergePartialRow(headers, nil, &tables.PartialRow{Values: map[int64]*string{99: str("x")}})
	require.ErrorIs(t, err, tables.ErrInvalidArgument)
}

func TestAlign(t *testing.T) {
	r := row(1, 1, str("a"), str("b"))
	got := rowset.Align(r, []int64{10, 11}, []int64{11, 12, 10})
	if diff := deep.Equal(got, row(1, 1, str("b"), nil, str("a"))); diff != nil {
		t.Fatal("Align()", diff)
	}
}

func TestReadCSVImport(t *testing.T) {
	schema := []*tables.ColumnModel{
		{ID: 10, Name: "name", Type: tables.ColumnTypeString},
		{ID: 11, Name: "age", Type: tables.ColumnTypeInteger},
	}
	tests := []struct {
		name    string
		input   string
		opts    rowset.ImportOptions
		want    []*tables.Row
		wantErr error
	}{
		{
			name:  "positional",
			input: "alice,30\nbob,\n",
			want: []*tables.Row{
				{Values: []*string{str("alice"), str("30")}},
				{Values: []*string{str("bob"), nil}},
			},
		},
		{
			name:  "header",
			input: "ROW_ID,ROW_VERSION,Age,name\n4,2,31,alice\n5,2,,\n,,20,carol\n",
			opts:  rowset.ImportOptions{HasHeader: true},
			want: []*tables.Row{
				{RowID: tables.Int64Ptr(4), VersionNumber: tables.Int64Ptr(2), Values: []*string{str("alice"), str("31")}},
				{RowID: tables.Int64Ptr(5), VersionNumber: tables.Int64Ptr(2)},
				{Values: []*string{str("carol"), str("20")}},
			},
		},
		{
			name:  "column ids",
			input: "7;zed\n",
			opts:  rowset.ImportOptions{ColumnIDs: []int64{11, 10}, Separator: ';'},
			want: []*tables.Row{
				{Values: []*string{str("zed"), str("7")}},
			},
		},
		{name: "unknown header", input: "height\n1\n", opts: rowset.ImportOptions{HasHeader: true}, wantErr: tables.ErrInvalidArgument},
		{name: "unknown id", input: "1\n", opts: rowset.ImportOptions{ColumnIDs: []int64{99}}, wantErr: tables.ErrInvalidArgument},
		{name: "field count", input: "a,1,extra\n", wantErr: tables.ErrInvalidArgument},
		{name: "delete without id", input: ",\n", wantErr: tables.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := rowset.ReadCSVImport(strings.NewReader(tt.input), 1, schema, tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadCSVImport() error = %v, expected %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			require.Equal(t, []int64{10, 11}, rs.Headers)
			if diff := deep.Equal(rs.Rows, tt.want); diff != nil {
				t.Fatal("ReadCSVImport() rows", diff)
			}
		})
	}
}

func TestReadCSVImport_Progress(t *testing.T) {
	schema := []*tables.ColumnModel{{ID: 1, Name: "v", Type: tables.ColumnTypeInteger}}
	var reports []int64
	_, err := rowset.ReadCSVImport(strings.NewReader("1\n2\n3\n4\n5\n"), 1, schema, rowset.ImportOptions{
		Progress:         func(rows int64) { reports = append(reports, rows) },
		ProgressInterval: 2,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4, 5}, reports)
}
