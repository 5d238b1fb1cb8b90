package rowset

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/treeverse/tables/pkg/tables"
)

type xmlPartialRowSet struct {
	XMLName xml.Name        `xml:"PartialRowSet"`
	TableID int64           `xml:"tableId,attr"`
	Etag    string          `xml:"etag,attr,omitempty"`
	Rows    []xmlPartialRow `xml:"PartialRow"`
}

type xmlPartialRow struct {
	RowID   *int64     `xml:"rowId,attr,omitempty"`
	Version *int64     `xml:"version,attr,omitempty"`
	Delete  bool       `xml:"delete,attr,omitempty"`
	Values  []xmlValue `xml:"value"`
}

type xmlValue struct {
	Column int64  `xml:"column,attr"`
	Null   bool   `xml:"null,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// EncodePartial writes a partial row set as gzip compressed XML. Values are written in column
// id order so equal sets encode identically.
func EncodePartial(w io.Writer, set *tables.PartialRowSet) error {
	doc := xmlPartialRowSet{TableID: set.TableID, Etag: set.Etag}
	for _, r := range set.Rows {
		xr := xmlPartialRow{RowID: r.RowID, Version: r.VersionNumber, Delete: r.Delete}
		if !r.Delete {
			columns := make([]int64, 0, len(r.Values))
			for c := range r.Values {
				columns = append(columns, c)
			}
			sort.Slice(columns, func(i, j int) bool { return columns[i] < columns[j] })
			for _, c := range columns {
				v := r.Values[c]
				if v == nil {
					xr.Values = append(xr.Values, xmlValue{Column: c, Null: true})
				} else {
					xr.Values = append(xr.Values, xmlValue{Column: c, Value: *v})
				}
			}
		}
		doc.Rows = append(doc.Rows, xr)
	}

	zw := gzip.NewWriter(w)
	if _, err := io.WriteString(zw, xml.Header); err != nil {
		return err
	}
	if err := xml.NewEncoder(zw).Encode(&doc); err != nil {
		return fmt.Errorf("encode partial row set: %w", err)
	}
	return zw.Close()
}

// DecodePartial reads a partial row set written by EncodePartial
func DecodePartial(r io.Reader) (*tables.PartialRowSet, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}
	defer func() { _ = zr.Close() }()

	var doc xmlPartialRowSet
	if err := xml.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}
	set := &tables.PartialRowSet{TableID: doc.TableID, Etag: doc.Etag}
	for _, xr := range doc.Rows {
		row := &tables.PartialRow{RowID: xr.RowID, VersionNumber: xr.Version, Delete: xr.Delete}
		if !xr.Delete {
			row.Values = make(map[int64]*string, len(xr.Values))
			for _, v := range xr.Values {
				if v.Null {
					row.Values[v.Column] = nil
				} else {
					s := v.Value
					row.Values[v.Column] = &s
				}
			}
		}
		set.Rows = append(set.Rows, row)
	}
	return set, nil
}

// MergePartialRow applies a partial row over the current content of the row. current may be nil
// for a new row, in which case unset columns are null.
func MergePartialRow(headers []int64, current *tables.Row, partial *tables.PartialRow) (*tables.Row, error) {
	merged := &tables.Row{RowID: partial.RowID, VersionNumber: partial.VersionNumber}
	if current != nil && merged.VersionNumber == nil {
		merged.VersionNumber = current.VersionNumber
	}
	if partial.Delete {
		return merged, nil
	}
	index := make(map[int64]int, len(headers))
	for i, h := range headers {
		index[h] = i
	}
	for c := range partial.Values {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("%w: column %d is not in the table schema", tables.ErrInvalidArgument, c)
		}
	}
	merged.Values = make([]*string, len(headers))
	if current != nil && !current.IsDelete() {
		copy(merged.Values, current.Copy().Values)
	}
	for c, v := range partial.Values {
		if v == nil {
			merged.Values[index[c]] = nil
		} else {
			s := *v
			merged.Values[index[c]] = &s
		}
	}
	return merged, nil
}
