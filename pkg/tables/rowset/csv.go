package rowset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/treeverse/tables/pkg/tables"
)

const (
	RowIDColumn      = "ROW_ID"
	RowVersionColumn = "ROW_VERSION"
	reservedColumns  = 2
)

var ErrBadFormat = errors.New("bad row set format")

// Encode writes headers and rows as gzip compressed CSV. The first two columns are the row id
// and version; a deleted row has no other columns.
func Encode(w io.Writer, headers []int64, rows []*tables.Row) error {
	zw := gzip.NewWriter(w)
	cw := csv.NewWriter(zw)

	record := make([]string, 0, len(headers)+reservedColumns)
	record = append(record, RowIDColumn, RowVersionColumn)
	for _, h := range headers {
		record = append(record, strconv.FormatInt(h, 10))
	}
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range rows {
		if r.RowID == nil || r.VersionNumber == nil {
			return fmt.Errorf("%w: row %d has no id or version", tables.ErrInvalidArgument, i)
		}
		record = record[:0]
		record = append(record, strconv.FormatInt(*r.RowID, 10), strconv.FormatInt(*r.VersionNumber, 10))
		if !r.IsDelete() {
			if len(r.Values) != len(headers) {
				return fmt.Errorf("%w: row %d has %d values for %d headers", tables.ErrInvalidArgument, i, len(r.Values), len(headers))
			}
			for _, v := range r.Values {
				if v == nil {
					record = append(record, "")
				} else {
					record = append(record, *v)
				}
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return zw.Close()
}

// Decode reads a row set written by Encode
func Decode(r io.Reader) ([]int64, []*tables.Row, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadFormat, err)
	}
	defer func() { _ = zr.Close() }()

	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read header: %s", ErrBadFormat, err)
	}
	if len(header) < reservedColumns || header[0] != RowIDColumn || header[1] != RowVersionColumn {
		return nil, nil, fmt.Errorf("%w: missing %s,%s header", ErrBadFormat, RowIDColumn, RowVersionColumn)
	}
	headers := make([]int64, 0, len(header)-reservedColumns)
	for _, h := range header[reservedColumns:] {
		id, err := strconv.ParseInt(h, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: column id '%s'", ErrBadFormat, h)
		}
		headers = append(headers, id)
	}

	var rows []*tables.Row
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %s", ErrBadFormat, line, err)
		}
		row, err := decodeRecord(record, len(headers))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %s", ErrBadFormat, line, err)
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

func decodeRecord(record []string, numColumns int) (*tables.Row, error) {
	if len(record) != reservedColumns && len(record) != reservedColumns+numColumns {
		return nil, fmt.Errorf("%d fields for %d columns", len(record), numColumns)
	}
	id, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("row id '%s'", record[0])
	}
	version, err := strconv.ParseInt(record[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("row version '%s'", record[1])
	}
	row := &tables.Row{RowID: &id, VersionNumber: &version}
	if len(record) == reservedColumns && numColumns > 0 {
		return row, nil
	}
	row.Values = make([]*string, numColumns)
	for i, v := range record[reservedColumns:] {
		if v != "" {
			s := v
			row.Values[i] = &s
		}
	}
	return row, nil
}
