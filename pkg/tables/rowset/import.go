package rowset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/treeverse/tables/pkg/tables"
)

// ImportOptions controls how a CSV file maps onto a table schema. With HasHeader the first line
// names the columns. Otherwise ColumnIDs lists the column of every field, and when both are
// unset fields map to the schema in order.
type ImportOptions struct {
	HasHeader bool
	ColumnIDs []int64
	Separator rune
	// Progress is called every ProgressInterval rows
	Progress         func(rows int64)
	ProgressInterval int64
}

const defaultProgressInterval = 1000

type fieldTarget struct {
	column    int // index into the schema
	isRowID   bool
	isVersion bool
}

// ReadCSVImport reads an uploaded CSV file into a row set ordered by the schema. A line without
// any data value deletes the row it names.
func ReadCSVImport(r io.Reader, tableID int64, schema []*tables.ColumnModel, opts ImportOptions) (*tables.RowSet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if opts.Separator != 0 {
		cr.Comma = opts.Separator
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	var targets []fieldTarget
	var err error
	line := 0
	if opts.HasHeader {
		header, err := cr.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: read header: %s", tables.ErrInvalidArgument, err)
		}
		line++
		targets, err = targetsFromNames(header, schema)
		if err != nil {
			return nil, err
		}
	} else if len(opts.ColumnIDs) > 0 {
		targets, err = targetsFromIDs(opts.ColumnIDs, schema)
		if err != nil {
			return nil, err
		}
	} else {
		targets = make([]fieldTarget, len(schema))
		for i := range schema {
			targets[i] = fieldTarget{column: i}
		}
	}

	rs := &tables.RowSet{TableID: tableID, Headers: tables.HeadersOf(schema)}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %s", tables.ErrInvalidArgument, line, err)
		}
		if len(record) != len(targets) {
			return nil, fmt.Errorf("%w: line %d has %d fields, expected %d", tables.ErrInvalidArgument, line, len(record), len(targets))
		}
		row, err := importRecord(record, targets, len(schema))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %s", tables.ErrInvalidArgument, line, err)
		}
		rs.Rows = append(rs.Rows, row)
		if opts.Progress != nil && int64(len(rs.Rows))%interval == 0 {
			opts.Progress(int64(len(rs.Rows)))
		}
	}
	if opts.Progress != nil {
		opts.Progress(int64(len(rs.Rows)))
	}
	return rs, nil
}

func targetsFromNames(header []string, schema []*tables.ColumnModel) ([]fieldTarget, error) {
	byName := make(map[string]int, len(schema))
	for i, c := range schema {
		byName[strings.ToLower(c.Name)] = i
	}
	targets := make([]fieldTarget, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch strings.ToUpper(name) {
		case RowIDColumn:
			targets[i] = fieldTarget{isRowID: true}
			continue
		case RowVersionColumn:
			targets[i] = fieldTarget{isVersion: true}
			continue
		}
		idx, ok := byName[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column '%s'", tables.ErrInvalidArgument, name)
		}
		targets[i] = fieldTarget{column: idx}
	}
	return targets, nil
}

func targetsFromIDs(ids []int64, schema []*tables.ColumnModel) ([]fieldTarget, error) {
	byID := make(map[int64]int, len(schema))
	for i, c := range schema {
		byID[c.ID] = i
	}
	targets := make([]fieldTarget, len(ids))
	for i, id := range ids {
		idx, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column id %d", tables.ErrInvalidArgument, id)
		}
		targets[i] = fieldTarget{column: idx}
	}
	return targets, nil
}

func importRecord(record []string, targets []fieldTarget, numColumns int) (*tables.Row, error) {
	row := &tables.Row{Values: make([]*string, numColumns)}
	hasData := false
	for i, field := range record {
		t := targets[i]
		switch {
		case t.isRowID, t.isVersion:
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			name := RowVersionColumn
			if t.isRowID {
				name = RowIDColumn
			}
			v, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad %s '%s'", name, field)
			}
			if t.isRowID {
				row.RowID = &v
			} else {
				row.VersionNumber = &v
			}
		default:
			if field == "" {
				continue
			}
			s := field
			row.Values[t.column] = &s
			hasData = true
		}
	}
	if !hasData {
		if !tables.IsValidRowID(row.RowID) {
			return nil, fmt.Errorf("empty line without %s", RowIDColumn)
		}
		row.Values = nil
	}
	return row, nil
}
