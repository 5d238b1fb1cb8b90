package tables

import (
	"fmt"
)

type ValidateFunc func() error

type ValidateField struct {
	Name    string
	IsValid ValidateFunc
}

type ValidateFields []ValidateField

func Validate(validators ValidateFields) error {
	for _, v := range validators {
		if err := v.IsValid(); err != nil {
			return fmt.Errorf("%w: %s", err, v.Name)
		}
	}
	return nil
}

func ValidateRequiredString(s string) ValidateFunc {
	return func() error {
		if len(s) == 0 {
			return ErrInvalidArgument
		}
		return nil
	}
}

func ValidateRequiredInt64(v *int64) ValidateFunc {
	return func() error {
		if v == nil {
			return ErrInvalidArgument
		}
		return nil
	}
}

func ValidateNonNegative(v int64) ValidateFunc {
	return func() error {
		if v < 0 {
			return ErrInvalidArgument
		}
		return nil
	}
}

// IsValidRowID reports whether id names an existing row. Nil or negative ids ask for a new id.
func IsValidRowID(id *int64) bool {
	return id != nil && *id >= 0
}

// CountEmptyOrInvalidRowIDs counts the rows that need a new id
func CountEmptyOrInvalidRowIDs(rows []*Row) int64 {
	var count int64
	for _, r := range rows {
		if !IsValidRowID(r.RowID) {
			count++
		}
	}
	return count
}

// GetDistinctValidRowIDs maps each existing row id in rows to the version its writer stated.
// When a row id repeats, the last occurrence wins. A nil version means the writer did not
// state one.
func GetDistinctValidRowIDs(rows []*Row) map[int64]*int64 {
	distinct := make(map[int64]*int64)
	for _, r := range rows {
		if IsValidRowID(r.RowID) {
			distinct[*r.RowID] = r.VersionNumber
		}
	}
	return distinct
}

// AssignIDsAndVersion gives every row without a valid id a new id from the range and stamps
// all rows with the range version. It fails if the range is too small for the rows lacking ids.
func AssignIDsAndVersion(rows []*Row, idRange *IDRange) error {
	needed := CountEmptyOrInvalidRowIDs(rows)
	if needed != idRange.Count() {
		return fmt.Errorf("%w: %d rows need ids but the range holds %d", ErrInvalidArgument, needed, idRange.Count())
	}
	var next int64
	if idRange.MinimumID != nil {
		next = *idRange.MinimumID
	}
	for _, r := range rows {
		if !IsValidRowID(r.RowID) {
			id := next
			r.RowID = &id
			next++
		}
		version := idRange.VersionNumber
		r.VersionNumber = &version
	}
	return nil
}

// ValidateSchema checks a schema and that column ids are unique
func ValidateSchema(schema []*ColumnModel) error {
	if len(schema) == 0 {
		return fmt.Errorf("%w: empty schema", ErrInvalidArgument)
	}
	seen := make(map[int64]struct{}, len(schema))
	for _, c := range schema {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("%w: duplicate column '%s'", ErrInvalidArgument, c.Name)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// HeadersOf returns the column ids of the schema in order
func HeadersOf(schema []*ColumnModel) []int64 {
	headers := make([]int64, len(schema))
	for i, c := range schema {
		headers[i] = c.ID
	}
	return headers
}

// ValidateRowSet checks that every row of the set matches the schema and rewrites its values in
// canonical form. The set's headers must be the schema's column ids in order.
func ValidateRowSet(schema []*ColumnModel, rs *RowSet) error {
	if rs == nil {
		return fmt.Errorf("%w: nil row set", ErrInvalidArgument)
	}
	if len(rs.Rows) == 0 {
		return fmt.Errorf("%w: row set has no rows", ErrInvalidArgument)
	}
	if len(rs.Headers) != len(schema) {
		return fmt.Errorf("%w: row set has %d headers, schema has %d columns", ErrInvalidArgument, len(rs.Headers), len(schema))
	}
	for i, c := range schema {
		if rs.Headers[i] != c.ID {
			return fmt.Errorf("%w: header %d is not column '%s'", ErrInvalidArgument, i, c.Name)
		}
	}
	for i, r := range rs.Rows {
		if r == nil {
			return fmt.Errorf("%w: row %d is nil", ErrInvalidArgument, i)
		}
		if r.IsDelete() {
			if !IsValidRowID(r.RowID) {
				return fmt.Errorf("%w: row %d deletes a row without an id", ErrInvalidArgument, i)
			}
			continue
		}
		if len(r.Values) != len(schema) {
			return fmt.Errorf("%w: row %d has %d values, schema has %d columns", ErrInvalidArgument, i, len(r.Values), len(schema))
		}
		for j, c := range schema {
			v, err := NormalizeValue(c, r.Values[j])
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			r.Values[j] = v
		}
	}
	return nil
}
