package rowset

import "github.com/treeverse/tables/pkg/tables"

// Align returns a copy of row with its values reordered from the from headers to the to
// headers. Columns missing from from are null.
func Align(row *tables.Row, from, to []int64) *tables.Row {
	aligned := row.Copy()
	if row.IsDelete() {
		return aligned
	}
	index := make(map[int64]int, len(from))
	for i, h := range from {
		index[h] = i
	}
	aligned.Values = make([]*string, len(to))
	for i, h := range to {
		if j, ok := index[h]; ok && j < len(row.Values) && row.Values[j] != nil {
			s := *row.Values[j]
			aligned.Values[i] = &s
		}
	}
	return aligned
}
