package rowcache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/treeverse/tables/pkg/tables"
)

const (
	contentCacheBufferItems = 64
	// ristretto advises ten counters per item it expects to hold
	contentCacheCountersPerItem = 10
	estimatedRowBytes           = 256
	rowOverheadBytes            = 64
)

// RowContentCache holds row content by table, row and version. A row version never changes while
// its table exists, so entries only go stale when a table is deleted and its ids start over.
type RowContentCache interface {
	Get(tableID, rowID, version int64) (*tables.Row, []int64, bool)
	Set(tableID int64, headers []int64, row *tables.Row)
	// Clear drops every entry
	Clear()
	Close()
}

type cachedRow struct {
	headers []int64
	row     *tables.Row
}

type ristrettoContentCache struct {
	cache *ristretto.Cache
}

// NewRowContentCache returns a cache bounded to maxBytes, or a disabled cache for a
// non-positive size
func NewRowContentCache(maxBytes int64) (RowContentCache, error) {
	if maxBytes <= 0 {
		return noContentCache{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: contentCacheCountersPerItem * (maxBytes/estimatedRowBytes + 1),
		MaxCost:     maxBytes,
		BufferItems: contentCacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("row content cache: %w", err)
	}
	return &ristrettoContentCache{cache: c}, nil
}

func contentKey(tableID, rowID, version int64) string {
	return fmt.Sprintf("%d/%d/%d", tableID, rowID, version)
}

func (c *ristrettoContentCache) Get(tableID, rowID, version int64) (*tables.Row, []int64, bool) {
	v, ok := c.cache.Get(contentKey(tableID, rowID, version))
	if !ok {
		return nil, nil, false
	}
	cr := v.(*cachedRow)
	return cr.row, cr.headers, true
}

func (c *ristrettoContentCache) Set(tableID int64, headers []int64, row *tables.Row) {
	if row.RowID == nil || row.VersionNumber == nil {
		return
	}
	cost := int64(rowOverheadBytes + 8*len(headers))
	for _, v := range row.Values {
		if v != nil {
			cost += int64(len(*v))
		}
	}
	c.cache.Set(contentKey(tableID, *row.RowID, *row.VersionNumber), &cachedRow{headers: headers, row: row}, cost)
}

func (c *ristrettoContentCache) Clear() {
	c.cache.Clear()
}

func (c *ristrettoContentCache) Close() {
	c.cache.Close()
}

type noContentCache struct{}

func (noContentCache) Get(int64, int64, int64) (*tables.Row, []int64, bool) { return nil, nil, false }

func (noContentCache) Set(int64, []int64, *tables.Row) {}

func (noContentCache) Clear() {}

func (noContentCache) Close() {}
