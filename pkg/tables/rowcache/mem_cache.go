package rowcache

import (
	"context"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync"
	"github.com/treeverse/tables/pkg/tables"
)

type memTable struct {
	mu        sync.RWMutex
	watermark int64
	versions  map[int64]CachedVersion
}

// MemCache keeps the current version cache in process memory
type MemCache struct {
	tables *xsync.MapOf[string, *memTable]
}

func NewMemCache() *MemCache {
	return &MemCache{tables: xsync.NewMapOf[*memTable]()}
}

func tableKey(tableID int64) string {
	return strconv.FormatInt(tableID, 10)
}

func (c *MemCache) IsEnabled() bool {
	return true
}

func (c *MemCache) GetLatestCurrentVersionNumber(_ context.Context, tableID int64) (int64, error) {
	t, ok := c.tables.Load(tableKey(tableID))
	if !ok {
		return NoWatermark, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watermark, nil
}

func (c *MemCache) UpdateCurrentVersionNumbers(_ context.Context, tableID int64, updates map[int64]CachedVersion, watermark int64, progress tables.ProgressCallback) error {
	t, _ := c.tables.LoadOrCompute(tableKey(tableID), func() *memTable {
		return &memTable{watermark: NoWatermark, versions: make(map[int64]CachedVersion)}
	})
	t.mu.Lock()
	for id, u := range updates {
		if cur, ok := t.versions[id]; !ok || cur.Version < u.Version {
			t.versions[id] = u
		}
	}
	if watermark > t.watermark {
		t.watermark = watermark
	}
	t.mu.Unlock()
	if progress != nil {
		progress(tables.Progress{Current: int64(len(updates)), Total: int64(len(updates)), Message: "updating current row versions"})
	}
	return nil
}

func (c *MemCache) GetCurrentVersions(_ context.Context, tableID int64, rowIDs []int64) (map[int64]int64, error) {
	res := make(map[int64]int64, len(rowIDs))
	t, ok := c.tables.Load(tableKey(tableID))
	if !ok {
		return res, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range rowIDs {
		if v, ok := t.versions[id]; ok {
			res[id] = v.Version
		}
	}
	return res, nil
}

func (c *MemCache) GetAllCurrentVersions(_ context.Context, tableID int64) (map[int64]int64, error) {
	res := make(map[int64]int64)
	t, ok := c.tables.Load(tableKey(tableID))
	if !ok {
		return res, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, v := range t.versions {
		if !v.Deleted {
			res[id] = v.Version
		}
	}
	return res, nil
}

func (c *MemCache) RemoveFromCache(_ context.Context, tableID int64) error {
	c.tables.Delete(tableKey(tableID))
	return nil
}

func (c *MemCache) TruncateAllData(_ context.Context) error {
	c.tables.Range(func(key string, _ *memTable) bool {
		c.tables.Delete(key)
		return true
	})
	return nil
}
