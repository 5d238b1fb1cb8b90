package rowcache

import (
	"context"
	"fmt"

	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/params"
)

// NoWatermark is the watermark of a table nothing was cached for
const NoWatermark int64 = -1

// CachedVersion is the latest known version of a row. Deleted rows keep their version so writers
// basing on an older version still conflict with the delete.
type CachedVersion struct {
	Version int64
	Deleted bool
}

// CurrentVersionCache maps the rows of a table to their latest version. It is derived from the
// change log and never authoritative: the watermark is the last change folded into it, and
// entries only ever move forward.
type CurrentVersionCache interface {
	IsEnabled() bool
	// GetLatestCurrentVersionNumber returns the watermark, NoWatermark if nothing is cached
	GetLatestCurrentVersionNumber(ctx context.Context, tableID int64) (int64, error)
	// UpdateCurrentVersionNumbers folds updates into the cache and raises the watermark. Rows
	// already cached at a newer version keep it.
	UpdateCurrentVersionNumbers(ctx context.Context, tableID int64, updates map[int64]CachedVersion, watermark int64, progress tables.ProgressCallback) error
	// GetCurrentVersions returns the cached version of each of rowIDs, deletes included
	GetCurrentVersions(ctx context.Context, tableID int64, rowIDs []int64) (map[int64]int64, error)
	// GetAllCurrentVersions returns the cached version of every live row
	GetAllCurrentVersions(ctx context.Context, tableID int64) (map[int64]int64, error)
	RemoveFromCache(ctx context.Context, tableID int64) error
	TruncateAllData(ctx context.Context) error
}

// NewCurrentVersionCache builds the cache selected by p
func NewCurrentVersionCache(p params.Cache, database db.Database) (CurrentVersionCache, error) {
	if !p.Enabled {
		return NoCache{}, nil
	}
	switch p.Type {
	case params.CacheTypeDB, "":
		return NewDBCache(database), nil
	case params.CacheTypeMem:
		return NewMemCache(), nil
	default:
		return nil, fmt.Errorf("%w: cache type '%s'", tables.ErrInvalidArgument, p.Type)
	}
}

// NoCache is a disabled cache. Reads find nothing and updates are dropped.
type NoCache struct{}

func (NoCache) IsEnabled() bool { return false }

func (NoCache) GetLatestCurrentVersionNumber(context.Context, int64) (int64, error) {
	return NoWatermark, nil
}

func (NoCache) UpdateCurrentVersionNumbers(context.Context, int64, map[int64]CachedVersion, int64, tables.ProgressCallback) error {
	return nil
}

func (NoCache) GetCurrentVersions(context.Context, int64, []int64) (map[int64]int64, error) {
	return map[int64]int64{}, nil
}

func (NoCache) GetAllCurrentVersions(context.Context, int64) (map[int64]int64, error) {
	return map[int64]int64{}, nil
}

func (NoCache) RemoveFromCache(context.Context, int64) error { return nil }

func (NoCache) TruncateAllData(context.Context) error { return nil }
