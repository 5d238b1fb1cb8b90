package rowcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/params"
	"github.com/treeverse/tables/pkg/tables/rowset"
	"github.com/treeverse/tables/pkg/tables/truth"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBlobReadParallelism = 8
	// replayWindow bounds how many row sets are held in memory while replaying
	replayWindow = 64
)

type Config struct {
	// MaxCacheBehind is the number of changes the cache may lag before bulk reads are refused
	MaxCacheBehind      int64
	BlobReadsPerSecond  int
	BlobReadParallelism int
}

func ConfigFromParams(p params.Tables) Config {
	return Config{
		MaxCacheBehind:      p.Cache.MaxCacheBehind,
		BlobReadsPerSecond:  p.Reconciler.BlobReadsPerSecond,
		BlobReadParallelism: p.Reconciler.BlobReadParallelism,
	}
}

// CachingReader answers row truth questions from the current version cache, reading from the
// change log only what the cache has not seen yet. Any cache failure falls back to the change log.
type CachingReader struct {
	truth.Reader
	versions    CurrentVersionCache
	content     RowContentCache
	cfg         Config
	limiter     ratelimit.Limiter
	parallelism int
	trigger     func(tableID int64)
}

func NewCachingReader(reader truth.Reader, versions CurrentVersionCache, content RowContentCache, cfg Config) *CachingReader {
	if content == nil {
		content = noContentCache{}
	}
	if cfg.MaxCacheBehind <= 0 {
		cfg.MaxCacheBehind = params.DefaultMaxCacheBehind
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.BlobReadsPerSecond > 0 {
		limiter = ratelimit.New(cfg.BlobReadsPerSecond)
	}
	parallelism := cfg.BlobReadParallelism
	if parallelism <= 0 {
		parallelism = DefaultBlobReadParallelism
	}
	return &CachingReader{
		Reader:      reader,
		versions:    versions,
		content:     content,
		cfg:         cfg,
		limiter:     limiter,
		parallelism: parallelism,
		trigger:     func(int64) {},
	}
}

// OnStale registers fn to be called when a read finds the cache of a table too far behind
func (r *CachingReader) OnStale(fn func(tableID int64)) {
	r.trigger = fn
}

// txBinder is implemented by readers and caches that can run their reads in a caller's transaction
type txBinder[T any] interface {
	WithTx(tx db.Tx) T
}

// WithTx returns a reader whose database reads run in tx. Rows it reads are not added to the
// row content cache, since tx may still roll back and its versions be issued again. The blob
// limiter, the stale trigger and version caches that do not live in the database are shared
// with r.
func (r *CachingReader) WithTx(tx db.Tx) *CachingReader {
	bound := *r
	bound.content = noContentCache{}
	if b, ok := r.Reader.(txBinder[truth.Reader]); ok {
		bound.Reader = b.WithTx(tx)
	}
	if b, ok := r.versions.(txBinder[CurrentVersionCache]); ok {
		bound.versions = b.WithTx(tx)
	}
	return &bound
}

func (r *CachingReader) Versions() CurrentVersionCache {
	return r.versions
}

// ForgetTable drops everything cached about a deleted table. Row content is kept by row id, so
// the whole content cache goes with it.
func (r *CachingReader) ForgetTable(ctx context.Context, tableID int64) error {
	r.content.Clear()
	cacheRemovals.WithLabelValues("deleted").Inc()
	return r.versions.RemoveFromCache(ctx, tableID)
}

func (r *CachingReader) lastVersion(ctx context.Context, tableID int64) (int64, error) {
	last, err := r.Reader.GetLastChange(ctx, tableID)
	if errors.Is(err, tables.ErrNotFound) {
		return NoWatermark, nil
	}
	if err != nil {
		return NoWatermark, err
	}
	return last.RowVersion, nil
}

// watermark returns the cache watermark of the table and the table's last version. A cache that
// claims versions the change log does not have is dropped.
func (r *CachingReader) watermark(ctx context.Context, tableID int64) (int64, int64, error) {
	w, err := r.versions.GetLatestCurrentVersionNumber(ctx, tableID)
	if err != nil {
		return NoWatermark, NoWatermark, err
	}
	last, err := r.lastVersion(ctx, tableID)
	if err != nil {
		return NoWatermark, NoWatermark, err
	}
	if w > last {
		cacheRemovals.WithLabelValues("ahead").Inc()
		logging.FromContext(ctx).
			WithField(logging.TableIDFieldKey, tableID).
			WithFields(logging.Fields{"watermark": w, "last_version": last}).
			Warn("Current version cache is ahead of the change log, removing it")
		if err := r.versions.RemoveFromCache(ctx, tableID); err != nil {
			return NoWatermark, last, err
		}
		return NoWatermark, last, nil
	}
	return w, last, nil
}

func (r *CachingReader) GetLatestVersions(ctx context.Context, tableID int64, rowIDs []int64, minVersion int64) (map[int64]int64, error) {
	if !r.versions.IsEnabled() || len(rowIDs) == 0 {
		return r.Reader.GetLatestVersions(ctx, tableID, rowIDs, minVersion)
	}
	log := logging.FromContext(ctx).WithField(logging.TableIDFieldKey, tableID)
	w, _, err := r.watermark(ctx, tableID)
	if err != nil {
		log.WithError(err).Warn("Read current version cache watermark, using the change log")
		return r.Reader.GetLatestVersions(ctx, tableID, rowIDs, minVersion)
	}
	cached, err := r.versions.GetCurrentVersions(ctx, tableID, rowIDs)
	if err != nil {
		log.WithError(err).Warn("Read current version cache, using the change log")
		return r.Reader.GetLatestVersions(ctx, tableID, rowIDs, minVersion)
	}
	floor := w + 1
	if minVersion > floor {
		floor = minVersion
	}
	delta, err := r.Reader.GetLatestVersions(ctx, tableID, rowIDs, floor)
	if err != nil {
		return nil, err
	}
	latest := make(map[int64]int64, len(rowIDs))
	for id, v := range cached {
		if v >= minVersion {
			latest[id] = v
		}
	}
	for id, v := range delta {
		latest[id] = v
	}
	versionLookups.WithLabelValues("hit").Add(float64(len(cached)))
	versionLookups.WithLabelValues("miss").Add(float64(len(rowIDs) - len(cached)))
	return latest, nil
}

// VerifyCurrentCacheUpToDateEnough fails with a *tables.TableUnavailableError when the cache of
// the table lags more than MaxCacheBehind changes, and asks for it to be brought up to date.
func (r *CachingReader) VerifyCurrentCacheUpToDateEnough(ctx context.Context, tableID int64) error {
	_, err := r.verify(ctx, tableID)
	return err
}

func (r *CachingReader) verify(ctx context.Context, tableID int64) (int64, error) {
	w, last, err := r.watermark(ctx, tableID)
	if err != nil {
		return NoWatermark, err
	}
	behind, err := r.Reader.CountChangesAfter(ctx, tableID, w)
	if err != nil {
		return NoWatermark, err
	}
	if behind <= r.cfg.MaxCacheBehind {
		return w, nil
	}
	r.trigger(tableID)
	current := w
	if current < 0 {
		current = 0
	}
	return NoWatermark, &tables.TableUnavailableError{
		TableID: tableID,
		Reason:  fmt.Sprintf("current row versions are %d changes behind", behind),
		Progress: tables.Progress{
			Current: current,
			Total:   last,
			Message: "updating current row versions",
		},
	}
}

// GetCurrentRowVersions returns the version of every live row of the table
func (r *CachingReader) GetCurrentRowVersions(ctx context.Context, tableID int64) (map[int64]int64, error) {
	if !r.versions.IsEnabled() {
		updates, _, err := r.replayVersions(ctx, tableID, 0, nil)
		if err != nil {
			return nil, err
		}
		return liveVersions(map[int64]int64{}, updates), nil
	}
	w, err := r.verify(ctx, tableID)
	if err != nil {
		return nil, err
	}
	all, err := r.versions.GetAllCurrentVersions(ctx, tableID)
	if err != nil {
		return nil, err
	}
	updates, _, err := r.replayVersions(ctx, tableID, w+1, nil)
	if err != nil {
		return nil, err
	}
	return liveVersions(all, updates), nil
}

func liveVersions(base map[int64]int64, updates map[int64]CachedVersion) map[int64]int64 {
	for id, u := range updates {
		if u.Deleted {
			delete(base, id)
		} else {
			base[id] = u.Version
		}
	}
	return base
}

// GetRows returns the current content of the live rows among rowIDs, aligned to headers
func (r *CachingReader) GetRows(ctx context.Context, tableID int64, rowIDs []int64, headers []int64) (map[int64]*tables.Row, error) {
	if !r.versions.IsEnabled() {
		return r.Reader.GetRows(ctx, tableID, rowIDs, headers)
	}
	versions, err := r.GetLatestVersions(ctx, tableID, rowIDs, truth.AllVersions)
	if err != nil {
		return nil, err
	}
	rows := make(map[int64]*tables.Row, len(versions))
	missing := make(map[int64][]int64)
	for id, v := range versions {
		row, from, ok := r.content.Get(tableID, id, v)
		if !ok {
			missing[v] = append(missing[v], id)
			continue
		}
		contentLookups.WithLabelValues("hit").Inc()
		if !row.IsDelete() {
			rows[id] = rowset.Align(row, from, headers)
		}
	}
	for v, ids := range missing {
		contentLookups.WithLabelValues("miss").Add(float64(len(ids)))
		change, err := r.Reader.GetChange(ctx, tableID, v)
		if err != nil {
			return nil, err
		}
		rs, err := r.Reader.ReadRowSet(ctx, change)
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]*tables.Row, len(rs.Rows))
		for _, row := range rs.Rows {
			r.content.Set(tableID, rs.Headers, row)
			byID[*row.RowID] = row
		}
		for _, id := range ids {
			if row, ok := byID[id]; ok && !row.IsDelete() {
				rows[id] = rowset.Align(row, rs.Headers, headers)
			}
		}
	}
	return rows, nil
}

// UpdateCache folds every change after the cache watermark into the cache
func (r *CachingReader) UpdateCache(ctx context.Context, tableID int64, progress tables.ProgressCallback) error {
	if !r.versions.IsEnabled() {
		return nil
	}
	w, last, err := r.watermark(ctx, tableID)
	if err != nil {
		return err
	}
	if last <= w {
		return nil
	}
	updates, newWatermark, err := r.replayVersions(ctx, tableID, w+1, progress)
	if err != nil {
		return err
	}
	if newWatermark <= w {
		return nil
	}
	logging.FromContext(ctx).
		WithField(logging.TableIDFieldKey, tableID).
		WithFields(logging.Fields{"from": w, "to": newWatermark, "rows": len(updates)}).
		Debug("Update current version cache")
	return r.versions.UpdateCurrentVersionNumbers(ctx, tableID, updates, newWatermark, progress)
}

// replayVersions reads the row changes from minVersion on and returns the latest version of each
// row they touch, with the version of the last change read. Row sets are fetched in parallel and
// applied in version order.
func (r *CachingReader) replayVersions(ctx context.Context, tableID, minVersion int64, progress tables.ProgressCallback) (map[int64]CachedVersion, int64, error) {
	if minVersion < 0 {
		minVersion = 0
	}
	changes, err := r.Reader.ListChangesSince(ctx, tableID, minVersion)
	if err != nil {
		return nil, NoWatermark, err
	}
	updates := make(map[int64]CachedVersion)
	last := minVersion - 1
	if len(changes) == 0 {
		return updates, last, nil
	}
	rowChanges := make([]*tables.TableRowChange, 0, len(changes))
	for _, change := range changes {
		if change.ChangeType == tables.ChangeTypeRow {
			rowChanges = append(rowChanges, change)
		}
	}
	for start := 0; start < len(rowChanges); start += replayWindow {
		end := start + replayWindow
		if end > len(rowChanges) {
			end = len(rowChanges)
		}
		sets, err := r.fetchRowSets(ctx, rowChanges[start:end])
		if err != nil {
			return nil, NoWatermark, err
		}
		for _, rs := range sets {
			for _, row := range rs.Rows {
				updates[*row.RowID] = CachedVersion{Version: *row.VersionNumber, Deleted: row.IsDelete()}
				r.content.Set(tableID, rs.Headers, row)
			}
		}
		changesReplayed.Add(float64(end - start))
		if progress != nil {
			progress(tables.Progress{Current: int64(end), Total: int64(len(rowChanges)), Message: "reading row changes"})
		}
	}
	return updates, changes[len(changes)-1].RowVersion, nil
}

func (r *CachingReader) fetchRowSets(ctx context.Context, changes []*tables.TableRowChange) ([]*tables.RowSet, error) {
	sets := make([]*tables.RowSet, len(changes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, change := range changes {
		i, change := i, change
		g.Go(func() error {
			r.limiter.Take()
			rs, err := r.Reader.ReadRowSet(gctx, change)
			if err != nil {
				return err
			}
			sets[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}
