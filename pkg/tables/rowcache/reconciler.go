package rowcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync"
	"github.com/treeverse/tables/pkg/cache"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/params"
)

const DefaultReconcilerWorkers = 4

// TableLister lists the tables that have row changes
type TableLister interface {
	ListTableIDs(ctx context.Context) ([]int64, error)
}

// Reconciler brings the current version cache up to date in the background. Failures are logged
// and retried by the next trigger or sweep; they never reach writers.
type Reconciler struct {
	reader    *CachingReader
	lister    TableLister
	pool      pond.Pool
	onlyOne   cache.OnlyOne
	pending   *xsync.MapOf[string, struct{}]
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// NewReconciler returns a reconciler that updates the cache behind reader. Reads that find a
// table's cache too stale trigger it.
func NewReconciler(ctx context.Context, reader *CachingReader, lister TableLister, p params.Reconciler) *Reconciler {
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultReconcilerWorkers
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Reconciler{
		reader:  reader,
		lister:  lister,
		pool:    pond.NewPool(workers, pond.WithContext(ctx)),
		onlyOne: cache.NewChanOnlyOne(),
		pending: xsync.NewMapOf[struct{}](),
		ctx:     ctx,
		cancel:  cancel,
	}
	reader.OnStale(r.Trigger)
	return r
}

// Trigger queues an update of the table. A trigger for a table already queued is dropped.
func (r *Reconciler) Trigger(tableID int64) {
	if r.closed.Load() || !r.reader.Versions().IsEnabled() {
		return
	}
	key := strconv.FormatInt(tableID, 10)
	if _, queued := r.pending.LoadOrStore(key, struct{}{}); queued {
		return
	}
	r.pool.Submit(func() {
		r.pending.Delete(key)
		if err := r.Reconcile(r.ctx, tableID); err != nil {
			logging.FromContext(r.ctx).
				WithField(logging.TableIDFieldKey, tableID).
				WithError(err).
				Warn("Update current version cache")
		}
	})
}

// Reconcile updates the cache of one table. Concurrent calls for a table share one update.
func (r *Reconciler) Reconcile(ctx context.Context, tableID int64) error {
	_, err := r.onlyOne.Compute(strconv.FormatInt(tableID, 10), func() (interface{}, error) {
		start := time.Now()
		err := r.reader.UpdateCache(ctx, tableID, nil)
		result := "success"
		if err != nil {
			result = "failure"
		}
		reconcileDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		return nil, err
	})
	return err
}

// Sweep updates the cache of every table
func (r *Reconciler) Sweep(ctx context.Context) error {
	tableIDs, err := r.lister.ListTableIDs(ctx)
	if err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	group := r.pool.NewGroupContext(ctx)
	for _, tableID := range tableIDs {
		group.Submit(func() {
			if err := r.Reconcile(ctx, tableID); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", tables.TableID(tableID), err))
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return merr.ErrorOrNil()
}

// Start sweeps all tables every interval until Close
func (r *Reconciler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: reconcile interval %s", tables.ErrInvalidArgument, interval)
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).Do(func() {
		if err := r.Sweep(r.ctx); err != nil {
			logging.FromContext(r.ctx).WithError(err).Warn("Sweep current version cache")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.StartAsync()
	r.scheduler = s
	return nil
}

// Close stops the sweep and waits for queued updates to finish
func (r *Reconciler) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	r.pool.StopAndWait()
	r.cancel()
}
