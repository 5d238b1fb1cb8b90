package cmd

import (
	"context"

	"github.com/treeverse/tables/pkg/block/factory"
	"github.com/treeverse/tables/pkg/cache"
	"github.com/treeverse/tables/pkg/config"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/tables/backup"
	"github.com/treeverse/tables/pkg/tables/idgen"
	"github.com/treeverse/tables/pkg/tables/manager"
	"github.com/treeverse/tables/pkg/tables/notify"
	"github.com/treeverse/tables/pkg/tables/rowcache"
	"github.com/treeverse/tables/pkg/tables/sequence"
	"github.com/treeverse/tables/pkg/tables/snapshot"
	"github.com/treeverse/tables/pkg/tables/status"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/tables/txlog"
	"github.com/treeverse/tables/pkg/tables/viewscope"
)

const snapshotIDCacheSize = 10_000

// services wires the stores of a running instance from its configuration
type services struct {
	db             db.Database
	store          *truth.Store
	reader         *rowcache.CachingReader
	content        rowcache.RowContentCache
	reconciler     *rowcache.Reconciler
	allocator      *sequence.Allocator
	txLog          *txlog.Log
	tracker        *status.Tracker
	tableSnapshots *snapshot.Store
	viewSnapshots  *snapshot.Store
	views          *viewscope.Registry
	manager        *manager.Manager
	idGen          *idgen.DBGenerator
}

func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	database, err := db.ConnectDB(ctx, cfg.GetDatabaseParams())
	if err != nil {
		return nil, err
	}
	adapter, err := factory.BuildBlockAdapter(ctx, cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	p := cfg.GetTablesParams()

	var changeCache cache.Cache = cache.NoCache
	if p.Cache.ChangeCacheSize > 0 {
		changeCache = cache.NewCacheByParams(&cache.Params{
			Name:     "table_row_changes",
			Size:     p.Cache.ChangeCacheSize,
			Expiry:   p.Cache.ChangeCacheExpiry,
			JitterFn: cache.NewJitterFn(p.Cache.ChangeCacheExpiry / 10),
		})
	}
	store := truth.NewStore(database, adapter, p.Bucket, truth.WithChangeCache(changeCache))

	versions, err := rowcache.NewCurrentVersionCache(p.Cache, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	content, err := rowcache.NewRowContentCache(p.Cache.ContentCacheBytes)
	if err != nil {
		database.Close()
		return nil, err
	}
	reader := rowcache.NewCachingReader(store, versions, content, rowcache.ConfigFromParams(p))
	reconciler := rowcache.NewReconciler(ctx, reader, store, p.Reconciler)

	gen := idgen.NewDBGenerator()
	s := &services{
		db:         database,
		store:      store,
		reader:     reader,
		content:    content,
		reconciler: reconciler,
		allocator:  sequence.NewAllocator(database),
		txLog:      txlog.NewLog(database, gen),
		tracker:    status.NewTracker(database),
		tableSnapshots: snapshot.NewStore(database, gen, snapshot.Tables,
			snapshot.WithIDCache(cache.NewCache(snapshotIDCacheSize, p.Cache.ChangeCacheExpiry, nil))),
		viewSnapshots: snapshot.NewStore(database, gen, snapshot.Views,
			snapshot.WithIDCache(cache.NewCache(snapshotIDCacheSize, p.Cache.ChangeCacheExpiry, nil))),
		views: viewscope.NewRegistry(database),
		idGen: gen,
	}
	s.manager = manager.NewManager(database, store, reader, s.allocator, s.txLog,
		manager.WithPublisher(notify.LogPublisher{}),
		manager.WithTrigger(reconciler),
		manager.WithStatusTracker(s.tracker),
		manager.WithSnapshots(s.tableSnapshots),
		manager.WithLockTimeout(p.LockTimeout),
	)
	return s, nil
}

func (s *services) backupStores() backup.Stores {
	return backup.Stores{
		DB:             s.db,
		Truth:          s.store,
		Allocator:      s.allocator,
		TxLog:          s.txLog,
		Tracker:        s.tracker,
		TableSnapshots: s.tableSnapshots,
		ViewSnapshots:  s.viewSnapshots,
		IDGen:          s.idGen,
	}
}

func (s *services) Close() {
	s.reconciler.Close()
	s.content.Close()
	s.db.Close()
}

// mustServices builds the services or exits
func mustServices(ctx context.Context) *services {
	cfg := loadConfig()
	s, err := newServices(ctx, cfg)
	if err != nil {
		die("Failed to initialize", err)
	}
	return s
}
