package params

import "time"

const (
	// DefaultMaxCacheBehind is the number of change sets the current version cache may lag
	// behind the change log before bulk reads are refused.
	DefaultMaxCacheBehind = 2

	DefaultLockTimeout = 5 * time.Second

	CacheTypeDB  = "db"
	CacheTypeMem = "mem"
)

type Cache struct {
	Enabled        bool
	Type           string
	MaxCacheBehind int64
	// ContentCacheBytes bounds the in-process row content cache. Zero disables it.
	ContentCacheBytes int64
	// ChangeCacheSize bounds the in-process cache of immutable change records
	ChangeCacheSize   int
	ChangeCacheExpiry time.Duration
}

type Reconciler struct {
	Workers             int
	Interval            time.Duration
	BlobReadsPerSecond  int
	BlobReadParallelism int
}

type Tables struct {
	// Bucket is the storage namespace row set blobs are written to
	Bucket      string
	LockTimeout time.Duration
	Cache       Cache
	Reconciler  Reconciler
}
