package cache

import (
	"errors"
	"math/rand"
	"time"

	lru "github.com/hnlq715/golang-lru"
)

type JitterFn func() time.Duration
type SetFn func() (v interface{}, err error)
type EvictionCallback func(key interface{}, value interface{})

// Params controls a Cache.
type Params struct {
	// User-visible name to give this cache.
	Name string
	// Size is the maximal number of entries held.
	Size int
	// Expiry is the time to keep an element before it is refetched.
	Expiry time.Duration
	// JitterFn is added to Expiry, to spread refetches of elements set together.
	JitterFn JitterFn
	// OnEvict is called after an element has been evicted from the cache.
	OnEvict EvictionCallback
}

type Cache interface {
	Name() string
	GetOrSet(k interface{}, setFn SetFn) (v interface{}, err error)
	// Purge drops every entry
	Purge()
}

type GetSetCache struct {
	p      *Params
	lru    *lru.Cache
	locker *ChanLocker
}

var ErrCacheItemNotFound = errors.New("cache item not found")

func NewCache(size int, expiry time.Duration, jitterFn JitterFn) *GetSetCache {
	return NewCacheByParams(&Params{Size: size, Expiry: expiry, JitterFn: jitterFn})
}

func NewCacheByParams(p *Params) *GetSetCache {
	c, err := lru.NewWithEvict(p.Size, p.OnEvict)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	if p.JitterFn == nil {
		p.JitterFn = func() time.Duration { return 0 }
	}
	return &GetSetCache{
		lru:    c,
		locker: NewChanLocker(),
		p:      p,
	}
}

// GetOrSet returns the cached value of k, calling setFn once to fill it when missing.
// Concurrent callers for the same key wait for that single call.
func (c *GetSetCache) GetOrSet(k interface{}, setFn SetFn) (v interface{}, err error) {
	if v, ok := c.lru.Get(k); ok {
		return v, nil
	}
	acquired := c.locker.Lock(k, func() {
		v, err = setFn()
		if err != nil {
			return
		}
		c.lru.AddEx(k, v, c.p.Expiry+c.p.JitterFn())
	})
	if acquired {
		return v, err
	}

	// someone else got the lock first and should have inserted something
	if v, ok := c.lru.Get(k); ok {
		return v, nil
	}

	// the other caller's fetch failed
	return nil, ErrCacheItemNotFound
}

func (c *GetSetCache) Name() string { return c.p.Name }

func (c *GetSetCache) Purge() { c.lru.Purge() }

func NewJitterFn(jitter time.Duration) JitterFn {
	if jitter <= 0 {
		return func() time.Duration { return 0 }
	}
	return func() time.Duration {
		return time.Duration(rand.Int63n(int64(jitter))) //nolint:gosec
	}
}
