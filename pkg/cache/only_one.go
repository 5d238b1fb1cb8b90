package cache

import (
	"github.com/puzpuzpuz/xsync"
)

// OnlyOne ensures only one concurrent evaluation of a keyed expression.
type OnlyOne interface {
	// Compute returns the value of calling fn(), but only calls fn once concurrently for
	// each key.
	Compute(key string, fn func() (interface{}, error)) (interface{}, error)
}

type call struct {
	done  chan struct{}
	value interface{}
	err   error
}

type ChanOnlyOne struct {
	calls *xsync.MapOf[string, *call]
}

func NewChanOnlyOne() *ChanOnlyOne {
	return &ChanOnlyOne{calls: xsync.NewMapOf[*call]()}
}

func (c *ChanOnlyOne) Compute(key string, fn func() (interface{}, error)) (interface{}, error) {
	mine := &call{done: make(chan struct{})}
	running, loaded := c.calls.LoadOrStore(key, mine)
	if loaded {
		<-running.done
		return running.value, running.err
	}
	defer func() {
		c.calls.Delete(key)
		close(mine.done)
	}()
	mine.value, mine.err = fn()
	return mine.value, mine.err
}
