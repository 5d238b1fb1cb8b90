package cache

import "sync"

// ChanLocker runs at most one function per key at a time
type ChanLocker struct {
	mu      sync.Mutex
	waiters map[interface{}]chan struct{}
}

func NewChanLocker() *ChanLocker {
	return &ChanLocker{waiters: make(map[interface{}]chan struct{})}
}

// Lock runs fn and returns true if no other fn for k is running. Otherwise it waits for the
// running fn to finish and returns false without calling fn.
func (l *ChanLocker) Lock(k interface{}, fn func()) bool {
	l.mu.Lock()
	if ch, ok := l.waiters[k]; ok {
		l.mu.Unlock()
		<-ch
		return false
	}
	ch := make(chan struct{})
	l.waiters[k] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, k)
		l.mu.Unlock()
		close(ch)
	}()
	fn()
	return true
}
