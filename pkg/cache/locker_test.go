package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/tables/pkg/cache"
)

func TestChanLockerSequential(t *testing.T) {
	c := cache.NewChanLocker()
	require.True(t, c.Lock("foo", func() {}))
	require.True(t, c.Lock("foo", func() {}), "lock must be released after fn returns")
}

func TestChanLockerConcurrent(t *testing.T) {
	c := cache.NewChanLocker()
	running := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		acquired := c.Lock("foo", func() {
			close(running)
			<-release
		})
		if !acquired {
			t.Error("first lock should acquire")
		}
	}()
	<-running

	wg.Add(1)
	go func() {
		defer wg.Done()
		acquired := c.Lock("foo", func() { t.Error("second fn on the same key must not run") })
		if acquired {
			t.Error("second lock should not acquire")
		}
	}()

	require.True(t, c.Lock("bar", func() {}), "other keys are independent")
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
}
