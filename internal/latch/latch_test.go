package latch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/latch"
)

func TestMutexExclusion(t *testing.T) {
	m := latch.NewMutex(64)
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestRWLatchReadersDontBlockReaders(t *testing.T) {
	l := &latch.RWLatch{}
	l.LockS()
	done := make(chan struct{})
	go func() {
		l.LockS()
		l.UnlockS()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked behind first reader")
	}
	l.UnlockS()
}

func TestRWLatchXIsReentrant(t *testing.T) {
	l := &latch.RWLatch{}
	l.LockX()
	require.True(t, l.IsXLockedByMe())
	l.LockX() // recursive acquisition from the same goroutine
	l.UnlockX()
	require.True(t, l.IsXLockedByMe())
	l.UnlockX()
}

func TestRWLatchExcludesWriters(t *testing.T) {
	l := &latch.RWLatch{}
	l.LockX()
	acquired := make(chan struct{})
	go func() {
		l.LockX()
		close(acquired)
		l.UnlockX()
	}()
	select {
	case <-acquired:
		t.Fatal("second writer acquired latch while first held it")
	case <-time.After(50 * time.Millisecond):
	}
	l.UnlockX()
	<-acquired
}
