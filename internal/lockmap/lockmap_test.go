package lockmap

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	m := New()
	unlock := m.Lock("sbx-abc123")
	assert.NotNil(t, unlock)
	unlock()
}

// TestLockSerializesSameKey checks that concurrent lockers of the same key
// never observe more than one holder at a time, by tracking the high-water
// mark of a counter incremented under the lock.
func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var inCriticalSection int32
	var maxObserved int32
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("same-key")
			defer unlock()

			cur := atomic.AddInt32(&inCriticalSection, 1)
			for {
				prevMax := atomic.LoadInt32(&maxObserved)
				if cur <= prevMax || atomic.CompareAndSwapInt32(&maxObserved, prevMax, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inCriticalSection, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxObserved))
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	done := make(chan struct{})

	unlockA := m.Lock("key-a")
	go func() {
		unlockB := m.Lock("key-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
	unlockA()
}
