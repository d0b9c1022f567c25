package core

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Keys overlap on "uid:X" in varying order.
			keys := []string{"uid:X", "tray:Y"}
			if i%2 == 0 {
				keys = []string{"tray:Y", "uid:X", "uid:X"}
			}
			unlock := k.Lock(keys...)
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
			unlock()
		}(i)
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("size() = %d after release, want 0", k.size())
	}
}

func TestKeyedMutexIgnoresEmptyKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("", "")
	if k.size() != 0 {
		t.Errorf("size() = %d, want 0", k.size())
	}
	unlock()
}
