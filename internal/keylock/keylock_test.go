package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestSameKeySerializes(t *testing.T) {
	var m Map[string]
	var mu sync.Mutex
	active, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do("app", func() {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected exclusive access, peak %d", peak)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.Len())
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	var m Map[int64]
	unlock := m.Lock(1)
	defer unlock()
	done := make(chan struct{})
	go func() {
		m.Do(2, func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("key 2 blocked behind key 1")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	var m Map[string]
	unlock := m.Lock("k")
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected no entries")
	}
}
