package concurrency

import (
	"sync"
	"testing"
)

func TestKeyedLockManager_RejectsSecondAcquire(t *testing.T) {
	m := NewKeyedLockManager()

	if !m.TryAcquire("42:/home/alice/project") {
		t.Fatal("first acquire should succeed")
	}
	if m.TryAcquire("42:/home/alice/project") {
		t.Fatal("second acquire on held key should fail")
	}
	if !m.TryAcquire("42:/home/alice/other") {
		t.Fatal("different key should be independent")
	}

	m.Release("42:/home/alice/project")
	if !m.TryAcquire("42:/home/alice/project") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestKeyedLockManager_ReleaseUnheldIsNoop(t *testing.T) {
	m := NewKeyedLockManager()
	m.Release("never-held")

	if m.IsHeld("never-held") {
		t.Fatal("key should not be held")
	}
}

func TestKeyedLockManager_ConcurrentSingleWinner(t *testing.T) {
	m := NewKeyedLockManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryAcquire("shared") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
