package store

import (
	"testing"
	"time"
)

func TestSplitStoreRoutesOperations(t *testing.T) {
	queueSide := NewMemoryStore()
	cacheSide := NewMemoryStore()
	s := NewSplitStore(queueSide, cacheSide)
	defer s.Close()

	if err := s.EnqueueMessage(queuedMsg("msg-1", "chan-1", time.Now())); err != nil {
		t.Fatalf("EnqueueMessage failed: %v", err)
	}
	if err := s.PutCachedMessage(cachedMsg("srv-1", "chan-1", 1)); err != nil {
		t.Fatalf("PutCachedMessage failed: %v", err)
	}

	// Queue rows land on the queue backend only.
	msgs, _ := queueSide.ListPendingMessages("")
	if len(msgs) != 1 {
		t.Errorf("Queue backend should hold the queued row, got %d", len(msgs))
	}

	// Cache rows land on the cache backend only.
	cached, _ := cacheSide.ListCachedByChannel("chan-1")
	if len(cached) != 1 {
		t.Errorf("Cache backend should hold the cached row, got %d", len(cached))
	}
	cached, _ = queueSide.ListCachedByChannel("chan-1")
	if len(cached) != 0 {
		t.Errorf("Queue backend should not see cache writes, got %d", len(cached))
	}
}

func TestSplitStoreMergesNotifications(t *testing.T) {
	queueSide := NewMemoryStore()
	cacheSide := NewMemoryStore()
	s := NewSplitStore(queueSide, cacheSide)
	defer s.Close()

	ch, cancel := s.Notifier().Subscribe()
	defer cancel()

	recv := func(what string) Change {
		t.Helper()
		select {
		case c := <-ch:
			return c
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for %s notification", what)
			return Change{}
		}
	}

	s.EnqueueMessage(queuedMsg("msg-1", "chan-1", time.Now()))
	if c := recv("queue"); c.Scope != ScopeQueue {
		t.Errorf("Expected queue change, got %+v", c)
	}

	s.PutCachedMessage(cachedMsg("srv-1", "chan-1", 1))
	if c := recv("cache"); c.Scope != ScopeCache {
		t.Errorf("Expected cache change, got %+v", c)
	}
}
