package views

import (
	"testing"
	"time"

	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/store"
)

func recvQueue(t *testing.T, v *QueueView) []models.QueuedMessage {
	t.Helper()
	select {
	case snapshot := <-v.Updates():
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for queue snapshot")
		return nil
	}
}

func recvCache(t *testing.T, v *CacheView) []models.CachedMessage {
	t.Helper()
	select {
	case snapshot := <-v.Updates():
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for cache snapshot")
		return nil
	}
}

func TestQueueViewInitialSnapshot(t *testing.T) {
	s := store.NewMemoryStore()
	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-1", TargetID: "chan-1",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})

	v := NewQueueView(s, s.Notifier(), "chan-1")
	defer v.Close()

	snapshot := recvQueue(t, v)
	if len(snapshot) != 1 || snapshot[0].ClientID != "msg-1" {
		t.Errorf("Expected initial snapshot with msg-1, got %v", snapshot)
	}
}

func TestQueueViewReactsToChanges(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewQueueView(s, s.Notifier(), "chan-1")
	defer v.Close()

	if snapshot := recvQueue(t, v); len(snapshot) != 0 {
		t.Fatalf("Expected empty initial snapshot, got %v", snapshot)
	}

	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-1", TargetID: "chan-1",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snapshot := recvQueue(t, v); len(snapshot) == 1 {
			return
		}
	}
	t.Fatal("View never reflected the enqueued message")
}

func TestQueueViewIgnoresOtherTargets(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewQueueView(s, s.Notifier(), "chan-1")
	defer v.Close()
	recvQueue(t, v) // initial

	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-other", TargetID: "chan-2",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})

	select {
	case snapshot := <-v.Updates():
		// A refresh is allowed (bulk changes carry no target), but it must
		// not leak the other target's message.
		if len(snapshot) != 0 {
			t.Errorf("Snapshot for chan-1 contains foreign rows: %v", snapshot)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueViewSeesRapidCrossTargetChanges(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewQueueView(s, s.Notifier(), "chan-b")
	defer v.Close()
	recvQueue(t, v) // initial

	// Back-to-back enqueues for different targets coalesce on the change
	// bus; the view watching the second target must still refresh.
	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-a", TargetID: "chan-a",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})
	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-b", TargetID: "chan-b",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot := recvQueue(t, v)
		if len(snapshot) == 1 && snapshot[0].ClientID == "msg-b" {
			return
		}
	}
	t.Fatal("View never reflected the second target's message")
}

func TestPendingViewExcludesSending(t *testing.T) {
	s := store.NewMemoryStore()
	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-1", TargetID: "chan-1",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now(),
	})
	s.EnqueueMessage(models.QueuedMessage{
		ClientID: "msg-2", TargetID: "chan-1",
		TargetType: models.TargetTypeChannel, CreatedAt: time.Now().Add(time.Second),
	})
	s.UpdateQueuedStatus("msg-1", models.QueueStatusSending, store.QueuedUpdate{})

	v := NewPendingView(s, s.Notifier(), "chan-1")
	defer v.Close()

	snapshot := recvQueue(t, v)
	if len(snapshot) != 1 || snapshot[0].ClientID != "msg-2" {
		t.Errorf("Pending view should exclude sending rows, got %v", snapshot)
	}
}

func TestCacheViewOrdersBySequence(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	s.PutCachedMessage(models.CachedMessage{
		ID: "srv-2", ChannelID: "chan-1", Sequence: 20,
		AuthorID: "u1", AuthorEmail: "u1@example.com", CreatedAt: now, UpdatedAt: now,
	})
	s.PutCachedMessage(models.CachedMessage{
		ID: "srv-1", ChannelID: "chan-1", Sequence: 10,
		AuthorID: "u1", AuthorEmail: "u1@example.com", CreatedAt: now, UpdatedAt: now,
	})

	v := NewCacheView(s, s.Notifier(), "chan-1", models.TargetTypeChannel)
	defer v.Close()

	snapshot := recvCache(t, v)
	if len(snapshot) != 2 {
		t.Fatalf("Expected 2 cached messages, got %d", len(snapshot))
	}
	if snapshot[0].ID != "srv-1" || snapshot[1].ID != "srv-2" {
		t.Errorf("Expected sequence order srv-1, srv-2; got %s, %s", snapshot[0].ID, snapshot[1].ID)
	}
}

func TestCacheViewConversation(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	s.PutCachedMessage(models.CachedMessage{
		ID: "srv-dm", ConversationID: "conv-1", Sequence: 1,
		AuthorID: "u1", AuthorEmail: "u1@example.com", CreatedAt: now, UpdatedAt: now,
	})

	v := NewCacheView(s, s.Notifier(), "conv-1", models.TargetTypeDirect)
	defer v.Close()

	snapshot := recvCache(t, v)
	if len(snapshot) != 1 || snapshot[0].ID != "srv-dm" {
		t.Errorf("Expected srv-dm for conv-1, got %v", snapshot)
	}
}

// failingQueueRepo errors on every read.
type failingQueueRepo struct {
	store.QueueRepo
}

func (f *failingQueueRepo) ListQueuedByTarget(string) ([]models.QueuedMessage, error) {
	return nil, errSimulated
}

var errSimulated = &simulatedError{}

type simulatedError struct{}

func (e *simulatedError) Error() string { return "simulated storage failure" }

func TestQueueViewNeverErrors(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewQueueView(&failingQueueRepo{QueueRepo: s}, s.Notifier(), "chan-1")
	defer v.Close()

	snapshot := recvQueue(t, v)
	if snapshot == nil {
		t.Error("Failed query must yield an empty snapshot, not nil")
	}
	if len(snapshot) != 0 {
		t.Errorf("Expected empty snapshot on storage failure, got %v", snapshot)
	}
}

func TestViewCloseStopsUpdates(t *testing.T) {
	s := store.NewMemoryStore()
	v := NewQueueView(s, s.Notifier(), "chan-1")
	recvQueue(t, v)
	v.Close()
	v.Close() // calling twice is safe

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := <-v.Updates(); !ok {
			return
		}
	}
	t.Fatal("Updates channel should close after Close")
}
