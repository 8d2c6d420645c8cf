package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftq/driftq/internal/backoff"
	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/store"
	"github.com/driftq/driftq/internal/transport"
)

// stubTransport acks every send and lets tests inject events.
type stubTransport struct {
	mu     sync.Mutex
	sent   []string
	events chan transport.Event
}

func newStubTransport() *stubTransport {
	return &stubTransport{events: make(chan transport.Event, 16)}
}

func (s *stubTransport) SendMessage(_ context.Context, msg models.QueuedMessage) (transport.SendResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg.ClientID)
	s.mu.Unlock()
	return transport.SendResult{MessageID: "srv-" + msg.ClientID, ClientID: msg.ClientID}, nil
}

func (s *stubTransport) SendReply(ctx context.Context, msg models.QueuedMessage) (transport.SendResult, error) {
	return s.SendMessage(ctx, msg)
}

func (s *stubTransport) Connected() bool                 { return true }
func (s *stubTransport) Events() <-chan transport.Event  { return s.events }
func (s *stubTransport) Start(ctx context.Context) error { return nil }
func (s *stubTransport) Stop() error                     { return nil }

func (s *stubTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func fastBackoff() backoff.Config {
	return backoff.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5}
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *stubTransport) {
	t.Helper()
	st := store.NewMemoryStore()
	tr := newStubTransport()
	eng := New(st, tr, fastBackoff())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Engine.Start failed: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng, st, tr
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnqueueReturnsClientIDAndSends(t *testing.T) {
	eng, st, tr := newTestEngine(t)

	id := eng.Enqueue(models.Draft{
		Content:    "hello",
		TargetID:   "chan-1",
		TargetType: models.TargetTypeChannel,
	})
	if id == "" {
		t.Fatal("Enqueue must return a client ID")
	}

	waitFor(t, func() bool { return tr.sentCount() == 1 }, "Message was never sent")
	waitFor(t, func() bool {
		msgs, _ := st.ListQueuedByTarget("chan-1")
		return len(msgs) == 0
	}, "Confirmed message was not removed from the queue")
}

func TestCancelRemovesQueuedMessage(t *testing.T) {
	// No drain can succeed against a transport that is never started, so
	// the row sits in the queue until cancelled.
	st := store.NewMemoryStore()
	tr := newStubTransport()
	eng := New(st, tr, fastBackoff(), WithOnlineCheck(func() bool { return false }))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Engine.Start failed: %v", err)
	}
	defer eng.Stop()

	id := eng.Enqueue(models.Draft{Content: "x", TargetID: "chan-1", TargetType: models.TargetTypeChannel})

	waitFor(t, func() bool {
		msgs, _ := st.ListQueuedByTarget("chan-1")
		return len(msgs) == 1
	}, "Message was not queued")

	if err := eng.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	msgs, _ := st.ListQueuedByTarget("chan-1")
	if len(msgs) != 0 {
		t.Errorf("Expected empty queue after cancel, got %v", msgs)
	}

	if err := eng.Cancel(id); err != nil {
		t.Errorf("Cancelling twice should be a no-op, got: %v", err)
	}
}

func TestBroadcastMessageLandsInCache(t *testing.T) {
	_, st, tr := newTestEngine(t)

	now := time.Now()
	tr.events <- transport.Event{
		Type: transport.EventMessage,
		Message: &models.CachedMessage{
			ID: "srv-9", ChannelID: "chan-1", Sequence: 9,
			AuthorID: "u1", AuthorEmail: "u1@example.com",
			CreatedAt: now, UpdatedAt: now,
		},
	}

	waitFor(t, func() bool {
		msgs, _ := st.ListCachedByChannel("chan-1")
		return len(msgs) == 1 && msgs[0].ID == "srv-9"
	}, "Broadcast message never reached the cache")
}

func TestReconnectDrainsQueue(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newStubTransport()

	online := false
	var mu sync.Mutex
	eng := New(st, tr, fastBackoff(), WithOnlineCheck(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Engine.Start failed: %v", err)
	}
	defer eng.Stop()

	eng.Enqueue(models.Draft{Content: "offline msg", TargetID: "chan-1", TargetType: models.TargetTypeChannel})
	time.Sleep(20 * time.Millisecond)
	if tr.sentCount() != 0 {
		t.Fatal("Nothing should send while offline")
	}

	mu.Lock()
	online = true
	mu.Unlock()
	tr.events <- transport.Event{Type: transport.EventConnected}

	waitFor(t, func() bool { return tr.sentCount() == 1 }, "Reconnect never drained the queue")
}

func TestHydrateCache(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	now := time.Now()
	batch := []models.CachedMessage{
		{ID: "srv-1", ChannelID: "chan-1", Sequence: 1, AuthorID: "u1", AuthorEmail: "u1@example.com", CreatedAt: now, UpdatedAt: now},
		{ID: "srv-2", ChannelID: "chan-1", Sequence: 2, AuthorID: "u1", AuthorEmail: "u1@example.com", CreatedAt: now, UpdatedAt: now},
	}
	if err := eng.HydrateCache(batch); err != nil {
		t.Fatalf("HydrateCache failed: %v", err)
	}

	msgs, _ := st.ListCachedByChannel("chan-1")
	if len(msgs) != 2 {
		t.Errorf("Expected 2 hydrated messages, got %d", len(msgs))
	}
}

func TestQueueViewThroughEngine(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newStubTransport()
	eng := New(st, tr, fastBackoff(), WithOnlineCheck(func() bool { return false }))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Engine.Start failed: %v", err)
	}
	defer eng.Stop()

	id := eng.Enqueue(models.Draft{Content: "draft", TargetID: "chan-1", TargetType: models.TargetTypeChannel})

	view := eng.QueueView("chan-1")
	defer view.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case snapshot := <-view.Updates():
			if len(snapshot) == 1 && snapshot[0].ClientID == id {
				return
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("View never showed the queued draft")
}
