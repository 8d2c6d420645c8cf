package store

import (
	"testing"
	"time"
)

func TestNotifierDelivers(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Publish(Change{Scope: ScopeQueue, TargetID: "chan-1"})

	select {
	case c := <-ch:
		if c.Scope != ScopeQueue || c.TargetID != "chan-1" {
			t.Errorf("Unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a change notification")
	}
}

func TestNotifierCoalesces(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	// A slow subscriber must never block publishers; extra publishes fold
	// into the one pending notification.
	for i := 0; i < 10; i++ {
		n.Publish(Change{Scope: ScopeCache})
	}

	<-ch
	select {
	case <-ch:
		t.Error("Expected publishes to coalesce into a single notification")
	default:
	}
}

func TestNotifierWidensCoalescedTargets(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	// Two back-to-back publishes for different targets land before the
	// subscriber reads. The pending notification must widen so a subscriber
	// filtering on either target still refreshes.
	n.Publish(Change{Scope: ScopeQueue, TargetID: "chan-a"})
	n.Publish(Change{Scope: ScopeQueue, TargetID: "chan-b"})

	select {
	case c := <-ch:
		if c.Scope != ScopeQueue {
			t.Errorf("Expected queue scope, got %+v", c)
		}
		if c.TargetID != "" {
			t.Errorf("Coalesced cross-target change must carry no target, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a coalesced notification")
	}
}

func TestNotifierWidensCoalescedScopes(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Publish(Change{Scope: ScopeQueue, TargetID: "chan-a"})
	n.Publish(Change{Scope: ScopeCache, TargetID: "chan-a"})

	select {
	case c := <-ch:
		if c.Scope != "" {
			t.Errorf("Coalesced cross-scope change must carry no scope, got %+v", c)
		}
		if c.TargetID != "chan-a" {
			t.Errorf("Shared target should survive coalescing, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a coalesced notification")
	}
}

func TestNotifierCancelClosesChannel(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()

	cancel()
	cancel() // calling twice is safe

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic.
	n.Publish(Change{Scope: ScopeQueue})
}

func TestNotifierMultipleSubscribers(t *testing.T) {
	n := NewNotifier()
	ch1, cancel1 := n.Subscribe()
	ch2, cancel2 := n.Subscribe()
	defer cancel1()
	defer cancel2()

	n.Publish(Change{Scope: ScopeQueue})

	for i, ch := range []<-chan Change{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d did not receive the change", i+1)
		}
	}
}
