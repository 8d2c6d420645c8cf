package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingDrainer records drain requests.
type countingDrainer struct {
	count atomic.Int32
}

func (d *countingDrainer) Drain(ctx context.Context) {
	d.count.Add(1)
}

// waitForDrains polls until the drainer has seen at least n drains.
func waitForDrains(t *testing.T, d *countingDrainer, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.count.Load() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected at least %d drains, got %d", n, d.count.Load())
}

func TestConnectivityRestoredTriggersDrain(t *testing.T) {
	d := &countingDrainer{}
	// Connectivity restoration drains even when the transport has not
	// reconnected yet.
	c := NewCoordinator(d, func() bool { return true }, func() bool { return false })
	c.Start(context.Background())
	defer c.Stop()

	c.NotifyConnectivityRestored()
	waitForDrains(t, d, 1)
}

func TestVisibilityRestoredRequiresOnline(t *testing.T) {
	d := &countingDrainer{}
	c := NewCoordinator(d, func() bool { return false }, func() bool { return true })
	c.Start(context.Background())
	defer c.Stop()

	c.NotifyVisibilityRestored()

	time.Sleep(50 * time.Millisecond)
	if d.count.Load() != 0 {
		t.Error("Visibility trigger while offline must not drain")
	}
}

func TestVisibilityRestoredRequiresTransport(t *testing.T) {
	d := &countingDrainer{}
	c := NewCoordinator(d, func() bool { return true }, func() bool { return false })
	c.Start(context.Background())
	defer c.Stop()

	c.NotifyVisibilityRestored()

	time.Sleep(50 * time.Millisecond)
	if d.count.Load() != 0 {
		t.Error("Visibility trigger with transport down must not drain")
	}
}

func TestVisibilityRestoredDrainsWhenHealthy(t *testing.T) {
	d := &countingDrainer{}
	c := NewCoordinator(d, func() bool { return true }, func() bool { return true })
	c.Start(context.Background())
	defer c.Stop()

	c.NotifyVisibilityRestored()
	waitForDrains(t, d, 1)
}

func TestTransportReconnectedDrainsAfterJitter(t *testing.T) {
	d := &countingDrainer{}
	c := NewCoordinator(d, nil, nil, WithMaxJitter(10*time.Millisecond))
	c.Start(context.Background())
	defer c.Stop()

	c.NotifyTransportReconnected()
	waitForDrains(t, d, 1)
}

type recordingRegistrar struct {
	tags []string
}

func (r *recordingRegistrar) RegisterBackgroundSync(tag string) error {
	r.tags = append(r.tags, tag)
	return nil
}

func TestBackgroundSyncRegistration(t *testing.T) {
	d := &countingDrainer{}
	reg := &recordingRegistrar{}
	c := NewCoordinator(d, nil, nil, WithRegistrar(reg))
	c.Start(context.Background())
	defer c.Stop()

	if len(reg.tags) != 1 || reg.tags[0] != BackgroundSyncTag {
		t.Errorf("Expected background sync registration with %q, got %v", BackgroundSyncTag, reg.tags)
	}
}

func TestStopHaltsTriggerLoop(t *testing.T) {
	d := &countingDrainer{}
	c := NewCoordinator(d, nil, nil)
	c.Start(context.Background())
	c.Stop()
	c.Stop() // calling twice is safe

	c.NotifyConnectivityRestored()
	time.Sleep(50 * time.Millisecond)
	if d.count.Load() != 0 {
		t.Error("Triggers after Stop must not drain")
	}
}
