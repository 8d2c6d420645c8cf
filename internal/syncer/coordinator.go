// Package syncer coordinates the triggers that kick off a queue drain:
// connectivity restoration, visibility restoration, and transport
// reconnects. Triggers are coalesced; the processor's single-flight guard
// makes overlapping requests harmless anyway.
package syncer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// MaxReconnectJitter spreads drains after a transport reconnect so a fleet
// of clients does not stampede the server at the same instant.
const MaxReconnectJitter = 500 * time.Millisecond

// Drainer is the queue processor surface the coordinator drives.
type Drainer interface {
	Drain(ctx context.Context)
}

// Registrar registers a background sync task with the host platform so a
// drain can run even after the process is suspended. Registration is best
// effort; failures are logged and the in-process triggers still fire.
type Registrar interface {
	RegisterBackgroundSync(tag string) error
}

// BackgroundSyncTag identifies the queued-message flush task with the host.
const BackgroundSyncTag = "driftq-flush-queue"

// Coordinator turns platform events into drain requests.
type Coordinator struct {
	drainer   Drainer
	online    func() bool
	connected func() bool
	registrar Registrar
	jitter    time.Duration

	triggers chan string
	cancel   context.CancelFunc
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistrar attaches a platform background sync registrar.
func WithRegistrar(r Registrar) Option {
	return func(c *Coordinator) { c.registrar = r }
}

// WithMaxJitter overrides the reconnect jitter ceiling.
func WithMaxJitter(d time.Duration) Option {
	return func(c *Coordinator) { c.jitter = d }
}

// NewCoordinator creates a Coordinator. online is the platform connectivity
// probe and connected reports the transport channel state; either may be
// nil, which reads as true.
func NewCoordinator(drainer Drainer, online, connected func() bool, opts ...Option) *Coordinator {
	c := &Coordinator{
		drainer:   drainer,
		online:    online,
		connected: connected,
		jitter:    MaxReconnectJitter,
		triggers:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the trigger loop and registers background sync.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.done = make(chan struct{})

		if c.registrar != nil {
			if err := c.registrar.RegisterBackgroundSync(BackgroundSyncTag); err != nil {
				slog.Warn("Coordinator.Start: background sync registration failed", "error", err)
			}
		}

		go c.run(runCtx)
		slog.Info("Coordinator started")
	})
}

// Stop shuts the trigger loop down and waits for it to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.done != nil {
			<-c.done
		}
		slog.Info("Coordinator stopped")
	})
}

// NotifyConnectivityRestored requests an immediate drain. Connectivity
// coming back is the one trigger that never waits.
func (c *Coordinator) NotifyConnectivityRestored() {
	c.request("connectivity")
}

// NotifyVisibilityRestored requests a drain when the app returns to the
// foreground, but only if both the platform and the transport agree the
// network is usable. A backgrounded tab regaining focus while offline must
// not spin the queue.
func (c *Coordinator) NotifyVisibilityRestored() {
	if c.online != nil && !c.online() {
		slog.Debug("Coordinator: visibility trigger dropped, offline")
		return
	}
	if c.connected != nil && !c.connected() {
		slog.Debug("Coordinator: visibility trigger dropped, transport down")
		return
	}
	c.request("visibility")
}

// NotifyTransportReconnected requests a drain after a random 0 to jitter
// delay.
func (c *Coordinator) NotifyTransportReconnected() {
	delay := time.Duration(rand.Int64N(int64(c.jitter) + 1))
	time.AfterFunc(delay, func() {
		c.request("reconnect")
	})
}

// request hands a trigger to the loop without blocking. A full channel
// means a drain request is already queued, so the trigger coalesces.
func (c *Coordinator) request(source string) {
	select {
	case c.triggers <- source:
	default:
		slog.Debug("Coordinator.request: trigger coalesced", "source", source)
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case source := <-c.triggers:
			slog.Debug("Coordinator.run: draining", "source", source)
			c.drainer.Drain(ctx)
		}
	}
}
