// Package engine wires the stores, transport, queue processor, and sync
// coordinator into the single facade the application embeds.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftq/driftq/internal/backoff"
	"github.com/driftq/driftq/internal/metrics"
	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/store"
	"github.com/driftq/driftq/internal/syncer"
	"github.com/driftq/driftq/internal/transport"
	"github.com/driftq/driftq/internal/util"
	"github.com/driftq/driftq/internal/views"
)

// DefaultEvictionInterval paces the background cache eviction sweep.
const DefaultEvictionInterval = 1 * time.Hour

// Engine is the offline-first delivery engine: it accepts drafts
// unconditionally, drains them to the server when it can, and keeps the
// local message cache hydrated from transport broadcasts.
type Engine struct {
	store     store.Store
	transport transport.Transport
	processor *queue.Processor
	coord     *syncer.Coordinator
	online    func() bool
	retention time.Duration
	evictTick time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnlineCheck supplies the platform connectivity probe. Nil means
// assume online.
func WithOnlineCheck(online func() bool) Option {
	return func(e *Engine) { e.online = online }
}

// WithRetention overrides the cache retention window.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// WithEvictionInterval overrides the eviction sweep cadence.
func WithEvictionInterval(d time.Duration) Option {
	return func(e *Engine) { e.evictTick = d }
}

// New assembles an Engine over the given store and transport.
func New(st store.Store, tr transport.Transport, cfg backoff.Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		transport: tr,
		retention: store.DefaultRetention,
		evictTick: DefaultEvictionInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.processor = queue.NewProcessor(st, tr, cfg, queue.WithOnlineCheck(e.online))
	e.coord = syncer.NewCoordinator(e.processor, e.online, tr.Connected)
	return e
}

// Start brings up the transport, recovers crash leftovers, and launches the
// background loops. The context bounds the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		metrics.Init()

		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel

		if err := e.processor.RecoverStale(); err != nil {
			slog.Error("Engine.Start: stale recovery failed", "error", err)
		}

		if err := e.transport.Start(runCtx); err != nil {
			cancel()
			startErr = err
			return
		}

		e.coord.Start(runCtx)

		e.wg.Add(2)
		go e.eventLoop(runCtx)
		go e.evictionLoop(runCtx)

		// Anything queued while the process was down goes out now.
		go e.processor.Drain(runCtx)

		slog.Info("Engine started")
	})
	return startErr
}

// Stop shuts everything down in dependency order.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.coord.Stop()
		if err := e.transport.Stop(); err != nil {
			slog.Error("Engine.Stop: transport stop failed", "error", err)
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if err := e.store.Close(); err != nil {
			slog.Error("Engine.Stop: store close failed", "error", err)
		}
		slog.Info("Engine stopped")
	})
}

// Enqueue accepts a draft unconditionally and returns the client ID the
// caller can use to track or cancel it. Acceptance never depends on
// connectivity; a send attempt is kicked off opportunistically.
func (e *Engine) Enqueue(draft models.Draft) string {
	msg := models.QueuedMessage{
		ClientID:      util.NewClientID(),
		Content:       draft.Content,
		TargetID:      draft.TargetID,
		TargetType:    draft.TargetType,
		ParentID:      draft.ParentID,
		AttachmentIDs: draft.AttachmentIDs,
		Status:        models.QueueStatusPending,
		CreatedAt:     time.Now(),
	}

	if err := e.store.EnqueueMessage(msg); err != nil {
		// The caller already has the optimistic row on screen; surfacing an
		// error here would contradict it. The message is lost and logged.
		slog.Error("Engine.Enqueue: persist failed", "clientID", msg.ClientID, "error", err)
		return msg.ClientID
	}
	metrics.MessagesEnqueued.Inc()
	slog.Debug("Engine.Enqueue: queued", "clientID", msg.ClientID, "targetID", msg.TargetID)

	go e.processor.Drain(context.Background())
	return msg.ClientID
}

// Cancel removes a queued message before it is confirmed. Cancelling a
// message that already went out (or never existed) is a no-op.
func (e *Engine) Cancel(clientID string) error {
	return e.store.RemoveQueuedMessage(clientID)
}

// RetryNow requests an immediate drain, bypassing any backoff wait the
// failed messages would otherwise sit out.
func (e *Engine) RetryNow() {
	go e.processor.Drain(context.Background())
}

// NotifyConnectivityRestored forwards the platform's online signal.
func (e *Engine) NotifyConnectivityRestored() {
	e.coord.NotifyConnectivityRestored()
}

// NotifyVisibilityRestored forwards the platform's foreground signal.
func (e *Engine) NotifyVisibilityRestored() {
	e.coord.NotifyVisibilityRestored()
}

// QueueView returns a live view of the unsent messages for a target.
func (e *Engine) QueueView(targetID string) *views.QueueView {
	return views.NewQueueView(e.store, e.store.Notifier(), targetID)
}

// PendingView returns a live view of the pending and failed rows for a
// target, the subset still awaiting delivery.
func (e *Engine) PendingView(targetID string) *views.QueueView {
	return views.NewPendingView(e.store, e.store.Notifier(), targetID)
}

// CacheView returns a live view of the cached history for a target.
func (e *Engine) CacheView(targetID string, targetType models.TargetType) *views.CacheView {
	return views.NewCacheView(e.store, e.store.Notifier(), targetID, targetType)
}

// HydrateCache bulk-loads confirmed messages fetched out of band (initial
// history sync, pagination) into the cache.
func (e *Engine) HydrateCache(msgs []models.CachedMessage) error {
	return e.store.PutCachedMessages(msgs)
}

// eventLoop consumes transport events: reconnects trigger jittered drains
// and broadcast messages land in the cache.
func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.transport.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case transport.EventConnected:
				e.coord.NotifyTransportReconnected()
			case transport.EventMessage:
				if ev.Message == nil {
					continue
				}
				if err := e.store.PutCachedMessage(*ev.Message); err != nil {
					slog.Error("Engine.eventLoop: cache write failed", "id", ev.Message.ID, "error", err)
				}
			case transport.EventDisconnected:
				slog.Debug("Engine.eventLoop: transport disconnected")
			}
		}
	}
}

// evictionLoop sweeps expired cache rows on a timer.
func (e *Engine) evictionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.evictTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.EvictExpiredCached(e.retention)
			if err != nil {
				slog.Error("Engine.evictionLoop: eviction failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.CacheEvictions.Add(float64(n))
				slog.Info("Engine.evictionLoop: evicted expired cache rows", "count", n)
			}
		}
	}
}
