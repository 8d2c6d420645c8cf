// Package views provides reactive read models over the stores. A view
// re-runs its query whenever the store reports a relevant change and pushes
// the fresh snapshot to subscribers; the UI layer only ever renders
// snapshots, it never queries storage directly.
//
// Views never surface errors. A failed query logs and yields an empty
// snapshot, so a rendering layer downstream cannot wedge on storage
// trouble.
package views

import (
	"log/slog"
	"sync"

	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/store"
)

// relevant reports whether a store change should refresh a view watching
// the given scope and target. An empty scope or target on the change means
// it was coalesced from (or spans) several mutations, so every view
// refreshes.
func relevant(ch store.Change, scope store.Scope, targetID string) bool {
	if ch.Scope != "" && ch.Scope != scope {
		return false
	}
	return ch.TargetID == "" || targetID == "" || ch.TargetID == targetID
}

// QueueView is a live snapshot of the unsent messages for one target,
// rendered by the UI beneath the confirmed history. The pending-only
// variant narrows to rows still awaiting a drain (pending or failed).
type QueueView struct {
	repo        store.QueueRepo
	targetID    string
	pendingOnly bool

	updates chan []models.QueuedMessage
	unsub   func()
	done    chan struct{}
	once    sync.Once
}

// NewQueueView subscribes to queue changes for targetID and emits an
// initial snapshot immediately.
func NewQueueView(repo store.QueueRepo, notifier *store.Notifier, targetID string) *QueueView {
	return newQueueView(repo, notifier, targetID, false)
}

// NewPendingView is NewQueueView restricted to pending and failed rows.
func NewPendingView(repo store.QueueRepo, notifier *store.Notifier, targetID string) *QueueView {
	return newQueueView(repo, notifier, targetID, true)
}

func newQueueView(repo store.QueueRepo, notifier *store.Notifier, targetID string, pendingOnly bool) *QueueView {
	changes, unsub := notifier.Subscribe()
	v := &QueueView{
		repo:        repo,
		targetID:    targetID,
		pendingOnly: pendingOnly,
		updates:     make(chan []models.QueuedMessage, 1),
		unsub:       unsub,
		done:        make(chan struct{}),
	}
	v.push(v.query())
	go v.run(changes)
	return v
}

// Updates returns the snapshot stream. Each receive observes the newest
// state; intermediate snapshots may be dropped.
func (v *QueueView) Updates() <-chan []models.QueuedMessage {
	return v.updates
}

// Close detaches the view from the store and closes the snapshot stream.
func (v *QueueView) Close() {
	v.once.Do(func() {
		v.unsub()
		close(v.done)
	})
}

func (v *QueueView) run(changes <-chan store.Change) {
	for {
		select {
		case <-v.done:
			close(v.updates)
			return
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !relevant(ch, store.ScopeQueue, v.targetID) {
				continue
			}
			v.push(v.query())
		}
	}
}

func (v *QueueView) query() []models.QueuedMessage {
	var msgs []models.QueuedMessage
	var err error
	if v.pendingOnly {
		msgs, err = v.repo.ListPendingMessages(v.targetID)
	} else {
		msgs, err = v.repo.ListQueuedByTarget(v.targetID)
	}
	if err != nil {
		slog.Error("QueueView.query: list failed", "targetID", v.targetID, "error", err)
		return []models.QueuedMessage{}
	}
	if msgs == nil {
		msgs = []models.QueuedMessage{}
	}
	return msgs
}

// push replaces any undelivered snapshot with the latest one.
func (v *QueueView) push(snapshot []models.QueuedMessage) {
	for {
		select {
		case v.updates <- snapshot:
			return
		default:
			select {
			case <-v.updates:
			default:
			}
		}
	}
}

// CacheView is a live snapshot of the cached message history for one
// channel or direct conversation, ordered by server sequence.
type CacheView struct {
	repo       store.CacheRepo
	targetID   string
	targetType models.TargetType

	updates chan []models.CachedMessage
	unsub   func()
	done    chan struct{}
	once    sync.Once
}

// NewCacheView subscribes to cache changes for the target and emits an
// initial snapshot immediately.
func NewCacheView(repo store.CacheRepo, notifier *store.Notifier, targetID string, targetType models.TargetType) *CacheView {
	changes, unsub := notifier.Subscribe()
	v := &CacheView{
		repo:       repo,
		targetID:   targetID,
		targetType: targetType,
		updates:    make(chan []models.CachedMessage, 1),
		unsub:      unsub,
		done:       make(chan struct{}),
	}
	v.push(v.query())
	go v.run(changes)
	return v
}

// Updates returns the snapshot stream.
func (v *CacheView) Updates() <-chan []models.CachedMessage {
	return v.updates
}

// Close detaches the view from the store and closes the snapshot stream.
func (v *CacheView) Close() {
	v.once.Do(func() {
		v.unsub()
		close(v.done)
	})
}

func (v *CacheView) run(changes <-chan store.Change) {
	for {
		select {
		case <-v.done:
			close(v.updates)
			return
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !relevant(ch, store.ScopeCache, v.targetID) {
				continue
			}
			v.push(v.query())
		}
	}
}

func (v *CacheView) query() []models.CachedMessage {
	var msgs []models.CachedMessage
	var err error
	if v.targetType == models.TargetTypeDirect {
		msgs, err = v.repo.ListCachedByConversation(v.targetID)
	} else {
		msgs, err = v.repo.ListCachedByChannel(v.targetID)
	}
	if err != nil {
		slog.Error("CacheView.query: list failed", "targetID", v.targetID, "error", err)
		return []models.CachedMessage{}
	}
	if msgs == nil {
		msgs = []models.CachedMessage{}
	}
	return msgs
}

func (v *CacheView) push(snapshot []models.CachedMessage) {
	for {
		select {
		case v.updates <- snapshot:
			return
		default:
			select {
			case <-v.updates:
			default:
			}
		}
	}
}
