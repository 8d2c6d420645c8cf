// Package store provides storage backends for driftq.
//
// This file implements an in-memory store used by tests and by callers that
// explicitly opt out of durability. The cache side rides on go-cache for
// native TTL handling; the queue side is a plain guarded map.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/driftq/driftq/internal/models"
)

// memory cache housekeeping interval.
const memoryCleanupInterval = time.Minute

// MemoryStore implements Store without persistence. Messages queued here do
// not survive a process restart; the engine degrades gracefully but loses
// its offline guarantee.
type MemoryStore struct {
	mu       sync.RWMutex
	queue    map[string]models.QueuedMessage
	order    map[string]int // insertion counter, tie-breaker for equal created_at
	next     int
	cache    *gocache.Cache
	index    map[string]map[string]struct{} // target key -> cached message IDs
	notifier *Notifier
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. The retention option bounds
// cache entry lifetime; TTLs are bound at write time, so the retention
// argument of EvictExpiredCached is ignored by this backend.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := Opts{Retention: DefaultRetention}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemoryStore{
		queue:    make(map[string]models.QueuedMessage),
		order:    make(map[string]int),
		cache:    gocache.New(cfg.Retention, memoryCleanupInterval),
		index:    make(map[string]map[string]struct{}),
		notifier: NewNotifier(),
	}
}

// Notifier returns the store's change bus.
func (s *MemoryStore) Notifier() *Notifier {
	return s.notifier
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// --- QueueRepo ---

func (s *MemoryStore) EnqueueMessage(msg models.QueuedMessage) error {
	s.mu.Lock()
	if _, exists := s.queue[msg.ClientID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("enqueue message failed: duplicate client ID %s", msg.ClientID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Status = models.QueueStatusPending
	msg.RetryCount = 0
	msg.LastError = ""
	msg.LastAttemptAt = nil
	s.queue[msg.ClientID] = msg
	s.order[msg.ClientID] = s.next
	s.next++
	s.mu.Unlock()

	s.notifier.Publish(Change{Scope: ScopeQueue, TargetID: msg.TargetID})
	return nil
}

func (s *MemoryStore) UpdateQueuedStatus(clientID string, status models.QueueStatus, upd QueuedUpdate) error {
	s.mu.Lock()
	msg, ok := s.queue[clientID]
	if !ok {
		// Row cancelled while a send was in flight; tolerate it.
		s.mu.Unlock()
		return nil
	}
	now := time.Now()
	msg.Status = status
	msg.LastAttemptAt = &now
	if upd.ServerID != nil {
		msg.ServerID = *upd.ServerID
	}
	if upd.RetryCount != nil {
		msg.RetryCount = *upd.RetryCount
	}
	if upd.LastError != nil {
		msg.LastError = *upd.LastError
	}
	s.queue[clientID] = msg
	s.mu.Unlock()

	s.notifier.Publish(Change{Scope: ScopeQueue})
	return nil
}

func (s *MemoryStore) ListPendingMessages(targetID string) ([]models.QueuedMessage, error) {
	return s.listQueued(func(m models.QueuedMessage) bool {
		if m.Status != models.QueueStatusPending && m.Status != models.QueueStatusFailed {
			return false
		}
		return targetID == "" || m.TargetID == targetID
	}), nil
}

func (s *MemoryStore) ListQueuedByTarget(targetID string) ([]models.QueuedMessage, error) {
	return s.listQueued(func(m models.QueuedMessage) bool {
		return m.TargetID == targetID && m.Status != models.QueueStatusSent
	}), nil
}

func (s *MemoryStore) listQueued(match func(models.QueuedMessage) bool) []models.QueuedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.QueuedMessage
	for _, m := range s.queue {
		if match(m) {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return s.order[msgs[i].ClientID] < s.order[msgs[j].ClientID]
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

func (s *MemoryStore) RemoveQueuedMessage(clientID string) error {
	s.mu.Lock()
	delete(s.queue, clientID)
	delete(s.order, clientID)
	s.mu.Unlock()

	s.notifier.Publish(Change{Scope: ScopeQueue})
	return nil
}

func (s *MemoryStore) PurgeSentMessages() (int, error) {
	s.mu.Lock()
	n := 0
	for id, m := range s.queue {
		if m.Status == models.QueueStatusSent {
			delete(s.queue, id)
			delete(s.order, id)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notifier.Publish(Change{Scope: ScopeQueue})
	}
	return n, nil
}

func (s *MemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	n := 0
	for id, m := range s.queue {
		if m.Status != models.QueueStatusSending {
			continue
		}
		if m.LastAttemptAt == nil || m.LastAttemptAt.Before(staleBefore) {
			m.Status = models.QueueStatusPending
			s.queue[id] = m
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notifier.Publish(Change{Scope: ScopeQueue})
	}
	return n, nil
}

// --- CacheRepo ---

func targetKey(msg models.CachedMessage) string {
	if msg.ChannelID != "" {
		return "ch:" + msg.ChannelID
	}
	return "dm:" + msg.ConversationID
}

func (s *MemoryStore) PutCachedMessage(msg models.CachedMessage) error {
	s.putCached(msg, time.Now())
	s.notifier.Publish(Change{Scope: ScopeCache, TargetID: msg.TargetID()})
	return nil
}

func (s *MemoryStore) PutCachedMessages(msgs []models.CachedMessage) error {
	now := time.Now()
	for _, msg := range msgs {
		s.putCached(msg, now)
	}
	if len(msgs) > 0 {
		s.notifier.Publish(Change{Scope: ScopeCache})
	}
	return nil
}

func (s *MemoryStore) putCached(msg models.CachedMessage, cachedAt time.Time) {
	msg.CachedAt = cachedAt
	s.mu.Lock()
	key := targetKey(msg)
	if s.index[key] == nil {
		s.index[key] = make(map[string]struct{})
	}
	s.index[key][msg.ID] = struct{}{}
	s.mu.Unlock()
	s.cache.Set(msg.ID, msg, gocache.DefaultExpiration)
}

func (s *MemoryStore) ListCachedByChannel(channelID string) ([]models.CachedMessage, error) {
	return s.listCached("ch:" + channelID), nil
}

func (s *MemoryStore) ListCachedByConversation(conversationID string) ([]models.CachedMessage, error) {
	return s.listCached("dm:" + conversationID), nil
}

func (s *MemoryStore) listCached(key string) []models.CachedMessage {
	s.mu.RLock()
	ids := make([]string, 0, len(s.index[key]))
	for id := range s.index[key] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var msgs []models.CachedMessage
	for _, id := range ids {
		if v, ok := s.cache.Get(id); ok {
			msgs = append(msgs, v.(models.CachedMessage))
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	return msgs
}

func (s *MemoryStore) MarkCachedDeleted(id string, deletedAt time.Time) error {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	msg := v.(models.CachedMessage)
	msg.DeletedAt = &deletedAt
	msg.CachedAt = time.Now()
	// Re-set refreshes the TTL, matching the persistent backends' cached_at bump.
	s.cache.Set(id, msg, gocache.DefaultExpiration)
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}

// EvictExpiredCached reconciles the target index against go-cache after its
// TTL sweep and returns how many entries disappeared. The retention
// argument is ignored: TTLs were fixed when each entry was written.
func (s *MemoryStore) EvictExpiredCached(time.Duration) (int, error) {
	s.cache.DeleteExpired()

	s.mu.Lock()
	n := 0
	for key, ids := range s.index {
		for id := range ids {
			if _, ok := s.cache.Get(id); !ok {
				delete(ids, id)
				n++
			}
		}
		if len(ids) == 0 {
			delete(s.index, key)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notifier.Publish(Change{Scope: ScopeCache})
	}
	return n, nil
}

func (s *MemoryStore) ClearCachedMessages() error {
	s.mu.Lock()
	s.index = make(map[string]map[string]struct{})
	s.mu.Unlock()
	s.cache.Flush()
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}
