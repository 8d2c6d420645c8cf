// Package store provides storage backends for driftq.
//
// This file composes a full Store out of separate queue and cache backends,
// for deployments that keep the send queue on SQL durability while serving
// the message cache from redis.
package store

import (
	"errors"
	"time"

	"github.com/driftq/driftq/internal/models"
)

// CacheBackend is a cache-only backend with its own lifecycle, such as
// RedisCacheStore.
type CacheBackend interface {
	CacheRepo
	Notifier() *Notifier
	Close() error
}

// SplitStore implements Store by routing queue operations to one backend
// and cache operations to another. Change notifications from both sides are
// merged onto a single bus so views subscribe in one place.
type SplitStore struct {
	queue    Store
	cache    CacheBackend
	notifier *Notifier
	cancels  []func()
}

var _ Store = (*SplitStore)(nil)

// NewSplitStore combines a queue store and a cache backend.
func NewSplitStore(queue Store, cache CacheBackend) *SplitStore {
	s := &SplitStore{
		queue:    queue,
		cache:    cache,
		notifier: NewNotifier(),
	}
	for _, src := range []*Notifier{queue.Notifier(), cache.Notifier()} {
		ch, cancel := src.Subscribe()
		s.cancels = append(s.cancels, cancel)
		go func(ch <-chan Change) {
			for c := range ch {
				s.notifier.Publish(c)
			}
		}(ch)
	}
	return s
}

// Notifier returns the merged change bus.
func (s *SplitStore) Notifier() *Notifier {
	return s.notifier
}

// Close closes both backends.
func (s *SplitStore) Close() error {
	for _, cancel := range s.cancels {
		cancel()
	}
	return errors.Join(s.queue.Close(), s.cache.Close())
}

func (s *SplitStore) EnqueueMessage(msg models.QueuedMessage) error {
	return s.queue.EnqueueMessage(msg)
}

func (s *SplitStore) UpdateQueuedStatus(clientID string, status models.QueueStatus, upd QueuedUpdate) error {
	return s.queue.UpdateQueuedStatus(clientID, status, upd)
}

func (s *SplitStore) ListPendingMessages(targetID string) ([]models.QueuedMessage, error) {
	return s.queue.ListPendingMessages(targetID)
}

func (s *SplitStore) ListQueuedByTarget(targetID string) ([]models.QueuedMessage, error) {
	return s.queue.ListQueuedByTarget(targetID)
}

func (s *SplitStore) RemoveQueuedMessage(clientID string) error {
	return s.queue.RemoveQueuedMessage(clientID)
}

func (s *SplitStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	return s.queue.RequeueStaleSending(staleBefore)
}

func (s *SplitStore) PurgeSentMessages() (int, error) {
	return s.queue.PurgeSentMessages()
}

func (s *SplitStore) PutCachedMessage(msg models.CachedMessage) error {
	return s.cache.PutCachedMessage(msg)
}

func (s *SplitStore) PutCachedMessages(msgs []models.CachedMessage) error {
	return s.cache.PutCachedMessages(msgs)
}

func (s *SplitStore) ListCachedByChannel(channelID string) ([]models.CachedMessage, error) {
	return s.cache.ListCachedByChannel(channelID)
}

func (s *SplitStore) ListCachedByConversation(conversationID string) ([]models.CachedMessage, error) {
	return s.cache.ListCachedByConversation(conversationID)
}

func (s *SplitStore) MarkCachedDeleted(id string, deletedAt time.Time) error {
	return s.cache.MarkCachedDeleted(id, deletedAt)
}

func (s *SplitStore) EvictExpiredCached(retention time.Duration) (int, error) {
	return s.cache.EvictExpiredCached(retention)
}

func (s *SplitStore) ClearCachedMessages() error {
	return s.cache.ClearCachedMessages()
}
