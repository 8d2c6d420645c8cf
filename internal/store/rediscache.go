// Package store provides storage backends for driftq.
//
// This file implements a redis-backed message cache for deployments that
// already run a local redis next to the client. Values are msgpack-encoded
// and expire via redis TTLs; per-target ordering rides on sorted sets keyed
// by sequence. The send queue is not offered on redis: queued messages need
// the durability of the SQL backends.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftq/driftq/internal/models"
)

const (
	redisMsgPrefix  = "driftq:msg:"
	redisChanPrefix = "driftq:chan:"
	redisConvPrefix = "driftq:conv:"
)

// RedisCacheStore implements CacheRepo on redis.
type RedisCacheStore struct {
	client    *redis.Client
	retention time.Duration
	notifier  *Notifier
}

var _ CacheRepo = (*RedisCacheStore)(nil)

// NewRedisCacheStore connects to redis and verifies the connection.
func NewRedisCacheStore(addr, password string, db int, opts ...Option) (*RedisCacheStore, error) {
	cfg := Opts{Retention: DefaultRetention}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCacheStore{
		client:    client,
		retention: cfg.Retention,
		notifier:  NewNotifier(),
	}, nil
}

// Notifier returns the store's change bus.
func (s *RedisCacheStore) Notifier() *Notifier {
	return s.notifier
}

// Close closes the redis connection.
func (s *RedisCacheStore) Close() error {
	return s.client.Close()
}

func redisTargetKey(msg models.CachedMessage) string {
	if msg.ChannelID != "" {
		return redisChanPrefix + msg.ChannelID
	}
	return redisConvPrefix + msg.ConversationID
}

func (s *RedisCacheStore) PutCachedMessage(msg models.CachedMessage) error {
	if err := s.putCached(context.Background(), msg, time.Now()); err != nil {
		return err
	}
	s.notifier.Publish(Change{Scope: ScopeCache, TargetID: msg.TargetID()})
	return nil
}

func (s *RedisCacheStore) PutCachedMessages(msgs []models.CachedMessage) error {
	ctx := context.Background()
	now := time.Now()
	for _, msg := range msgs {
		if err := s.putCached(ctx, msg, now); err != nil {
			return err
		}
	}
	if len(msgs) > 0 {
		s.notifier.Publish(Change{Scope: ScopeCache})
	}
	return nil
}

func (s *RedisCacheStore) putCached(ctx context.Context, msg models.CachedMessage, cachedAt time.Time) error {
	msg.CachedAt = cachedAt
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode cached message %s failed: %w", msg.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisMsgPrefix+msg.ID, data, s.retention)
	pipe.ZAdd(ctx, redisTargetKey(msg), redis.Z{Score: float64(msg.Sequence), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put cached message %s failed: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisCacheStore) ListCachedByChannel(channelID string) ([]models.CachedMessage, error) {
	return s.listCached(redisChanPrefix + channelID)
}

func (s *RedisCacheStore) ListCachedByConversation(conversationID string) ([]models.CachedMessage, error) {
	return s.listCached(redisConvPrefix + conversationID)
}

func (s *RedisCacheStore) listCached(key string) ([]models.CachedMessage, error) {
	ctx := context.Background()
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached range failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisMsgPrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached mget failed: %w", err)
	}

	var msgs []models.CachedMessage
	for i, v := range vals {
		if v == nil {
			// Entry expired under the index; ZRem lazily.
			s.client.ZRem(ctx, key, ids[i])
			continue
		}
		var m models.CachedMessage
		if err := msgpack.Unmarshal([]byte(v.(string)), &m); err != nil {
			slog.Warn("RedisCacheStore.listCached: undecodable entry skipped", "id", ids[i], "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisCacheStore) MarkCachedDeleted(id string, deletedAt time.Time) error {
	ctx := context.Background()
	data, err := s.client.Get(ctx, redisMsgPrefix+id).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark cached deleted get failed: %w", err)
	}

	var msg models.CachedMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("mark cached deleted decode failed: %w", err)
	}
	msg.DeletedAt = &deletedAt

	// Rewriting resets the TTL, matching the persistent backends' cached_at bump.
	if err := s.putCached(ctx, msg, time.Now()); err != nil {
		return err
	}
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}

// EvictExpiredCached prunes index members whose value keys have expired and
// returns the count pruned. Value expiry itself is redis's TTL mechanism;
// the retention argument is ignored because TTLs were bound at write time.
func (s *RedisCacheStore) EvictExpiredCached(time.Duration) (int, error) {
	ctx := context.Background()
	n := 0
	for _, pattern := range []string{redisChanPrefix + "*", redisConvPrefix + "*"} {
		iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				return n, fmt.Errorf("evict scan range failed: %w", err)
			}
			for _, id := range ids {
				exists, err := s.client.Exists(ctx, redisMsgPrefix+id).Result()
				if err != nil {
					return n, fmt.Errorf("evict exists check failed: %w", err)
				}
				if exists == 0 {
					s.client.ZRem(ctx, key, id)
					n++
				}
			}
		}
		if err := iter.Err(); err != nil {
			return n, fmt.Errorf("evict scan failed: %w", err)
		}
	}
	if n > 0 {
		s.notifier.Publish(Change{Scope: ScopeCache})
	}
	return n, nil
}

func (s *RedisCacheStore) ClearCachedMessages() error {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, "driftq:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clear cached messages failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear cached scan failed: %w", err)
	}
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}
