package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/driftq/driftq/internal/models"
)

const cachedColumns = `id, content, author_id, author_name, author_email,
	channel_id, conversation_id, parent_id, reply_count, sequence,
	deleted_at, created_at, updated_at, cached_at`

const sqliteUpsertCached = `
	INSERT INTO message_cache (id, content, author_id, author_name, author_email, channel_id, conversation_id, parent_id, reply_count, sequence, deleted_at, created_at, updated_at, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		author_id = excluded.author_id,
		author_name = excluded.author_name,
		author_email = excluded.author_email,
		channel_id = excluded.channel_id,
		conversation_id = excluded.conversation_id,
		parent_id = excluded.parent_id,
		reply_count = excluded.reply_count,
		sequence = excluded.sequence,
		deleted_at = excluded.deleted_at,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		cached_at = excluded.cached_at`

func cachedArgs(msg models.CachedMessage, cachedAt time.Time) []interface{} {
	var deletedAt interface{}
	if msg.DeletedAt != nil {
		deletedAt = *msg.DeletedAt
	}
	return []interface{}{
		msg.ID, msg.Content, msg.AuthorID, nilIfEmpty(msg.AuthorName), msg.AuthorEmail,
		nilIfEmpty(msg.ChannelID), nilIfEmpty(msg.ConversationID), nilIfEmpty(msg.ParentID),
		msg.ReplyCount, msg.Sequence, deletedAt, msg.CreatedAt, msg.UpdatedAt, cachedAt,
	}
}

func (s *SQLiteStore) PutCachedMessage(msg models.CachedMessage) error {
	_, err := s.db.Exec(sqliteUpsertCached, cachedArgs(msg, time.Now())...)
	if err != nil {
		return fmt.Errorf("put cached message failed: %w", err)
	}
	s.notifier.Publish(Change{Scope: ScopeCache, TargetID: msg.TargetID()})
	return nil
}

func (s *SQLiteStore) PutCachedMessages(msgs []models.CachedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put cached messages begin failed: %w", err)
	}
	now := time.Now()
	for _, msg := range msgs {
		if _, err := tx.Exec(sqliteUpsertCached, cachedArgs(msg, now)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("put cached messages failed for %s: %w", msg.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put cached messages commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.PutCachedMessages", "count", len(msgs))
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}

func (s *SQLiteStore) ListCachedByChannel(channelID string) ([]models.CachedMessage, error) {
	return s.listCachedBy("channel_id", channelID)
}

func (s *SQLiteStore) ListCachedByConversation(conversationID string) ([]models.CachedMessage, error) {
	return s.listCachedBy("conversation_id", conversationID)
}

func (s *SQLiteStore) listCachedBy(column, targetID string) ([]models.CachedMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+cachedColumns+` FROM message_cache
		 WHERE `+column+` = ? ORDER BY sequence ASC`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cached by %s failed: %w", column, err)
	}
	defer rows.Close()

	var msgs []models.CachedMessage
	for rows.Next() {
		m, err := scanCachedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cached iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkCachedDeleted(id string, deletedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE message_cache SET deleted_at = ?, cached_at = ? WHERE id = ?`,
		deletedAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark cached deleted failed: %w", err)
	}
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}

func (s *SQLiteStore) EvictExpiredCached(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	result, err := s.db.Exec(`DELETE FROM message_cache WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict expired cached failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.EvictExpiredCached", "evicted", n, "cutoff", cutoff)
		s.notifier.Publish(Change{Scope: ScopeCache})
	}
	return int(n), nil
}

func (s *SQLiteStore) ClearCachedMessages() error {
	_, err := s.db.Exec(`DELETE FROM message_cache`)
	if err != nil {
		return fmt.Errorf("clear cached messages failed: %w", err)
	}
	s.notifier.Publish(Change{Scope: ScopeCache})
	return nil
}
