package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/driftq/driftq/internal/models"
)

const queuedColumns = `client_id, server_id, content, target_id, target_type,
	parent_id, attachment_ids, status, retry_count, last_error,
	last_attempt_at, created_at`

func (s *SQLiteStore) EnqueueMessage(msg models.QueuedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO send_queue (client_id, server_id, content, target_id, target_type, parent_id, attachment_ids, status, retry_count, last_error, last_attempt_at, created_at)
		 VALUES (?, NULL, ?, ?, ?, ?, ?, 'pending', 0, NULL, NULL, ?)`,
		msg.ClientID, msg.Content, msg.TargetID, msg.TargetType,
		nilIfEmpty(msg.ParentID), joinAttachments(msg.AttachmentIDs), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueMessage", "clientID", msg.ClientID, "targetID", msg.TargetID)
	s.notifier.Publish(Change{Scope: ScopeQueue, TargetID: msg.TargetID})
	return nil
}

func (s *SQLiteStore) UpdateQueuedStatus(clientID string, status models.QueueStatus, upd QueuedUpdate) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE send_queue SET status = ?, last_attempt_at = ?,
			server_id = COALESCE(?, server_id),
			retry_count = COALESCE(?, retry_count),
			last_error = COALESCE(?, last_error)
		 WHERE client_id = ?`,
		status, now, upd.ServerID, upd.RetryCount, upd.LastError, clientID,
	)
	if err != nil {
		return fmt.Errorf("update queued status failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Row cancelled while a send was in flight; tolerate it.
		slog.Debug("SQLiteStore.UpdateQueuedStatus: row gone", "clientID", clientID, "status", status)
		return nil
	}
	s.notifier.Publish(Change{Scope: ScopeQueue})
	return nil
}

func (s *SQLiteStore) ListPendingMessages(targetID string) ([]models.QueuedMessage, error) {
	query := `SELECT ` + queuedColumns + ` FROM send_queue
		 WHERE status IN ('pending', 'failed')`
	args := []interface{}{}
	if targetID != "" {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) ListQueuedByTarget(targetID string) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+queuedColumns+` FROM send_queue
		 WHERE target_id = ? AND status != 'sent'
		 ORDER BY created_at ASC`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued by target failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) RemoveQueuedMessage(clientID string) error {
	_, err := s.db.Exec(`DELETE FROM send_queue WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("remove queued message failed: %w", err)
	}
	s.notifier.Publish(Change{Scope: ScopeQueue})
	return nil
}

func (s *SQLiteStore) PurgeSentMessages() (int, error) {
	result, err := s.db.Exec(`DELETE FROM send_queue WHERE status = 'sent'`)
	if err != nil {
		return 0, fmt.Errorf("purge sent messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PurgeSentMessages", "purged", n)
		s.notifier.Publish(Change{Scope: ScopeQueue})
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE send_queue SET status = 'pending'
		 WHERE status = 'sending' AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale sending failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSending", "requeued", n)
		s.notifier.Publish(Change{Scope: ScopeQueue})
	}
	return int(n), nil
}
