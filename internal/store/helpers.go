package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/driftq/driftq/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// joinAttachments flattens attachment IDs into one nullable column.
func joinAttachments(ids []string) interface{} {
	if len(ids) == 0 {
		return nil
	}
	return strings.Join(ids, ",")
}

func splitAttachments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQueuedMessage scans a QueuedMessage from a send_queue row.
func scanQueuedMessage(row rowScanner) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	var serverID, parentID, attachments, lastError sql.NullString
	var lastAttemptAt sql.NullTime
	err := row.Scan(
		&m.ClientID, &serverID, &m.Content, &m.TargetID, &m.TargetType,
		&parentID, &attachments, &m.Status, &m.RetryCount, &lastError,
		&lastAttemptAt, &m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan queued message failed: %w", err)
	}
	m.ServerID = serverID.String
	m.ParentID = parentID.String
	m.AttachmentIDs = splitAttachments(attachments.String)
	m.LastError = lastError.String
	if lastAttemptAt.Valid {
		m.LastAttemptAt = &lastAttemptAt.Time
	}
	return m, nil
}

// scanCachedMessage scans a CachedMessage from a message_cache row.
func scanCachedMessage(row rowScanner) (models.CachedMessage, error) {
	var m models.CachedMessage
	var authorName, channelID, conversationID, parentID sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Content, &m.AuthorID, &authorName, &m.AuthorEmail,
		&channelID, &conversationID, &parentID, &m.ReplyCount, &m.Sequence,
		&deletedAt, &m.CreatedAt, &m.UpdatedAt, &m.CachedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan cached message failed: %w", err)
	}
	m.AuthorName = authorName.String
	m.ChannelID = channelID.String
	m.ConversationID = conversationID.String
	m.ParentID = parentID.String
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return m, nil
}
