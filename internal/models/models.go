// Package models defines core data types used across driftq components.
package models

import "time"

// TargetType identifies the kind of conversation a message is addressed to.
type TargetType string

const (
	TargetTypeChannel TargetType = "channel"
	TargetTypeDirect  TargetType = "dm"
)

// QueueStatus represents the lifecycle state of a queued outgoing message.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSending QueueStatus = "sending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// Draft is the caller-supplied portion of an outgoing message, before the
// engine assigns a client ID and retry bookkeeping.
type Draft struct {
	Content       string     `json:"content"`
	TargetID      string     `json:"target_id"`
	TargetType    TargetType `json:"target_type"`
	ParentID      string     `json:"parent_id,omitempty"`
	AttachmentIDs []string   `json:"attachment_ids,omitempty"`
}

// QueuedMessage is a durable row in the send queue: one not-yet-confirmed
// outgoing message, keyed by the client-generated idempotency ID.
type QueuedMessage struct {
	ClientID      string      `json:"client_id"`
	ServerID      string      `json:"server_id,omitempty"`
	Content       string      `json:"content"`
	TargetID      string      `json:"target_id"`
	TargetType    TargetType  `json:"target_type"`
	ParentID      string      `json:"parent_id,omitempty"`
	AttachmentIDs []string    `json:"attachment_ids,omitempty"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	LastError     string      `json:"last_error,omitempty"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// IsReply reports whether the message is a threaded reply.
func (m *QueuedMessage) IsReply() bool {
	return m.ParentID != ""
}

// CachedMessage is a confirmed message known to this client, keyed by the
// server-assigned ID. Exactly one of ChannelID and ConversationID is set.
type CachedMessage struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	AuthorID       string     `json:"author_id"`
	AuthorName     string     `json:"author_name,omitempty"`
	AuthorEmail    string     `json:"author_email"`
	ChannelID      string     `json:"channel_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	ReplyCount     int        `json:"reply_count"`
	Sequence       int64      `json:"sequence"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CachedAt       time.Time  `json:"cached_at"`
}

// TargetID returns whichever of ChannelID and ConversationID is set.
func (m *CachedMessage) TargetID() string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.ConversationID
}
