// Package store provides the persistent send queue and message cache
// backends for driftq.
//
// Both tables live on one database handle constructed once at startup and
// passed by injection, so tests can substitute the in-memory backend.
package store

import (
	"time"

	"github.com/driftq/driftq/internal/models"
)

// DefaultRetention is the message cache retention window. Rows whose
// cached_at is older carry no durability guarantee and are evictable.
const DefaultRetention = 7 * 24 * time.Hour

// QueuedUpdate carries the optional fields merged into a queue row on a
// status transition. Nil pointers leave the existing value untouched.
type QueuedUpdate struct {
	ServerID   *string
	RetryCount *int
	LastError  *string
}

// QueueRepo defines the persistence contract for the send queue: an
// ordered table of not-yet-confirmed outgoing messages keyed by client ID.
type QueueRepo interface {
	// EnqueueMessage inserts a new row with status pending and zeroed retry
	// bookkeeping. Inserting an existing client ID is an error.
	EnqueueMessage(msg models.QueuedMessage) error

	// UpdateQueuedStatus transitions a row to the given status, merges the
	// update fields, and stamps last_attempt_at. Updating a row that has
	// already been removed is a no-op, not an error.
	UpdateQueuedStatus(clientID string, status models.QueueStatus, upd QueuedUpdate) error

	// ListPendingMessages returns rows with status pending or failed in
	// strict FIFO order by created_at. An empty targetID means all targets.
	ListPendingMessages(targetID string) ([]models.QueuedMessage, error)

	// ListQueuedByTarget returns all rows for a target except status sent
	// (sent rows should already be deleted; this guards against races),
	// ordered by created_at.
	ListQueuedByTarget(targetID string) ([]models.QueuedMessage, error)

	// RemoveQueuedMessage deletes a row. Deleting twice is a no-op.
	RemoveQueuedMessage(clientID string) error

	// RequeueStaleSending resets rows stuck in sending since before
	// staleBefore back to pending (crash recovery). Returns the count reset.
	RequeueStaleSending(staleBefore time.Time) (int, error)

	// PurgeSentMessages deletes rows left in status sent by an interrupted
	// confirmation. A sent row is normally removed in the same breath as the
	// transition, so anything still sent at startup is a leftover. Returns
	// the count deleted.
	PurgeSentMessages() (int, error)
}

// CacheRepo defines the persistence contract for the message cache: a
// TTL-bounded table of confirmed messages keyed by server ID.
type CacheRepo interface {
	// PutCachedMessage upserts by ID and refreshes cached_at. Writing the
	// same ID twice overwrites in place.
	PutCachedMessage(msg models.CachedMessage) error

	// PutCachedMessages is the bulk-hydration form of PutCachedMessage;
	// semantics are identical to N individual puts.
	PutCachedMessages(msgs []models.CachedMessage) error

	// ListCachedByChannel returns all entries for a channel ordered by
	// sequence. An unknown channel yields an empty result, not an error.
	ListCachedByChannel(channelID string) ([]models.CachedMessage, error)

	// ListCachedByConversation is ListCachedByChannel for direct messages.
	ListCachedByConversation(conversationID string) ([]models.CachedMessage, error)

	// MarkCachedDeleted soft-deletes an entry and refreshes cached_at, so a
	// message under active discussion does not expire mid-conversation.
	MarkCachedDeleted(id string, deletedAt time.Time) error

	// EvictExpiredCached deletes entries whose cached_at is older than the
	// retention window and returns the count deleted.
	EvictExpiredCached(retention time.Duration) (int, error)

	// ClearCachedMessages deletes all entries. Diagnostic and test use only.
	ClearCachedMessages() error
}

// Store combines both repositories over one backing database.
type Store interface {
	QueueRepo
	CacheRepo

	// Notifier exposes the change bus that live views subscribe to.
	Notifier() *Notifier

	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN       string
	Retention time.Duration
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database DSN (a file path for SQLite, a connection
// string for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRetention overrides the cache retention window used by backends that
// bind TTLs at write time (the in-memory and redis backends).
func WithRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}
