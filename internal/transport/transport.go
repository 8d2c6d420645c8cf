// Package transport defines the pluggable delivery channel the queue
// processor drains against, plus the concrete websocket implementation.
//
// The server behind the transport owns final message identity and ordering;
// this package only moves bytes and reports outcomes.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/driftq/driftq/internal/models"
)

// SendResult is the server's acknowledgment of a send. MessageID is the
// server-assigned identity; ClientID echoes the idempotency key when the
// server supports it.
type SendResult struct {
	MessageID string
	ClientID  string
}

// EventType classifies transport events.
type EventType string

const (
	// EventConnected fires when the transport (re)establishes its channel.
	EventConnected EventType = "connected"
	// EventDisconnected fires when the channel drops.
	EventDisconnected EventType = "disconnected"
	// EventMessage carries a confirmed message broadcast by the server.
	EventMessage EventType = "message"
)

// Event is a transport notification. Message is set only for EventMessage.
type Event struct {
	Type    EventType
	Message *models.CachedMessage
}

// Transport is a bidirectional, reconnecting channel to the chat server.
type Transport interface {
	// SendMessage delivers a top-level message and returns the server's ack.
	SendMessage(ctx context.Context, msg models.QueuedMessage) (SendResult, error)

	// SendReply delivers a threaded reply (ParentID set) and returns the ack.
	SendReply(ctx context.Context, msg models.QueuedMessage) (SendResult, error)

	// Connected reports whether the channel is currently established.
	Connected() bool

	// Events returns the stream of connection and broadcast events.
	Events() <-chan Event

	// Start begins background processing (connecting, reading).
	Start(ctx context.Context) error

	// Stop tears down the channel and closes the event stream.
	Stop() error
}

// RateLimitError is returned by sends the server rejected for rate
// limiting. RetryAfter is the server-directed wait, which takes precedence
// over the local backoff policy for that attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
