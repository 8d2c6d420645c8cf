// Package util provides small helpers shared across driftq components.
package util

import "github.com/google/uuid"

// NewClientID generates a client-side idempotency ID for an outgoing
// message. The "msg_" prefix keeps the ID recognizable in logs and on the
// wire.
func NewClientID() string {
	return "msg_" + uuid.NewString()
}
