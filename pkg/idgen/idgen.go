// Package idgen generates identifiers for commands, messages and events.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MustGenerateSortableID returns a ULID. IDs generated by one process are
// monotonic, which keeps message IDs ordered in logs and stores.
func MustGenerateSortableID() string {
	return ulid.Make().String()
}

// NewCommandID returns a random command ID for clients that do not derive
// one from their own request identity.
func NewCommandID() string {
	return uuid.NewString()
}
