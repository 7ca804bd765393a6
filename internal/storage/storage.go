// internal/storage/storage.go
//
// Contracts for the shared room-document store and its change channel. All
// contexts ("tabs") on the same origin share one store; each context owns
// its in-memory state and exchanges it with the others only as a whole
// serialized document under the room's key. A write replaces the entire
// document and notifies every context except the writer. Last writer wins
// at document granularity; concurrent writes are not detected or merged.
package storage

import (
	"context"
	"strings"

	"github.com/tabpoker/tabpoker/internal/room"
)

// KeyPrefix marks room-document keys, so a listener on a shared keyspace
// can filter out unrelated keys.
const KeyPrefix = "room-"

// IsRoomKey reports whether key names a room document.
func IsRoomKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefix)
}

// Change is one change notification: the written key and the new serialized
// document. Delivered to every context except the one that wrote.
type Change struct {
	Key      string `json:"key"`
	NewValue []byte `json:"newValue"`
}

// Store reads and writes whole room documents.
//
// Read returns ok=false both for a missing key and for a document that
// fails to decode; a corrupt document is logged and treated as absent,
// never surfaced as a hard failure. The error return is reserved for
// transport faults (an unreachable backend), which callers also treat as
// "nothing to hydrate from".
//
// Write is a single atomic put of the serialized document. A failed write
// is reported to the caller and nothing else: the caller's in-memory state
// stays authoritative for that context, and the next successful write
// carries the then-current state.
type Store interface {
	Read(ctx context.Context, roomID string) (room.State, bool, error)
	Write(ctx context.Context, roomID string, s room.State) error
}

// Notifier delivers Changes made by other contexts. Subscribe returns the
// matching unsubscribe; callers must run it on teardown so no handler
// outlives its owner. Malformed notification payloads are dropped by the
// implementation (logged, never dispatched).
type Notifier interface {
	Subscribe(fn func(Change)) (unsubscribe func())
}
