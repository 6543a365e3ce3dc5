package zoesync

import (
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend rejection.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Mutation Records
// ============================================================================

// Operation is the kind of deferred write a mutation record carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// LocalIDPrefix marks ids generated on this client before the backend has
// assigned a real one. They are stripped before submission.
const LocalIDPrefix = "local-"

// Mutation is a queued, not-yet-confirmed write operation.
//
// Data holds the full field map. For updates, MatchKeys names the fields that
// act as the equality predicate; everything else is the payload. For deletes
// every field of Data is a predicate. MatchKeys is recorded at enqueue time so
// replay never has to guess which fields are identity keys.
type Mutation struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Table      string         `json:"table"`
	Op         Operation      `json:"op"`
	Data       map[string]any `json:"data"`
	MatchKeys  []string       `json:"matchKeys,omitempty"`
	RetryCount int            `json:"retryCount"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// conventionalMatchKeys are the field names the app has always treated as
// identity keys when a call site does not name them explicitly.
var conventionalMatchKeys = []string{"user_id", "verse_id", "book_id", "chapter"}

// DefaultMatchKeys returns the conventional identity keys present in data,
// in conventional order.
func DefaultMatchKeys(data map[string]any) []string {
	var keys []string
	for _, k := range conventionalMatchKeys {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// MutationPatch is a partial update applied to a stored mutation record.
// Nil fields are left untouched.
type MutationPatch struct {
	RetryCount *int
	Error      *string
}

// ============================================================================
// Sync Status
// ============================================================================

// SyncState is the phase of the sync engine, ephemeral UI-facing state.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateSuccess SyncState = "success"
	StateError   SyncState = "error"
)

// SyncStatus pairs the engine phase with the pending-mutation count.
type SyncStatus struct {
	State   SyncState `json:"state"`
	Pending int       `json:"pending"`
}

// ============================================================================
// Change Feed
// ============================================================================

// ChangeType is the kind of remote change a feed event announces.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a single inbound change from the backend's realtime feed.
// Record is the row after the change (the old row for deletes).
type ChangeEvent struct {
	Table  string         `json:"table"`
	Type   ChangeType     `json:"type"`
	Record map[string]any `json:"record,omitempty"`
}
