package ecosync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the backend row store.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the envelope every backend response decodes into.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the result data into the given value.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Change Events
// ============================================================================

// ChangeType is the kind of row mutation a change event describes.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a realtime row-change notification from the backend.
// New and Old are raw row snapshots; the subscription manager routes them
// verbatim and normalization happens at the reducer boundary.
type ChangeEvent struct {
	Table string         `json:"table"`
	Type  ChangeType     `json:"eventType"`
	New   map[string]any `json:"new,omitempty"`
	Old   map[string]any `json:"old,omitempty"`
}

// ============================================================================
// Stats
// ============================================================================

// CachedStats is the canonical per-owner stats snapshot. Numeric fields are
// never negative; CachedAt drives cache staleness.
type CachedStats struct {
	OwnerID       string    `json:"owner_id"`
	Points        int       `json:"points"`
	Pickups       int       `json:"pickups"`
	Reports       int       `json:"reports"`
	Batches       int       `json:"batches"`
	TotalBags     int       `json:"total_bags"`
	AvailableBags int       `json:"available_bags"`
	LastUpdated   time.Time `json:"last_updated"`
	CachedAt      time.Time `json:"cached_at"`
}

// ============================================================================
// Activity
// ============================================================================

// ActivitySource identifies which side produced an activity record.
type ActivitySource string

const (
	SourceLocal  ActivitySource = "local"
	SourceServer ActivitySource = "server"
)

// SyncStatus tracks whether an optimistic local record has been confirmed.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// ActivityRecord is one entry in the user's activity feed. Identity for
// dedup purposes is (Type, RelatedID) when both are present, else the raw ID.
type ActivityRecord struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Points     int            `json:"points"`
	RelatedID  string         `json:"related_id,omitempty"`
	Source     ActivitySource `json:"source"`
	SyncStatus SyncStatus     `json:"sync_status"`
}

// ============================================================================
// Sync Queue
// ============================================================================

// SyncOp is the mutation kind a queued entry replays against the backend.
type SyncOp string

const (
	OpAdd    SyncOp = "add"
	OpUpdate SyncOp = "update"
	OpDelete SyncOp = "delete"
)

// SyncQueueEntry is one durable not-yet-confirmed mutation. Entries are never
// mutated in place; they are deleted only after the backend confirms success.
type SyncQueueEntry struct {
	ID        uint64          `json:"id"`
	Operation SyncOp          `json:"operation"`
	StoreName string          `json:"storeName"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ============================================================================
// Locations & Reports
// ============================================================================

// SavedLocation is a user-saved pickup location.
type SavedLocation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Label     string    `json:"label"`
	Address   string    `json:"address,omitempty"`
	Point     *GeoPoint `json:"point,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingReport is a waste report captured while offline, awaiting delivery.
type PendingReport struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Point       *GeoPoint `json:"point,omitempty"`
	PhotoPath   string    `json:"photo_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ============================================================================
// Helpers
// ============================================================================

// strOr reads a string field from a loosely-typed row, with a fallback.
func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intOr reads a numeric field from a loosely-typed row, with a fallback.
// JSON numbers decode as float64.
func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// hasNum reports whether the row carries a numeric value for key.
func hasNum(m map[string]any, key string) bool {
	switch m[key].(type) {
	case float64, int:
		return true
	}
	return false
}

// listLen returns the length of a list-valued field, or -1 if absent.
func listLen(m map[string]any, key string) int {
	if v, ok := m[key].([]any); ok {
		return len(v)
	}
	return -1
}
