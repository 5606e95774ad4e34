package store

import (
	"encoding/json"
	"time"
)

// EntityRecord is one row of a named collection ("products", "tables", ...).
// Fields holds the domain payload as opaque JSON; the store only manages
// identity, recency stamps and the offline bookkeeping flags.
type EntityRecord struct {
	Collection   string          `json:"collection"`
	ID           string          `json:"id"`
	Fields       json.RawMessage `json:"fields"`
	StoredAt     time.Time       `json:"storedAt"`
	LastAccessed time.Time       `json:"lastAccessed"`
	// Deleted marks a tombstone: the delete was queued offline and the
	// record keeps its last known fields until the delete is confirmed.
	Deleted bool `json:"deleted,omitempty"`
	// PendingOrigin distinguishes a record written locally while offline
	// from one hydrated from the server.
	PendingOrigin bool `json:"pendingOrigin,omitempty"`
}

// OutboxEntry is one not-yet-confirmed mutation awaiting replay.
type OutboxEntry struct {
	SequenceID int64             `json:"sequenceId"`
	Resource   string            `json:"resource"`
	EntityID   string            `json:"entityId"`
	TargetURL  string            `json:"targetUrl"`
	Method     string            `json:"method"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
}

const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// ConflictRecord is stored evidence that the server's state for one
// entity diverged from what this client assumed. At most one open record
// exists per (resource, entity id) pair.
type ConflictRecord struct {
	ID            string          `json:"id"`
	Resource      string          `json:"resource"`
	EntityID      string          `json:"entityId"`
	Method        string          `json:"method"`
	SourceURL     string          `json:"sourceUrl"`
	LocalVersion  json.RawMessage `json:"localVersion"`
	ServerVersion json.RawMessage `json:"serverVersion"`
	Status        string          `json:"status"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

// CachedResponse is a stored snapshot body, served while offline and
// evictable under storage pressure.
type CachedResponse struct {
	URL          string    `json:"url"`
	Body         []byte    `json:"body"`
	StoredAt     time.Time `json:"storedAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}
