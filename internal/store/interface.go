package store

import (
	"context"
)

type Store interface {
	// Entities
	PutEntities(ctx context.Context, collection string, records []EntityRecord) error
	GetEntity(ctx context.Context, collection, id string) (*EntityRecord, error)
	ListEntities(ctx context.Context, collection string) ([]EntityRecord, error)
	MarkEntityDeleted(ctx context.Context, collection, id string) error
	DeleteEntity(ctx context.Context, collection, id string) error
	ClearCollection(ctx context.Context, collection string) error
	ReplaceCollection(ctx context.Context, collection string, records []EntityRecord) error

	// Outbox
	AppendOutbox(ctx context.Context, entry *OutboxEntry) (int64, error)
	ListOutbox(ctx context.Context) ([]OutboxEntry, error)
	RemoveOutbox(ctx context.Context, sequenceID int64) error
	BumpOutboxAttempts(ctx context.Context, sequenceID int64) error

	// Conflicts
	UpsertConflict(ctx context.Context, conflict *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context, status string) ([]ConflictRecord, error)
	DeleteConflict(ctx context.Context, id string) error

	// Response cache
	PutCachedResponse(ctx context.Context, url string, body []byte) error
	GetCachedResponse(ctx context.Context, url string) (*CachedResponse, error)
	ListCachedResponses(ctx context.Context) ([]CachedResponse, error)
	DeleteCachedResponse(ctx context.Context, url string) error

	// General
	Close() error
}
