package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/store"
)

// Service is the application-facing entry point for entity reads and
// writes. Every mutation is written to the entity store optimistically;
// it then goes straight to the network when possible and into the outbox
// when offline or on an immediate network failure.
type Service struct {
	store       store.Store
	outbox      *Outbox
	transport   Transport
	conn        Connectivity
	conflicts   *Conflicts
	baseURL     string
	collections []config.CollectionConfig
}

func NewService(s store.Store, outbox *Outbox, transport Transport, conn Connectivity, conflicts *Conflicts, baseURL string, collections []config.CollectionConfig) *Service {
	return &Service{
		store:       s,
		outbox:      outbox,
		transport:   transport,
		conn:        conn,
		conflicts:   conflicts,
		baseURL:     strings.TrimRight(baseURL, "/"),
		collections: collections,
	}
}

func (s *Service) Get(ctx context.Context, collection, id string) (*store.EntityRecord, error) {
	return s.store.GetEntity(ctx, collection, id)
}

func (s *Service) List(ctx context.Context, collection string) ([]store.EntityRecord, error) {
	return s.store.ListEntities(ctx, collection)
}

// CachedSnapshot returns the last snapshot body fetched for the
// collection, if one survives in the response cache. Useful for serving
// a stale full listing while offline.
func (s *Service) CachedSnapshot(ctx context.Context, collection string) ([]byte, error) {
	cached, err := s.store.GetCachedResponse(ctx, s.collectionURL(collection))
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	return cached.Body, nil
}

// Save upserts one entity: optimistic local write first, then deliver or
// enqueue.
func (s *Service) Save(ctx context.Context, collection, id string, payload json.RawMessage) error {
	existing, err := s.store.GetEntity(ctx, collection, id)
	if err != nil {
		return err
	}

	method := http.MethodPost
	url := s.collectionURL(collection)
	if existing != nil {
		method = http.MethodPut
		url = s.entityURL(collection, id)
	}

	err = s.store.PutEntities(ctx, collection, []store.EntityRecord{{
		ID:            id,
		Fields:        payload,
		PendingOrigin: true,
	}})
	if err != nil {
		return err
	}

	return s.deliverOrEnqueue(ctx, &store.OutboxEntry{
		Resource:  collection,
		EntityID:  id,
		TargetURL: url,
		Method:    method,
		Body:      payload,
	})
}

// Delete tombstones the entity locally (keeping its last known fields
// until the delete is confirmed), then delivers or enqueues the delete.
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	if err := s.store.MarkEntityDeleted(ctx, collection, id); err != nil {
		return err
	}

	return s.deliverOrEnqueue(ctx, &store.OutboxEntry{
		Resource:  collection,
		EntityID:  id,
		TargetURL: s.entityURL(collection, id),
		Method:    http.MethodDelete,
	})
}

func (s *Service) deliverOrEnqueue(ctx context.Context, entry *store.OutboxEntry) error {
	if !s.conn.Online() {
		_, err := s.outbox.Enqueue(ctx, entry)
		return err
	}

	resp, err := s.transport.Send(ctx, &Request{
		URL:     entry.TargetURL,
		Method:  entry.Method,
		Body:    entry.Body,
		Headers: entry.Headers,
	})
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			// Connectivity dropped mid-call: the mutation survives in
			// the outbox and replays on the next flush.
			_, qErr := s.outbox.Enqueue(ctx, entry)
			return qErr
		}
		return err
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return s.confirm(ctx, entry, resp)
	case resp.Status == http.StatusConflict:
		if _, err := s.conflicts.RecordDivergence(ctx, entry, resp.Body); err != nil {
			return err
		}
		return &ConflictError{Resource: entry.Resource, EntityID: entry.EntityID}
	default:
		return fmt.Errorf("%s %s: %w", entry.Method, entry.TargetURL,
			&ValidationError{Status: resp.Status, Body: resp.Body})
	}
}

func (s *Service) confirm(ctx context.Context, entry *store.OutboxEntry, resp *Response) error {
	if entry.Method == http.MethodDelete {
		return s.store.DeleteEntity(ctx, entry.Resource, entry.EntityID)
	}

	fields := entry.Body
	if len(resp.Body) > 0 {
		fields = resp.Body
	}
	return s.store.PutEntities(ctx, entry.Resource, []store.EntityRecord{{
		ID:     entry.EntityID,
		Fields: fields,
	}})
}
func (s *Service) collectionURL(collection string) string {
	for _, col := range s.collections {
		if col.Name == collection && col.SnapshotPath != "" {
			return s.baseURL + col.SnapshotPath
		}
	}
	return s.baseURL + "/" + collection
}

func (s *Service) entityURL(collection, id string) string {
	return s.collectionURL(collection) + "/" + id
}
