package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/store"
)

var testCollections = []config.CollectionConfig{
	{Name: "products", SnapshotPath: "/products"},
	{Name: "tables", SnapshotPath: "/tables"},
}

func TestSyncDownReplacesCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEntities(ctx, "products", []store.EntityRecord{
		{ID: "stale", Fields: json.RawMessage(`{"v":"stale"}`)},
	}))

	transport := &fakeTransport{
		handler: func(req *Request) (*Response, error) {
			switch req.URL {
			case "https://api/products":
				return &Response{Status: 200, Body: []byte(`[{"id":"p1","v":1},{"id":"p2","v":2}]`)}, nil
			case "https://api/tables":
				return &Response{Status: 200, Body: []byte(`[{"id":"t1","seats":4}]`)}, nil
			}
			return &Response{Status: 404}, nil
		},
	}

	syncer := NewSyncer(s, transport, newFakeConn(true), "https://api", testCollections)
	report, err := syncer.SyncDown(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"products", "tables"}, report.Refreshed)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)

	products, err := s.ListEntities(ctx, "products")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)

	// The stale local record is gone: snapshot replace, not merge.
	for _, p := range products {
		assert.NotEqual(t, "stale", p.ID)
	}

	// The raw snapshot is cached for offline reads.
	cached, err := s.GetCachedResponse(ctx, "https://api/products")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.JSONEq(t, `[{"id":"p1","v":1},{"id":"p2","v":2}]`, string(cached.Body))
}

func TestSyncDownSkipsConflictedCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEntities(ctx, "products", []store.EntityRecord{
		{ID: "p1", Fields: json.RawMessage(`{"v":"contested"}`)},
	}))
	require.NoError(t, s.UpsertConflict(ctx, &store.ConflictRecord{
		ID: "c1", Resource: "products", EntityID: "p1",
		Method: "PUT", SourceURL: "https://api/products/p1",
		Status: store.ConflictOpen, DetectedAt: time.Now(),
	}))

	transport := &fakeTransport{
		handler: func(req *Request) (*Response, error) {
			return &Response{Status: 200, Body: []byte(`[{"id":"t1"}]`)}, nil
		},
	}

	syncer := NewSyncer(s, transport, newFakeConn(true), "https://api", testCollections)
	report, err := syncer.SyncDown(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"products"}, report.Skipped)
	assert.Equal(t, []string{"tables"}, report.Refreshed)

	// The contested record was not clobbered.
	got, err := s.GetEntity(ctx, "products", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":"contested"}`, string(got.Fields))
}

func TestSyncDownIsolatesCollectionFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transport := &fakeTransport{
		handler: func(req *Request) (*Response, error) {
			if req.URL == "https://api/products" {
				return &Response{Status: 500, Body: []byte(`boom`)}, nil
			}
			return &Response{Status: 200, Body: []byte(`[{"id":"t1"}]`)}, nil
		},
	}

	syncer := NewSyncer(s, transport, newFakeConn(true), "https://api", testCollections)
	report, err := syncer.SyncDown(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"tables"}, report.Refreshed)
	assert.Contains(t, report.Failed, "products")

	tables, err := s.ListEntities(ctx, "tables")
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

func TestSyncDownRequiresConnectivity(t *testing.T) {
	s := newTestStore(t)
	syncer := NewSyncer(s, &fakeTransport{}, newFakeConn(false), "https://api", testCollections)

	_, err := syncer.SyncDown(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestDecodeSnapshotRejectsMissingIds(t *testing.T) {
	_, err := decodeSnapshot([]byte(`[{"name":"no id"}]`))
	assert.Error(t, err)

	_, err = decodeSnapshot([]byte(`{"not":"an array"}`))
	assert.Error(t, err)

	records, err := decodeSnapshot([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, records)
}
