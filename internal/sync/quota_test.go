package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-client/internal/store"
)

func seedRecord(t *testing.T, s *store.SQLiteStore, collection, id string, at int64, payload string) {
	t.Helper()

	old := s.Now
	s.Now = func() time.Time { return time.Unix(0, at) }
	defer func() { s.Now = old }()

	require.NoError(t, s.PutEntities(context.Background(), collection, []store.EntityRecord{
		{ID: id, Fields: json.RawMessage(payload)},
	}))
}

func TestEstimateUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "products", "p1", 1, `{"v":1}`)
	seedRecord(t, s, "products", "p2", 2, `{"v":22}`)
	seedRecord(t, s, "tables", "t1", 3, `{"v":3}`)
	require.NoError(t, s.PutCachedResponse(ctx, "https://api/products", []byte(`[{"id":"p1"}]`)))

	quota := NewQuota(s, []string{"products", "tables"})
	usage, err := quota.EstimateUsage(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, usage.PerCollection["products"].Count)
	assert.Equal(t, 1, usage.PerCollection["tables"].Count)
	assert.Equal(t, int64(len(`[{"id":"p1"}]`)), usage.CacheBytes)
	assert.Equal(t,
		usage.PerCollection["products"].ApproxBytes+
			usage.PerCollection["tables"].ApproxBytes+
			usage.CacheBytes,
		usage.TotalBytes)

	// Estimation never refreshes recency.
	records, err := s.ListEntities(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(1), records[0].LastAccessed.UnixNano())
}

func TestEvictToBudgetRemovesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "products", "oldest", 1, `{"v":"a"}`)
	seedRecord(t, s, "products", "middle", 2, `{"v":"b"}`)
	seedRecord(t, s, "products", "newest", 3, `{"v":"c"}`)

	quota := NewQuota(s, []string{"products"})
	usage, err := quota.EstimateUsage(ctx)
	require.NoError(t, err)

	// Budget fits two records: exactly the oldest one must go.
	target := usage.TotalBytes - 1
	report, err := quota.EvictToBudget(ctx, target, []string{"products"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.EvictedRecords)
	assert.Equal(t, usage.TotalBytes, report.BeforeBytes)
	assert.LessOrEqual(t, report.AfterBytes, target)

	got, err := s.GetEntity(ctx, "products", "oldest")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, id := range []string{"middle", "newest"} {
		got, err := s.GetEntity(ctx, "products", id)
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
}

func TestEvictToBudgetIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "products", "p1", 1, `{"v":"aaaaaaaa"}`)
	seedRecord(t, s, "products", "p2", 2, `{"v":"bbbbbbbb"}`)
	seedRecord(t, s, "products", "p3", 3, `{"v":"cccccccc"}`)

	quota := NewQuota(s, []string{"products"})
	usage, err := quota.EstimateUsage(ctx)
	require.NoError(t, err)
	target := usage.TotalBytes / 2

	first, err := quota.EvictToBudget(ctx, target, nil)
	require.NoError(t, err)
	assert.Greater(t, first.FreedBytes, int64(0))

	second, err := quota.EvictToBudget(ctx, target, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.FreedBytes, "second run with the same budget is a no-op")
	assert.Equal(t, 0, second.EvictedRecords)
	assert.Equal(t, first.AfterBytes, second.BeforeBytes)
}

func TestEvictNeverTouchesOutboxOrConflictEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRecord(t, s, "products", "queued", 1, `{"v":"queued"}`)
	seedRecord(t, s, "products", "contested", 2, `{"v":"contested"}`)
	seedRecord(t, s, "products", "plain", 3, `{"v":"plain"}`)

	_, err := s.AppendOutbox(ctx, &store.OutboxEntry{
		Resource: "products", EntityID: "queued",
		TargetURL: "https://api/products/queued", Method: "PUT",
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.UpsertConflict(ctx, &store.ConflictRecord{
		ID: "c1", Resource: "products", EntityID: "contested",
		Method: "PUT", SourceURL: "https://api/products/contested",
		Status: store.ConflictOpen, DetectedAt: time.Now(),
	}))

	quota := NewQuota(s, []string{"products"})

	// Budget zero: everything evictable must go, protected rows stay.
	report, err := quota.EvictToBudget(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EvictedRecords)

	for _, id := range []string{"queued", "contested"} {
		got, err := s.GetEntity(ctx, "products", id)
		require.NoError(t, err)
		assert.NotNil(t, got, "%s must survive any budget", id)
	}

	gone, err := s.GetEntity(ctx, "products", "plain")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestEvictIncludesCachedResponses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := s.Now
	s.Now = func() time.Time { return time.Unix(0, 1) }
	require.NoError(t, s.PutCachedResponse(ctx, "https://api/products", []byte(`[{"id":"p1"}]`)))
	s.Now = old

	seedRecord(t, s, "products", "p1", 100, `{"v":"fresh"}`)

	quota := NewQuota(s, []string{"products"})

	// Budget fits the entity alone, so only the older cached response
	// needs to go.
	target := int64(len(`{"v":"fresh"}`) + len("p1"))
	report, err := quota.EvictToBudget(ctx, target, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EvictedCached)
	assert.Equal(t, 0, report.EvictedRecords)

	cached, err := s.GetCachedResponse(ctx, "https://api/products")
	require.NoError(t, err)
	assert.Nil(t, cached)

	got, err := s.GetEntity(ctx, "products", "p1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
