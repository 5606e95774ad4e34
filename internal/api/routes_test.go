package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/database"
	"pos-sync-client/internal/store"
	"pos-sync-client/internal/sync"
)

type scriptedTransport struct {
	handler func(req *sync.Request) (*sync.Response, error)
}

func (t *scriptedTransport) Send(_ context.Context, req *sync.Request) (*sync.Response, error) {
	if t.handler == nil {
		return &sync.Response{Status: 200}, nil
	}
	return t.handler(req)
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool               { return true }
func (alwaysOnline) Subscribe() <-chan struct{} { return make(chan struct{}) }

func newTestHandler(t *testing.T, transport sync.Transport, authToken string) (*Handler, *store.SQLiteStore) {
	t.Helper()

	db, err := database.NewDatabase(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	collections := []config.CollectionConfig{{Name: "products", SnapshotPath: "/products"}}
	conn := alwaysOnline{}

	outbox := sync.NewOutbox(s)
	conflicts := sync.NewConflicts(s, transport, nil)
	flusher := sync.NewFlusher(s, outbox, transport, conn, conflicts)
	syncer := sync.NewSyncer(s, transport, conn, "https://api", collections)
	manager := sync.NewManager(flusher, syncer, conn)
	service := sync.NewService(s, outbox, transport, conn, conflicts, "https://api", collections)
	quota := sync.NewQuota(s, []string{"products"})

	h := NewHandler(
		config.ServerConfig{AuthToken: authToken},
		manager, service, outbox, conflicts, syncer, quota,
		config.QuotaConfig{BudgetBytes: 1 << 20, PriorityOrder: []string{"products"}},
	)
	return h, s
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, &scriptedTransport{}, "secret")
	router := h.Routes()

	req := httptest.NewRequest("GET", "/api/v1/sync/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	req = httptest.NewRequest("GET", "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListConflictsAndResolve(t *testing.T) {
	transport := &scriptedTransport{}
	h, s := newTestHandler(t, transport, "")
	router := h.Routes()
	ctx := context.Background()

	require.NoError(t, s.UpsertConflict(ctx, &store.ConflictRecord{
		ID: "c1", Resource: "products", EntityID: "p1",
		Method: "PUT", SourceURL: "https://api/products/p1",
		LocalVersion:  json.RawMessage(`{"v":"local"}`),
		ServerVersion: json.RawMessage(`{"v":"server"}`),
		Status:        store.ConflictOpen,
		DetectedAt:    time.Now(),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/conflicts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []store.ConflictRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "c1", listed[0].ID)

	body := bytes.NewBufferString(`{"outcome":"use-server"}`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/conflicts/c1/resolve", body))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := s.GetEntity(ctx, "products", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":"server"}`, string(got.Fields))

	open, err := s.ListConflicts(ctx, store.ConflictOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	h, _ := newTestHandler(t, &scriptedTransport{}, "")
	router := h.Routes()

	body := bytes.NewBufferString(`{"outcome":"flip-a-coin"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/conflicts/c1/resolve", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerSyncDown(t *testing.T) {
	transport := &scriptedTransport{
		handler: func(req *sync.Request) (*sync.Response, error) {
			return &sync.Response{Status: 200, Body: []byte(`[{"id":"p1","v":1}]`)}, nil
		},
	}
	h, s := newTestHandler(t, transport, "")
	router := h.Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sync/down", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report sync.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{"products"}, report.Refreshed)

	records, err := s.ListEntities(context.Background(), "products")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUsageAndEvict(t *testing.T) {
	h, s := newTestHandler(t, &scriptedTransport{}, "")
	router := h.Routes()
	ctx := context.Background()

	require.NoError(t, s.PutEntities(ctx, "products", []store.EntityRecord{
		{ID: "p1", Fields: json.RawMessage(`{"v":1}`)},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/storage/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var usage sync.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.PerCollection["products"].Count)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/storage/evict?target_bytes=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report sync.EvictionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.EvictedRecords)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/storage/evict?target_bytes=-3", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerFlushIsAccepted(t *testing.T) {
	h, _ := newTestHandler(t, &scriptedTransport{}, "")
	router := h.Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sync/flush", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
