package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/database"
	"pos-sync-client/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	db, err := database.NewDatabase(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTransport answers each request through a scripted handler and
// records every call it saw.
type fakeTransport struct {
	mu      stdsync.Mutex
	handler func(req *Request) (*Response, error)
	calls   []*Request
}

func (t *fakeTransport) Send(_ context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return &Response{Status: 200}, nil
	}
	return handler(req)
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeTransport) call(i int) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[i]
}

func offlineErr(url string) error {
	return &NetworkError{URL: url, Err: errors.New("connection refused")}
}

type fakeConn struct {
	mu     stdsync.Mutex
	online bool
	ch     chan struct{}
}

func newFakeConn(online bool) *fakeConn {
	return &fakeConn{online: online, ch: make(chan struct{}, 1)}
}

func (c *fakeConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe() <-chan struct{} {
	return c.ch
}

func (c *fakeConn) setOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()

	if !was && online {
		select {
		case c.ch <- struct{}{}:
		default:
		}
	}
}
