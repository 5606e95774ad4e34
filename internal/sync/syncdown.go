package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"pos-sync-client/internal/config"
	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
)

// Syncer pulls authoritative collection snapshots from the server and
// replaces the local copies. Collection-level last-writer-wins; the
// conflict mechanism is the deliberate escape hatch for entity-level
// divergence.
type Syncer struct {
	store       store.Store
	transport   Transport
	conn        Connectivity
	baseURL     string
	collections []config.CollectionConfig

	inFlight int32
}

func NewSyncer(s store.Store, transport Transport, conn Connectivity, baseURL string, collections []config.CollectionConfig) *Syncer {
	return &Syncer{
		store:       s,
		transport:   transport,
		conn:        conn,
		baseURL:     strings.TrimRight(baseURL, "/"),
		collections: collections,
	}
}

// SyncDown refreshes every configured collection. A collection with open
// conflicts is skipped and reported, never clobbered while the operator
// is reconciling it. One collection's failure does not abort the others.
func (s *Syncer) SyncDown(ctx context.Context) (*SyncReport, error) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return nil, ErrSyncInFlight
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	if !s.conn.Online() {
		return nil, ErrOffline
	}

	conflicted, err := s.conflictedResources(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Failed: make(map[string]string)}
	for _, col := range s.collections {
		if conflicted[col.Name] {
			report.Skipped = append(report.Skipped, col.Name)
			logger.Log.Info("Skipping collection with open conflicts",
				zap.String("collection", col.Name))
			continue
		}

		if err := s.refresh(ctx, col); err != nil {
			report.Failed[col.Name] = err.Error()
			logger.Log.Error("Failed to refresh collection",
				zap.String("collection", col.Name), zap.Error(err))
			continue
		}
		report.Refreshed = append(report.Refreshed, col.Name)
	}

	logger.Log.Info("Sync-down complete",
		zap.Strings("refreshed", report.Refreshed),
		zap.Strings("skipped", report.Skipped),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (s *Syncer) conflictedResources(ctx context.Context) (map[string]bool, error) {
	open, err := s.store.ListConflicts(ctx, store.ConflictOpen)
	if err != nil {
		return nil, err
	}

	resources := make(map[string]bool, len(open))
	for _, c := range open {
		resources[c.Resource] = true
	}
	return resources, nil
}

func (s *Syncer) refresh(ctx context.Context, col config.CollectionConfig) error {
	url := s.snapshotURL(col)
	resp, err := s.transport.Send(ctx, &Request{URL: url, Method: http.MethodGet})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("snapshot fetch returned status %d", resp.Status)
	}

	records, err := decodeSnapshot(resp.Body)
	if err != nil {
		return fmt.Errorf("bad snapshot for %q: %w", col.Name, err)
	}

	if err := s.store.ReplaceCollection(ctx, col.Name, records); err != nil {
		return err
	}

	// Keep the raw snapshot around so the service layer can serve a
	// stale copy while offline.
	if err := s.store.PutCachedResponse(ctx, url, resp.Body); err != nil {
		return err
	}

	logger.Log.Debug("Refreshed collection",
		zap.String("collection", col.Name), zap.Int("records", len(records)))
	return nil
}

func (s *Syncer) snapshotURL(col config.CollectionConfig) string {
	path := col.SnapshotPath
	if path == "" {
		path = "/" + col.Name
	}
	return s.baseURL + path
}

func decodeSnapshot(body []byte) ([]store.EntityRecord, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	records := make([]store.EntityRecord, 0, len(raw))
	for i, item := range raw {
		var ident struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &ident); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if ident.ID == "" {
			return nil, fmt.Errorf("item %d has no id", i)
		}
		records = append(records, store.EntityRecord{ID: ident.ID, Fields: item})
	}
	return records, nil
}
