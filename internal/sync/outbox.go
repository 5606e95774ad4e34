package sync

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
)

// Outbox is the durable queue of not-yet-confirmed mutations. Enqueue
// only persists; no network call happens here.
type Outbox struct {
	store store.Store
}

func NewOutbox(s store.Store) *Outbox {
	return &Outbox{store: s}
}

// Enqueue assigns the next sequence id and persists the entry. The
// returned error reports the persist operation only.
func (o *Outbox) Enqueue(ctx context.Context, entry *store.OutboxEntry) (int64, error) {
	if entry.Method == "" {
		entry.Method = http.MethodPost
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	seq, err := o.store.AppendOutbox(ctx, entry)
	if err != nil {
		return 0, err
	}

	logger.Log.Debug("Enqueued mutation",
		zap.Int64("sequenceId", seq),
		zap.String("method", entry.Method),
		zap.String("resource", entry.Resource),
		zap.String("entityId", entry.EntityID),
	)
	return seq, nil
}

// ListPending returns queued entries in replay (sequence id) order.
func (o *Outbox) ListPending(ctx context.Context) ([]store.OutboxEntry, error) {
	return o.store.ListOutbox(ctx)
}

func (o *Outbox) Remove(ctx context.Context, sequenceID int64) error {
	return o.store.RemoveOutbox(ctx, sequenceID)
}
