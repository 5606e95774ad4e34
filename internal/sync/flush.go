package sync

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
)

// Flusher drains the outbox against the network, one entry at a time, in
// sequence order.
type Flusher struct {
	store     store.Store
	outbox    *Outbox
	transport Transport
	conn      Connectivity
	conflicts *Conflicts

	inFlight int32
}

func NewFlusher(s store.Store, outbox *Outbox, transport Transport, conn Connectivity, conflicts *Conflicts) *Flusher {
	return &Flusher{
		store:     s,
		outbox:    outbox,
		transport: transport,
		conn:      conn,
		conflicts: conflicts,
	}
}

// Flush replays pending entries strictly in sequence order. A transport
// failure pauses the pass at the failing entry so no later mutation can
// overtake an earlier stuck one. Not re-entrant: a concurrent call
// returns ErrFlushInFlight and does nothing.
func (f *Flusher) Flush(ctx context.Context) (*FlushReport, error) {
	if !atomic.CompareAndSwapInt32(&f.inFlight, 0, 1) {
		return nil, ErrFlushInFlight
	}
	defer atomic.StoreInt32(&f.inFlight, 0)

	if !f.conn.Online() {
		return nil, ErrOffline
	}

	entries, err := f.outbox.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	report := &FlushReport{}
	for i, entry := range entries {
		resp, err := f.transport.Send(ctx, &Request{
			URL:     entry.TargetURL,
			Method:  entry.Method,
			Body:    entry.Body,
			Headers: entry.Headers,
		})
		if err != nil {
			// No response at all: this entry and everything after it
			// stay queued, only this one's attempt counter moves.
			if bumpErr := f.store.BumpOutboxAttempts(ctx, entry.SequenceID); bumpErr != nil {
				return report, bumpErr
			}
			report.Paused = true
			report.Remaining = len(entries) - i
			logger.Log.Warn("Flush paused on network failure",
				zap.Int64("sequenceId", entry.SequenceID),
				zap.Int("remaining", report.Remaining),
				zap.Error(err),
			)
			return report, nil
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			if err := f.confirm(ctx, &entry, resp); err != nil {
				return report, err
			}
			report.Delivered++

		case resp.Status == http.StatusConflict:
			// The server's state diverged from what this entry assumed.
			// The entry leaves the queue; the divergence becomes a
			// conflict record awaiting operator resolution.
			if _, err := f.conflicts.RecordDivergence(ctx, &entry, resp.Body); err != nil {
				return report, err
			}
			if err := f.outbox.Remove(ctx, entry.SequenceID); err != nil {
				return report, err
			}
			report.Conflicts++

		default:
			// Definitive rejection. Retrying the same payload cannot
			// succeed, so drop the entry and surface the rejection.
			if err := f.outbox.Remove(ctx, entry.SequenceID); err != nil {
				return report, err
			}
			report.Rejected++
			rejection := &ValidationError{Status: resp.Status, Body: resp.Body}
			logger.Log.Error("Outbox entry rejected",
				zap.Int64("sequenceId", entry.SequenceID),
				zap.String("url", entry.TargetURL),
				zap.Error(rejection),
			)
		}
	}

	logger.Log.Info("Flush complete",
		zap.Int("delivered", report.Delivered),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("rejected", report.Rejected),
	)
	return report, nil
}

// confirm removes the delivered entry and settles the optimistic local
// write: a confirmed delete drops the tombstone, and an authoritative
// record in the response replaces the pending local value.
func (f *Flusher) confirm(ctx context.Context, entry *store.OutboxEntry, resp *Response) error {
	if err := f.outbox.Remove(ctx, entry.SequenceID); err != nil {
		return err
	}
	if entry.Resource == "" || entry.EntityID == "" {
		return nil
	}

	if entry.Method == http.MethodDelete {
		return f.store.DeleteEntity(ctx, entry.Resource, entry.EntityID)
	}

	fields := entry.Body
	if len(resp.Body) > 0 {
		fields = resp.Body
	}
	if fields == nil {
		return nil
	}

	return f.store.PutEntities(ctx, entry.Resource, []store.EntityRecord{{
		ID:     entry.EntityID,
		Fields: fields,
	}})
}
