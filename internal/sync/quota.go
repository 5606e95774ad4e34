package sync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
)

// Quota measures local storage consumption and evicts the oldest-accessed
// records when over budget.
type Quota struct {
	store       store.Store
	collections []string
}

func NewQuota(s store.Store, collections []string) *Quota {
	return &Quota{store: s, collections: collections}
}

// EstimateUsage sums the serialized byte length of every stored record
// and cached response. Read-only: it never refreshes recency stamps.
func (q *Quota) EstimateUsage(ctx context.Context) (*Usage, error) {
	usage := &Usage{PerCollection: make(map[string]CollectionUsage, len(q.collections))}

	for _, col := range q.collections {
		records, err := q.store.ListEntities(ctx, col)
		if err != nil {
			return nil, err
		}

		var cu CollectionUsage
		for _, r := range records {
			cu.Count++
			cu.ApproxBytes += recordBytes(&r)
		}
		usage.PerCollection[col] = cu
		usage.TotalBytes += cu.ApproxBytes
	}

	cached, err := q.store.ListCachedResponses(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cached {
		usage.CacheBytes += int64(len(c.Body))
	}
	usage.TotalBytes += usage.CacheBytes

	return usage, nil
}

type evictionCandidate struct {
	collection string // empty for cached responses
	id         string // entity id, or cache URL
	bytes      int64
	accessed   time.Time
}

// EvictToBudget deletes the oldest-accessed candidates one at a time
// until total estimated usage fits targetBytes or no candidates remain.
// Entities referenced by outbox entries or open conflicts are never
// eligible. Deterministic and idempotent: a second run with the same
// budget frees nothing.
func (q *Quota) EvictToBudget(ctx context.Context, targetBytes int64, priorityOrder []string) (*EvictionReport, error) {
	usage, err := q.EstimateUsage(ctx)
	if err != nil {
		return nil, err
	}

	report := &EvictionReport{
		BeforeBytes: usage.TotalBytes,
		AfterBytes:  usage.TotalBytes,
	}
	if usage.TotalBytes <= targetBytes {
		return report, nil
	}

	protected, err := q.protectedEntities(ctx)
	if err != nil {
		return nil, err
	}

	if len(priorityOrder) == 0 {
		priorityOrder = q.collections
	}

	var candidates []evictionCandidate
	for _, col := range priorityOrder {
		records, err := q.store.ListEntities(ctx, col)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if protected[entityKey{col, r.ID}] {
				continue
			}
			accessed := r.LastAccessed
			if accessed.IsZero() {
				accessed = r.StoredAt
			}
			candidates = append(candidates, evictionCandidate{
				collection: col,
				id:         r.ID,
				bytes:      recordBytes(&r),
				accessed:   accessed,
			})
		}
	}

	cached, err := q.store.ListCachedResponses(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cached {
		accessed := c.LastAccessed
		if accessed.IsZero() {
			accessed = c.StoredAt
		}
		candidates = append(candidates, evictionCandidate{
			id:       c.URL,
			bytes:    int64(len(c.Body)),
			accessed: accessed,
		})
	}

	// Oldest-accessed first; ties broken by identity so runs with equal
	// stamps stay deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.accessed.Equal(b.accessed) {
			return a.accessed.Before(b.accessed)
		}
		if a.collection != b.collection {
			return a.collection < b.collection
		}
		return a.id < b.id
	})

	remaining := usage.TotalBytes
	for _, cand := range candidates {
		if remaining <= targetBytes {
			break
		}

		if cand.collection == "" {
			if err := q.store.DeleteCachedResponse(ctx, cand.id); err != nil {
				return nil, err
			}
			report.EvictedCached++
		} else {
			if err := q.store.DeleteEntity(ctx, cand.collection, cand.id); err != nil {
				return nil, err
			}
			report.EvictedRecords++
		}
		remaining -= cand.bytes
		report.FreedBytes += cand.bytes
	}

	report.AfterBytes = remaining
	if report.FreedBytes > 0 {
		logger.Log.Info("Evicted records to fit budget",
			zap.Int64("targetBytes", targetBytes),
			zap.Int64("freedBytes", report.FreedBytes),
			zap.Int("records", report.EvictedRecords),
			zap.Int("cached", report.EvictedCached),
		)
	}
	return report, nil
}

type entityKey struct {
	collection string
	id         string
}

// protectedEntities is the set of entities that eviction must never
// touch: anything a queued mutation or an open conflict still refers to.
func (q *Quota) protectedEntities(ctx context.Context) (map[entityKey]bool, error) {
	protected := make(map[entityKey]bool)

	entries, err := q.store.ListOutbox(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Resource != "" && e.EntityID != "" {
			protected[entityKey{e.Resource, e.EntityID}] = true
		}
	}

	open, err := q.store.ListConflicts(ctx, store.ConflictOpen)
	if err != nil {
		return nil, err
	}
	for _, c := range open {
		protected[entityKey{c.Resource, c.EntityID}] = true
	}

	return protected, nil
}

func recordBytes(r *store.EntityRecord) int64 {
	return int64(len(r.Fields) + len(r.ID))
}
