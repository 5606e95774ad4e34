package sync

import (
	"encoding/json"
	"fmt"
)

// Outcome is an operator's decision for one conflict.
type Outcome string

const (
	// OutcomeUseServer adopts the server version locally and drops the
	// local attempt.
	OutcomeUseServer Outcome = "use-server"
	// OutcomeUseLocal re-submits the local version with an override hint.
	OutcomeUseLocal Outcome = "use-local"
	// OutcomeMerge submits an operator-chosen field-by-field composite.
	OutcomeMerge Outcome = "merge"
	// OutcomeDiscard deletes the conflict record with no further action.
	OutcomeDiscard Outcome = "discard"
)

func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeUseServer, OutcomeUseLocal, OutcomeMerge, OutcomeDiscard:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown resolution outcome %q", s)
}

// MergeChoice picks one field's value for a merge resolution: the server
// value, the local value, or an operator-supplied literal.
type MergeChoice struct {
	Source string          `json:"source"` // "server", "local" or "value"
	Value  json.RawMessage `json:"value,omitempty"`
}

// FlushReport summarizes one outbox flush pass.
type FlushReport struct {
	Delivered int  `json:"delivered"`
	Conflicts int  `json:"conflicts"`
	Rejected  int  `json:"rejected"`
	Remaining int  `json:"remaining"`
	Paused    bool `json:"paused"` // true when a network failure stopped the pass
}

// SyncReport summarizes one sync-down pass. Collections are reported
// independently so one failure never hides the others.
type SyncReport struct {
	Refreshed []string          `json:"refreshed"`
	Skipped   []string          `json:"skipped"` // held back by open conflicts
	Failed    map[string]string `json:"failed,omitempty"`
}

// Usage is a read-only estimate of local storage consumption.
type Usage struct {
	PerCollection map[string]CollectionUsage `json:"perCollection"`
	CacheBytes    int64                      `json:"cacheBytes"`
	TotalBytes    int64                      `json:"totalBytes"`
}

type CollectionUsage struct {
	Count       int   `json:"count"`
	ApproxBytes int64 `json:"approxBytes"`
}

// EvictionReport describes what one EvictToBudget call removed.
type EvictionReport struct {
	BeforeBytes    int64 `json:"beforeBytes"`
	AfterBytes     int64 `json:"afterBytes"`
	FreedBytes     int64 `json:"freedBytes"`
	EvictedRecords int   `json:"evictedRecords"`
	EvictedCached  int   `json:"evictedCached"`
}
