package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
	"pos-sync-client/internal/store"
)

// OverrideHeader is the explicit hint sent when re-submitting a local or
// merged version: it tells the server to accept the payload even though
// its state diverged.
const OverrideHeader = "X-Conflict-Resolution"

const overrideValue = "override"

// Conflicts captures local/server divergences and applies operator
// resolutions.
type Conflicts struct {
	store     store.Store
	transport Transport

	// requestSync asks the manager for a sync-down pass after a
	// resolution lands, so dependent views observe the reconciled
	// value. Optional.
	requestSync func()
}

func NewConflicts(s store.Store, transport Transport, requestSync func()) *Conflicts {
	return &Conflicts{
		store:       s,
		transport:   transport,
		requestSync: requestSync,
	}
}

// RecordDivergence upserts the conflict record for the entry's entity:
// at most one open record exists per (resource, entity id), so a repeat
// detection refreshes the versions instead of duplicating.
func (c *Conflicts) RecordDivergence(ctx context.Context, entry *store.OutboxEntry, serverVersion []byte) (*store.ConflictRecord, error) {
	conflict := &store.ConflictRecord{
		ID:            uuid.New().String(),
		Resource:      entry.Resource,
		EntityID:      entry.EntityID,
		Method:        entry.Method,
		SourceURL:     entry.TargetURL,
		LocalVersion:  entry.Body,
		ServerVersion: serverVersion,
		Status:        store.ConflictOpen,
		DetectedAt:    time.Now(),
	}

	if err := c.store.UpsertConflict(ctx, conflict); err != nil {
		return nil, err
	}

	logger.Log.Warn("Conflict detected",
		zap.String("conflictId", conflict.ID),
		zap.String("resource", conflict.Resource),
		zap.String("entityId", conflict.EntityID),
	)
	return conflict, nil
}

// List returns open conflicts, oldest detection first.
func (c *Conflicts) List(ctx context.Context) ([]store.ConflictRecord, error) {
	return c.store.ListConflicts(ctx, store.ConflictOpen)
}

// Resolve applies the operator's decision. A resolution that fails to
// submit leaves the conflict record open so the operator can retry.
func (c *Conflicts) Resolve(ctx context.Context, id string, outcome Outcome, merge map[string]MergeChoice) error {
	conflict, err := c.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("no conflict with id %q", id)
	}

	switch outcome {
	case OutcomeUseServer:
		return c.adoptServer(ctx, conflict)
	case OutcomeUseLocal:
		return c.resubmit(ctx, conflict, conflict.LocalVersion, OutcomeUseLocal)
	case OutcomeMerge:
		payload, err := buildMergePayload(conflict, merge)
		if err != nil {
			return err
		}
		return c.resubmit(ctx, conflict, payload, OutcomeMerge)
	case OutcomeDiscard:
		return c.store.DeleteConflict(ctx, conflict.ID)
	}
	return fmt.Errorf("unknown resolution outcome %q", outcome)
}

// adoptServer writes the server version into the entity store and drops
// the local attempt. No network call is needed.
func (c *Conflicts) adoptServer(ctx context.Context, conflict *store.ConflictRecord) error {
	if conflict.ServerVersion == nil {
		// The server no longer has the entity at all.
		if err := c.store.DeleteEntity(ctx, conflict.Resource, conflict.EntityID); err != nil {
			return err
		}
	} else {
		err := c.store.PutEntities(ctx, conflict.Resource, []store.EntityRecord{{
			ID:     conflict.EntityID,
			Fields: conflict.ServerVersion,
		}})
		if err != nil {
			return err
		}
	}

	return c.settle(ctx, conflict, OutcomeUseServer)
}

// resubmit sends the payload back to the source URL with the explicit
// override hint. Only an accepted submission settles the conflict.
func (c *Conflicts) resubmit(ctx context.Context, conflict *store.ConflictRecord, payload json.RawMessage, outcome Outcome) error {
	resp, err := c.transport.Send(ctx, &Request{
		URL:     conflict.SourceURL,
		Method:  conflict.Method,
		Body:    payload,
		Headers: map[string]string{OverrideHeader: overrideValue},
	})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("resolution for %s/%s rejected: %w",
			conflict.Resource, conflict.EntityID,
			&ValidationError{Status: resp.Status, Body: resp.Body})
	}

	fields := payload
	if len(resp.Body) > 0 {
		fields = resp.Body
	}
	if fields != nil {
		err := c.store.PutEntities(ctx, conflict.Resource, []store.EntityRecord{{
			ID:     conflict.EntityID,
			Fields: fields,
		}})
		if err != nil {
			return err
		}
	}

	return c.settle(ctx, conflict, outcome)
}

func (c *Conflicts) settle(ctx context.Context, conflict *store.ConflictRecord, outcome Outcome) error {
	if err := c.store.DeleteConflict(ctx, conflict.ID); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflictId", conflict.ID),
		zap.String("resource", conflict.Resource),
		zap.String("entityId", conflict.EntityID),
		zap.String("outcome", string(outcome)),
	)

	if c.requestSync != nil {
		c.requestSync()
	}
	return nil
}

// buildMergePayload starts from the server version and overlays the
// operator's per-field choices.
func buildMergePayload(conflict *store.ConflictRecord, merge map[string]MergeChoice) (json.RawMessage, error) {
	var local, server map[string]json.RawMessage
	if conflict.LocalVersion != nil {
		if err := json.Unmarshal(conflict.LocalVersion, &local); err != nil {
			return nil, fmt.Errorf("local version is not an object: %w", err)
		}
	}
	if conflict.ServerVersion != nil {
		if err := json.Unmarshal(conflict.ServerVersion, &server); err != nil {
			return nil, fmt.Errorf("server version is not an object: %w", err)
		}
	}

	merged := make(map[string]json.RawMessage, len(server)+len(merge))
	for k, v := range server {
		merged[k] = v
	}

	for field, choice := range merge {
		switch choice.Source {
		case "server":
			if v, ok := server[field]; ok {
				merged[field] = v
			} else {
				delete(merged, field)
			}
		case "local":
			if v, ok := local[field]; ok {
				merged[field] = v
			} else {
				delete(merged, field)
			}
		case "value":
			if choice.Value == nil {
				return nil, fmt.Errorf("merge choice for %q has source \"value\" but no value", field)
			}
			merged[field] = choice.Value
		default:
			return nil, fmt.Errorf("merge choice for %q has unknown source %q", field, choice.Source)
		}
	}

	return json.Marshal(merged)
}
