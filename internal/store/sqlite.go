package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pos-sync-client/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	collection     TEXT NOT NULL,
	id             TEXT NOT NULL,
	fields         TEXT NOT NULL,
	stored_at      INTEGER NOT NULL,
	last_accessed  INTEGER NOT NULL,
	deleted        INTEGER NOT NULL DEFAULT 0,
	pending_origin INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS outbox (
	sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource    TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	target_url  TEXT NOT NULL,
	method      TEXT NOT NULL,
	body        TEXT,
	headers     TEXT NOT NULL DEFAULT '{}',
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	resource       TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	method         TEXT NOT NULL,
	source_url     TEXT NOT NULL,
	local_version  TEXT,
	server_version TEXT,
	status         TEXT NOT NULL DEFAULT 'open',
	detected_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts (resource, entity_id, status);

CREATE TABLE IF NOT EXISTS response_cache (
	url           TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	stored_at     INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL
);
`

type SQLiteStore struct {
	db *database.Database

	// Now is the clock used for stored_at / last_accessed stamps.
	// Overridable in tests.
	Now func() time.Time
}

func NewSQLiteStore(db *database.Database) (*SQLiteStore, error) {
	if _, err := db.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, Now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Entities ---

// PutEntities writes the batch inside one transaction: either every
// record lands or none do. stored_at is set on first insert only;
// last_accessed always moves forward.
func (s *SQLiteStore) PutEntities(ctx context.Context, collection string, records []EntityRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := s.Now().UnixNano()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO entities (collection, id, fields, stored_at, last_accessed, deleted, pending_origin)
				  VALUES (?, ?, ?, ?, ?, ?, ?)
				  ON CONFLICT (collection, id) DO UPDATE SET
				  fields = excluded.fields,
				  last_accessed = excluded.last_accessed,
				  deleted = excluded.deleted,
				  pending_origin = excluded.pending_origin`

		for _, r := range records {
			if r.ID == "" {
				return fmt.Errorf("record in %q has empty id", collection)
			}
			fields := r.Fields
			if fields == nil {
				fields = json.RawMessage(`{}`)
			}
			if _, err := tx.ExecContext(ctx, query,
				collection, r.ID, string(fields), now, now, r.Deleted, r.PendingOrigin,
			); err != nil {
				return err
			}
		}
		return nil
	})

	return storageErr("put entities", err)
}

// GetEntity returns nil when the record does not exist. A hit refreshes
// last_accessed, which feeds eviction recency.
func (s *SQLiteStore) GetEntity(ctx context.Context, collection, id string) (*EntityRecord, error) {
	query := `SELECT collection, id, fields, stored_at, last_accessed, deleted, pending_origin
			  FROM entities WHERE collection = ? AND id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, collection, id)
	rec, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get entity", err)
	}

	touch := `UPDATE entities SET last_accessed = ? WHERE collection = ? AND id = ?`
	if _, err := s.db.DB.ExecContext(ctx, touch, s.Now().UnixNano(), collection, id); err != nil {
		return nil, storageErr("touch entity", err)
	}

	return rec, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, collection string) ([]EntityRecord, error) {
	query := `SELECT collection, id, fields, stored_at, last_accessed, deleted, pending_origin
			  FROM entities WHERE collection = ? ORDER BY id`

	rows, err := s.db.DB.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, storageErr("list entities", err)
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("list entities", err)
		}
		records = append(records, *rec)
	}

	return records, storageErr("list entities", rows.Err())
}

// MarkEntityDeleted sets the tombstone flag while keeping the last known
// fields, so the UI can hide the record before the delete is confirmed.
func (s *SQLiteStore) MarkEntityDeleted(ctx context.Context, collection, id string) error {
	query := `UPDATE entities SET deleted = 1, pending_origin = 1, last_accessed = ?
			  WHERE collection = ? AND id = ?`

	res, err := s.db.DB.ExecContext(ctx, query, s.Now().UnixNano(), collection, id)
	if err != nil {
		return storageErr("mark deleted", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("mark deleted", fmt.Errorf("no record %s/%s", collection, id))
	}
	return nil
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, collection, id string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id)
	return storageErr("delete entity", err)
}

func (s *SQLiteStore) ClearCollection(ctx context.Context, collection string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ?`, collection)
	return storageErr("clear collection", err)
}

// ReplaceCollection clears the collection and writes the snapshot in one
// transaction, so readers never observe a half-replaced collection.
func (s *SQLiteStore) ReplaceCollection(ctx context.Context, collection string, records []EntityRecord) error {
	now := s.Now().UnixNano()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE collection = ?`, collection); err != nil {
			return err
		}

		query := `INSERT INTO entities (collection, id, fields, stored_at, last_accessed, deleted, pending_origin)
				  VALUES (?, ?, ?, ?, ?, 0, 0)`
		for _, r := range records {
			if r.ID == "" {
				return fmt.Errorf("record in %q has empty id", collection)
			}
			fields := r.Fields
			if fields == nil {
				fields = json.RawMessage(`{}`)
			}
			if _, err := tx.ExecContext(ctx, query,
				collection, r.ID, string(fields), now, now); err != nil {
				return err
			}
		}
		return nil
	})

	return storageErr("replace collection", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*EntityRecord, error) {
	var (
		rec              EntityRecord
		fields           string
		storedAt, access int64
	)
	err := row.Scan(
		&rec.Collection,
		&rec.ID,
		&fields,
		&storedAt,
		&access,
		&rec.Deleted,
		&rec.PendingOrigin,
	)
	if err != nil {
		return nil, err
	}

	rec.Fields = json.RawMessage(fields)
	rec.StoredAt = time.Unix(0, storedAt)
	rec.LastAccessed = time.Unix(0, access)
	return &rec, nil
}

// --- Outbox ---

// AppendOutbox persists the entry and returns the assigned sequence id.
// Sequence ids come from the AUTOINCREMENT rowid, so enqueue order is
// replay order.
func (s *SQLiteStore) AppendOutbox(ctx context.Context, entry *OutboxEntry) (int64, error) {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return 0, storageErr("append outbox", err)
	}

	var body interface{}
	if entry.Body != nil {
		body = string(entry.Body)
	}

	query := `INSERT INTO outbox (resource, entity_id, target_url, method, body, headers, enqueued_at, attempts)
			  VALUES (?, ?, ?, ?, ?, ?, ?, 0)`

	res, err := s.db.DB.ExecContext(ctx, query,
		entry.Resource,
		entry.EntityID,
		entry.TargetURL,
		entry.Method,
		body,
		string(headers),
		entry.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return 0, storageErr("append outbox", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append outbox", err)
	}

	entry.SequenceID = seq
	return seq, nil
}

func (s *SQLiteStore) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	query := `SELECT sequence_id, resource, entity_id, target_url, method, body, headers, enqueued_at, attempts
			  FROM outbox ORDER BY sequence_id ASC`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list outbox", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e          OutboxEntry
			body       sql.NullString
			headers    string
			enqueuedAt int64
		)
		err := rows.Scan(
			&e.SequenceID,
			&e.Resource,
			&e.EntityID,
			&e.TargetURL,
			&e.Method,
			&body,
			&headers,
			&enqueuedAt,
			&e.Attempts,
		)
		if err != nil {
			return nil, storageErr("list outbox", err)
		}

		if body.Valid {
			e.Body = json.RawMessage(body.String)
		}
		if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
			return nil, storageErr("list outbox", err)
		}
		e.EnqueuedAt = time.Unix(0, enqueuedAt)
		entries = append(entries, e)
	}

	return entries, storageErr("list outbox", rows.Err())
}

func (s *SQLiteStore) RemoveOutbox(ctx context.Context, sequenceID int64) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM outbox WHERE sequence_id = ?`, sequenceID)
	return storageErr("remove outbox", err)
}

func (s *SQLiteStore) BumpOutboxAttempts(ctx context.Context, sequenceID int64) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE sequence_id = ?`, sequenceID)
	return storageErr("bump outbox attempts", err)
}

// --- Conflicts ---

// UpsertConflict keeps the one-open-record-per-entity invariant: a second
// detection on the same (resource, entity id) replaces the versions and
// detection time of the existing open record instead of inserting.
func (s *SQLiteStore) UpsertConflict(ctx context.Context, conflict *ConflictRecord) error {
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM conflicts WHERE resource = ? AND entity_id = ? AND status = ?`,
			conflict.Resource, conflict.EntityID, ConflictOpen,
		).Scan(&existing)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO conflicts (id, resource, entity_id, method, source_url, local_version, server_version, status, detected_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				conflict.ID,
				conflict.Resource,
				conflict.EntityID,
				conflict.Method,
				conflict.SourceURL,
				rawToNull(conflict.LocalVersion),
				rawToNull(conflict.ServerVersion),
				ConflictOpen,
				conflict.DetectedAt.UnixNano(),
			)
			return err
		case err != nil:
			return err
		default:
			conflict.ID = existing
			_, err = tx.ExecContext(ctx,
				`UPDATE conflicts SET method = ?, source_url = ?, local_version = ?, server_version = ?, detected_at = ?
				 WHERE id = ?`,
				conflict.Method,
				conflict.SourceURL,
				rawToNull(conflict.LocalVersion),
				rawToNull(conflict.ServerVersion),
				conflict.DetectedAt.UnixNano(),
				existing,
			)
			return err
		}
	})

	return storageErr("upsert conflict", err)
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT id, resource, entity_id, method, source_url, local_version, server_version, status, detected_at
		 FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, status string) ([]ConflictRecord, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, resource, entity_id, method, source_url, local_version, server_version, status, detected_at
		 FROM conflicts WHERE status = ? ORDER BY detected_at ASC`, status)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("list conflicts", err)
		}
		conflicts = append(conflicts, *c)
	}

	return conflicts, storageErr("list conflicts", rows.Err())
}

func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	return storageErr("delete conflict", err)
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var (
		c             ConflictRecord
		local, server sql.NullString
		detectedAt    int64
	)
	err := row.Scan(
		&c.ID,
		&c.Resource,
		&c.EntityID,
		&c.Method,
		&c.SourceURL,
		&local,
		&server,
		&c.Status,
		&detectedAt,
	)
	if err != nil {
		return nil, err
	}

	if local.Valid {
		c.LocalVersion = json.RawMessage(local.String)
	}
	if server.Valid {
		c.ServerVersion = json.RawMessage(server.String)
	}
	c.DetectedAt = time.Unix(0, detectedAt)
	return &c, nil
}

func rawToNull(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// --- Response cache ---

func (s *SQLiteStore) PutCachedResponse(ctx context.Context, url string, body []byte) error {
	now := s.Now().UnixNano()
	query := `INSERT INTO response_cache (url, body, stored_at, last_accessed)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT (url) DO UPDATE SET
			  body = excluded.body,
			  last_accessed = excluded.last_accessed`

	_, err := s.db.DB.ExecContext(ctx, query, url, string(body), now, now)
	return storageErr("put cached response", err)
}

func (s *SQLiteStore) GetCachedResponse(ctx context.Context, url string) (*CachedResponse, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT url, body, stored_at, last_accessed FROM response_cache WHERE url = ?`, url)

	var (
		c                CachedResponse
		body             string
		storedAt, access int64
	)
	err := row.Scan(&c.URL, &body, &storedAt, &access)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get cached response", err)
	}

	c.Body = []byte(body)
	c.StoredAt = time.Unix(0, storedAt)
	c.LastAccessed = time.Unix(0, access)

	touch := `UPDATE response_cache SET last_accessed = ? WHERE url = ?`
	if _, err := s.db.DB.ExecContext(ctx, touch, s.Now().UnixNano(), url); err != nil {
		return nil, storageErr("touch cached response", err)
	}

	return &c, nil
}

func (s *SQLiteStore) ListCachedResponses(ctx context.Context) ([]CachedResponse, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT url, body, stored_at, last_accessed FROM response_cache ORDER BY url`)
	if err != nil {
		return nil, storageErr("list cached responses", err)
	}
	defer rows.Close()

	var cached []CachedResponse
	for rows.Next() {
		var (
			c                CachedResponse
			body             string
			storedAt, access int64
		)
		if err := rows.Scan(&c.URL, &body, &storedAt, &access); err != nil {
			return nil, storageErr("list cached responses", err)
		}
		c.Body = []byte(body)
		c.StoredAt = time.Unix(0, storedAt)
		c.LastAccessed = time.Unix(0, access)
		cached = append(cached, c)
	}

	return cached, storageErr("list cached responses", rows.Err())
}

func (s *SQLiteStore) DeleteCachedResponse(ctx context.Context, url string) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM response_cache WHERE url = ?`, url)
	return storageErr("delete cached response", err)
}
