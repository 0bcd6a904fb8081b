// Package store persists instance records in a SQLite database inside the
// runtime's state directory. The database is what makes TTL enforcement
// restart-safe: expiry deadlines live in rows, not in timers, so a
// restarted runtime picks up exactly where the previous process stopped.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// DBFileName is the database file created inside the state directory.
const DBFileName = "instances.db"

// Record is the flat, persisted form of one instance. Enum-typed fields
// travel as their wire names and timestamps as unix milliseconds, with 0
// or NULL meaning unset. AccessJSON is the serialized access info, empty
// while none is published.
type Record struct {
	ID           string
	ChallengeID  int64
	OwnerKey     string
	Deployment   string
	AlwaysOn     bool
	ImageRef     string
	Port         int
	Protocol     string
	BackendKind  string
	BackendRef   string
	State        string
	StateReason  string
	Orphaned     bool
	CreatedAt    int64
	StartedAt    int64
	ExpiresAt    *int64
	TerminatedAt *int64
	AccessJSON   string
	LastHealthAt int64
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id             TEXT PRIMARY KEY,
	challenge_id   INTEGER NOT NULL,
	owner_key      TEXT NOT NULL,
	deployment     TEXT NOT NULL,
	always_on      INTEGER NOT NULL,
	image_ref      TEXT NOT NULL,
	port           INTEGER NOT NULL,
	protocol       TEXT NOT NULL,
	backend_kind   TEXT NOT NULL,
	backend_ref    TEXT NOT NULL,
	state          TEXT NOT NULL,
	state_reason   TEXT NOT NULL,
	orphaned       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	started_at     INTEGER NOT NULL,
	expires_at     INTEGER,
	terminated_at  INTEGER,
	access_info    TEXT NOT NULL,
	last_health_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_slot  ON instances (challenge_id, owner_key);
CREATE INDEX IF NOT EXISTS idx_instances_state ON instances (state);
`

// Store is a single-connection SQLite session owning the instances table.
// Safe for concurrent use; database/sql serializes access to the one
// connection.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the instance database inside dir and
// ensures the schema. If logger is nil, slog.Default() is used.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, DBFileName)
	// WAL keeps readers from blocking the writer; the busy timeout covers
	// the brief overlap when a previous process is still closing.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single connection: one writer session, not a pool.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close instance db: %w", err)
	}
	return nil
}

// Upsert writes the record, replacing any previous row with the same ID.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	const q = `
INSERT INTO instances (
	id, challenge_id, owner_key, deployment, always_on,
	image_ref, port, protocol, backend_kind, backend_ref,
	state, state_reason, orphaned, created_at, started_at,
	expires_at, terminated_at, access_info, last_health_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	challenge_id = excluded.challenge_id,
	owner_key = excluded.owner_key,
	deployment = excluded.deployment,
	always_on = excluded.always_on,
	image_ref = excluded.image_ref,
	port = excluded.port,
	protocol = excluded.protocol,
	backend_kind = excluded.backend_kind,
	backend_ref = excluded.backend_ref,
	state = excluded.state,
	state_reason = excluded.state_reason,
	orphaned = excluded.orphaned,
	created_at = excluded.created_at,
	started_at = excluded.started_at,
	expires_at = excluded.expires_at,
	terminated_at = excluded.terminated_at,
	access_info = excluded.access_info,
	last_health_at = excluded.last_health_at
`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.ChallengeID, r.OwnerKey, r.Deployment, r.AlwaysOn,
		r.ImageRef, r.Port, r.Protocol, r.BackendKind, r.BackendRef,
		r.State, r.StateReason, r.Orphaned, r.CreatedAt, r.StartedAt,
		r.ExpiresAt, r.TerminatedAt, r.AccessJSON, r.LastHealthAt,
	)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes the record with the given ID. Deleting an absent ID is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted record. Called once at startup to
// rebuild the in-memory registry.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	const q = `
SELECT
	id, challenge_id, owner_key, deployment, always_on,
	image_ref, port, protocol, backend_kind, backend_ref,
	state, state_reason, orphaned, created_at, started_at,
	expires_at, terminated_at, access_info, last_health_at
FROM instances
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.ChallengeID, &r.OwnerKey, &r.Deployment, &r.AlwaysOn,
			&r.ImageRef, &r.Port, &r.Protocol, &r.BackendKind, &r.BackendRef,
			&r.State, &r.StateReason, &r.Orphaned, &r.CreatedAt, &r.StartedAt,
			&r.ExpiresAt, &r.TerminatedAt, &r.AccessJSON, &r.LastHealthAt,
		); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return out, nil
}

// PurgeTerminalBefore deletes rows in any of the given terminal states
// whose terminated_at is at or before cutoff (unix milliseconds). It
// returns the number of rows removed.
func (s *Store) PurgeTerminalBefore(ctx context.Context, states []string, cutoff int64) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// One statement with an IN list; two terminal states means two
	// placeholders, so the query stays index-friendly.
	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]
	q := fmt.Sprintf(
		`DELETE FROM instances WHERE state IN (%s) AND terminated_at IS NOT NULL AND terminated_at <= ?`,
		placeholders,
	)
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, cutoff)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("purge terminal instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge transaction: %w", err)
	}
	if n > 0 {
		s.log.Debug("purged terminal instance records", "rows", n)
	}
	return n, nil
}
