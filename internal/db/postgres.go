// Package db persists the internal/space facade's durable state to Postgres: one row per
// group holding its latest Snapshot, and an append-only per-group operation log used to
// replay frames a snapshot predates. Grounded on the teacher's postgres.go connection-pool
// idiom (sql.Open against the lib/pq driver, SetMaxOpenConns/SetMaxIdleConns/
// SetConnMaxLifetime), generalized from the chat application's message/user/session CRUD
// surface to the two storage interfaces internal/space/store.go names.
package db

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/space"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	_ "github.com/lib/pq"
)

// PostgresDB wraps the database connection pool shared by PostgresStore and any future
// consumers (e.g. a request-tracing table keyed by the uuid.UUID this package still
// generates for each logged operation).
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB opens a connection pool against connStr and verifies it is reachable.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresDB{db: db}, nil
}

// Close closes the database connection.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// GetDB returns the underlying *sql.DB connection.
func (p *PostgresDB) GetDB() *sql.DB {
	return p.db
}

// Schema is the DDL cmd/spaced applies on startup (idempotent via IF NOT EXISTS). It is
// exposed as a constant rather than a migration tool because the shape is small and fixed:
// two tables, no foreign keys across groups.
const Schema = `
CREATE TABLE IF NOT EXISTS space_snapshots (
	group_id   BYTEA PRIMARY KEY,
	snapshot   BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS space_operations (
	id         UUID PRIMARY KEY,
	group_id   BYTEA NOT NULL,
	seq        BIGSERIAL,
	frame      BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS space_operations_group_seq ON space_operations (group_id, seq);
`

// PostgresStore implements space.SnapshotStore and space.LogStore against Postgres.
//
// Snapshot persistence uses encoding/gob rather than encoding/json: space.Snapshot nests
// maps keyed by identity.ID ([32]byte) and dcgka.Key (a struct), neither of which satisfies
// encoding/json's requirement that map keys be a string, an integer, or implement
// TextMarshaler. gob marshals arbitrary key types natively, so no bespoke key-encoding
// layer is needed on top of the wire-format types the rest of the core already defines.
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore wraps db, applying Schema if the tables do not already exist.
func NewPostgresStore(db *PostgresDB) (*PostgresStore, error) {
	if _, err := db.db.Exec(Schema); err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindStorageFailure, "apply space store schema", err)
	}
	return &PostgresStore{db: db}, nil
}

// SaveSnapshot upserts the latest Snapshot for groupID.
func (s *PostgresStore) SaveSnapshot(groupID identity.ID, snap space.Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return spaceerr.Wrap(spaceerr.KindStorageFailure, "encode snapshot", err)
	}

	_, err := s.db.db.Exec(`
		INSERT INTO space_snapshots (group_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (group_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		groupID[:], buf.Bytes())
	if err != nil {
		return spaceerr.Wrap(spaceerr.KindStorageFailure, "save snapshot", err)
	}
	return nil
}

// LoadSnapshot loads the latest Snapshot for groupID, returning found=false if none exists.
func (s *PostgresStore) LoadSnapshot(groupID identity.ID) (space.Snapshot, bool, error) {
	var raw []byte
	err := s.db.db.QueryRow(`SELECT snapshot FROM space_snapshots WHERE group_id = $1`, groupID[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return space.Snapshot{}, false, nil
	}
	if err != nil {
		return space.Snapshot{}, false, spaceerr.Wrap(spaceerr.KindStorageFailure, "load snapshot", err)
	}

	var snap space.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return space.Snapshot{}, false, spaceerr.Wrap(spaceerr.KindStorageFailure, "decode snapshot", err)
	}
	return snap, true, nil
}

// AppendOperation appends frame to groupID's operation log, ordered by insertion.
func (s *PostgresStore) AppendOperation(groupID identity.ID, frame []byte) error {
	_, err := s.db.db.Exec(`
		INSERT INTO space_operations (id, group_id, frame) VALUES ($1, $2, $3)`,
		uuid.New(), groupID[:], frame)
	if err != nil {
		return spaceerr.Wrap(spaceerr.KindStorageFailure, "append operation", err)
	}
	return nil
}

// ReadLog returns every frame appended for groupID, in append order.
func (s *PostgresStore) ReadLog(groupID identity.ID) ([][]byte, error) {
	rows, err := s.db.db.Query(`
		SELECT frame FROM space_operations WHERE group_id = $1 ORDER BY seq ASC`, groupID[:])
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindStorageFailure, "read operation log", err)
	}
	defer rows.Close()

	var frames [][]byte
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return nil, spaceerr.Wrap(spaceerr.KindStorageFailure, "scan operation row", err)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindStorageFailure, "iterate operation log", err)
	}
	return frames, nil
}
