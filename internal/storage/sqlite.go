// Package storage persists ForwardRecord definitions; List and ToSpec turn
// them back into ForwardSpecs. cmd/lazysocksctl's run command saves every
// forward it registers but does not read the store back at startup.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/craigderington/lazysocks/pkg/types"
)

// SQLiteStore provides persistent storage for forward definitions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// dbPath and ensures its schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS forwards (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		listen_host TEXT NOT NULL,
		listen_port INTEGER NOT NULL,
		listen_path TEXT,
		remote_host TEXT NOT NULL,
		remote_port INTEGER NOT NULL,
		remote_path TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_forwards_kind ON forwards(kind);
	CREATE INDEX IF NOT EXISTS idx_forwards_created_at ON forwards(created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save inserts or replaces a forward record.
func (s *SQLiteStore) Save(ctx context.Context, rec *types.ForwardRecord) error {
	const query = `
		INSERT OR REPLACE INTO forwards (
			id, kind, listen_host, listen_port, listen_path,
			remote_host, remote_port, remote_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Kind, rec.ListenHost, rec.ListenPort, rec.ListenPath,
		rec.RemoteHost, rec.RemotePort, rec.RemotePath, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save forward: %w", err)
	}
	return nil
}

// Delete removes a forward record by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM forwards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete forward: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("forward not found: %s", id)
	}
	return nil
}

// Get retrieves a forward record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.ForwardRecord, error) {
	const query = `
		SELECT id, kind, listen_host, listen_port, listen_path,
		       remote_host, remote_port, remote_path, created_at
		FROM forwards WHERE id = ?
	`
	var rec types.ForwardRecord
	var listenPath, remotePath sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Kind, &rec.ListenHost, &rec.ListenPort, &listenPath,
		&rec.RemoteHost, &rec.RemotePort, &remotePath, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forward not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get forward: %w", err)
	}
	rec.ListenPath = listenPath.String
	rec.RemotePath = remotePath.String
	return &rec, nil
}

// List retrieves every stored forward record, most recent first.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.ForwardRecord, error) {
	const query = `
		SELECT id, kind, listen_host, listen_port, listen_path,
		       remote_host, remote_port, remote_path, created_at
		FROM forwards ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	defer rows.Close()

	var records []*types.ForwardRecord
	for rows.Next() {
		var rec types.ForwardRecord
		var listenPath, remotePath sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.Kind, &rec.ListenHost, &rec.ListenPort, &listenPath,
			&rec.RemoteHost, &rec.RemotePort, &remotePath, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan forward: %w", err)
		}
		rec.ListenPath = listenPath.String
		rec.RemotePath = remotePath.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forwards: %w", err)
	}
	return records, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ToSpec converts a stored record back into the shape AddForward and
// AddReverseForward accept. Callbacks and user data are never persisted.
func ToSpec(rec *types.ForwardRecord) types.ForwardSpec {
	return types.ForwardSpec{
		ID:         rec.ID,
		Kind:       rec.Kind,
		ListenHost: rec.ListenHost,
		ListenPort: rec.ListenPort,
		ListenPath: rec.ListenPath,
		RemoteHost: rec.RemoteHost,
		RemotePort: rec.RemotePort,
		RemotePath: rec.RemotePath,
	}
}

// FromSpec captures the persisted fields of spec at time t.
func FromSpec(spec types.ForwardSpec, t time.Time) *types.ForwardRecord {
	return &types.ForwardRecord{
		ID:         spec.ID,
		Kind:       spec.Kind,
		ListenHost: spec.ListenHost,
		ListenPort: spec.ListenPort,
		ListenPath: spec.ListenPath,
		RemoteHost: spec.RemoteHost,
		RemotePort: spec.RemotePort,
		RemotePath: spec.RemotePath,
		CreatedAt:  t,
	}
}
