package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i2y/mcpgate/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS servers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  owner TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  doc TEXT NOT NULL,
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS secrets (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  name TEXT NOT NULL,
  environment TEXT NOT NULL DEFAULT '',
  value TEXT NOT NULL,
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_secrets_owner ON secrets(owner);
`

// Store persists server configurations and encrypted secrets in SQLite.
// The full configuration is kept as a JSON document next to the columns
// used for lookups.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// New creates a Store for the database file at path. Use ":memory:" for a
// throwaway database.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger.With("component", "sql_store")}
}

// Init opens the database and creates the schema. It is safe to call more
// than once.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create schema: %w", err)
	}
	s.db = db
	s.logger.Info("SQLite store ready", slog.String("path", s.path))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureDB(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db, nil
}

// SaveServer inserts or replaces a server configuration.
func (s *Store) SaveServer(ctx context.Context, cfg *domain.ServerConfig) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", cfg.ID, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO servers(id, name, owner, status, doc, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   owner=excluded.owner,
		   status=excluded.status,
		   doc=excluded.doc,
		   updated_at=excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Owner, string(cfg.Status), string(doc),
		unixNano(cfg.CreatedAt), unixNano(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save server %s: %w", cfg.ID, err)
	}
	return nil
}

// GetServer retrieves a server configuration by id.
func (s *Store) GetServer(ctx context.Context, id string) (*domain.ServerConfig, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	var doc string
	err = db.QueryRowContext(ctx, `SELECT doc FROM servers WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load server %s: %w", id, err)
	}
	return decodeServer(doc)
}

// ListServers returns every stored server ordered by id.
func (s *Store) ListServers(ctx context.Context) ([]*domain.ServerConfig, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT doc FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []*domain.ServerConfig
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		cfg, err := decodeServer(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteServer removes a server configuration.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrServerNotFound
	}
	return nil
}

func decodeServer(doc string) (*domain.ServerConfig, error) {
	var cfg domain.ServerConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("decode server: %w", err)
	}
	return &cfg, nil
}

// SaveSecret inserts or replaces a secret record.
func (s *Store) SaveSecret(ctx context.Context, rec *domain.SecretRecord) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO secrets(id, owner, name, environment, value, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner,
		   name=excluded.name,
		   environment=excluded.environment,
		   value=excluded.value,
		   updated_at=excluded.updated_at`,
		rec.ID, rec.Owner, rec.Name, rec.Environment, rec.Value,
		unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save secret %s: %w", rec.ID, err)
	}
	return nil
}

// GetSecret retrieves a secret record by id.
func (s *Store) GetSecret(ctx context.Context, id string) (*domain.SecretRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, owner, name, environment, value, created_at, updated_at FROM secrets WHERE id = ?`, id)
	rec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load secret %s: %w", id, err)
	}
	return rec, nil
}

// ListSecrets returns the records owned by owner, newest first.
func (s *Store) ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, owner, name, environment, value, created_at, updated_at FROM secrets
		 WHERE owner = ? ORDER BY created_at DESC, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []*domain.SecretRecord
	for rows.Next() {
		rec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSecret(row scanner) (*domain.SecretRecord, error) {
	var rec domain.SecretRecord
	var created, updated int64
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Name, &rec.Environment, &rec.Value, &created, &updated); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	return &rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
