// Package configstore is the thin relational store the core consumes by
// contract only: project names and proxy rows (id, port, auto-start). It
// has no opinion on GUI or CLI concerns; it exists so the startup code and
// the management package have a real database to read proxy definitions
// from and write proxy and project rows to.
package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"yatangaki/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS proxies (
	proxy_id   INTEGER UNIQUE NOT NULL,
	port       INTEGER NOT NULL,
	auto_start INTEGER NOT NULL
);
`

// Proxy is one row of the proxies table.
type Proxy struct {
	ProxyID   int64
	Port      int
	AutoStart bool
}

// Store is a handle to the installation-wide config.db.
type Store struct {
	log *logger.Logger

	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) config.db inside baseDir and applies
// the schema.
func Open(ctx context.Context, baseDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("configstore: create base dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(baseDir, "config.db"))
	if err != nil {
		return nil, fmt.Errorf("configstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on the failure path
		return nil, fmt.Errorf("configstore: apply schema: %w", err)
	}
	return &Store{log: log, db: db}, nil
}

// ListProjects returns every known project name.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM projects ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("configstore: list projects: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("configstore: scan project: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateProject inserts a new project row. It is a no-op if the project
// already exists.
func (s *Store) CreateProject(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO projects (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("configstore: create project: %w", err)
	}
	return nil
}

// DeleteProject removes the project row and its on-disk log directory.
// Callers are responsible for stopping any controller using the project
// before calling this.
func (s *Store) DeleteProject(ctx context.Context, baseDir, name string) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("configstore: delete project row: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(baseDir, name)); err != nil {
		return fmt.Errorf("configstore: remove project directory: %w", err)
	}
	if s.log != nil {
		s.log.Infof("delete_project", "removed project %q", name)
	}
	return nil
}

// ListProxies returns every configured proxy, ordered by proxy id.
func (s *Store) ListProxies(ctx context.Context) ([]Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT proxy_id, port, auto_start FROM proxies ORDER BY proxy_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("configstore: list proxies: %w", err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var p Proxy
		var autoStart int
		if err := rows.Scan(&p.ProxyID, &p.Port, &autoStart); err != nil {
			return nil, fmt.Errorf("configstore: scan proxy: %w", err)
		}
		p.AutoStart = autoStart != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProxy inserts or updates a proxy row.
func (s *Store) SaveProxy(ctx context.Context, p Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	autoStart := 0
	if p.AutoStart {
		autoStart = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (proxy_id, port, auto_start) VALUES (?, ?, ?)
		ON CONFLICT(proxy_id) DO UPDATE SET port = excluded.port, auto_start = excluded.auto_start
	`, p.ProxyID, p.Port, autoStart)
	if err != nil {
		return fmt.Errorf("configstore: save proxy: %w", err)
	}
	return nil
}

// DeleteProxy removes a proxy row. The source left this operation
// unfinished; this store finishes it: the row is removed unconditionally,
// and it is the caller's (controller host's) responsibility to stop a
// running controller for proxyID first. Project log databases are never
// touched by this call — a proxy is not a project, and its past packets
// remain valid history.
func (s *Store) DeleteProxy(ctx context.Context, proxyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE proxy_id = ?`, proxyID)
	if err != nil {
		return fmt.Errorf("configstore: delete proxy: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
