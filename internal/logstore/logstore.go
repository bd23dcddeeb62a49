// Package logstore persists intercepted request/response pairs to a
// per-project SQLite database and serves them back to callers by packet
// id. The store owns one connection at a time; SelectProject swaps it
// atomically when the caller changes the active project.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"yatangaki/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	packet_id INTEGER UNIQUE NOT NULL,
	proxy_id  INTEGER NOT NULL,
	method    TEXT NOT NULL,
	authority TEXT NOT NULL,
	path      TEXT NOT NULL,
	query     TEXT,
	body      BLOB
);
CREATE TABLE IF NOT EXISTS responses (
	packet_id INTEGER UNIQUE NOT NULL,
	status    INTEGER NOT NULL,
	body      BLOB
);
CREATE TABLE IF NOT EXISTS request_headers (
	packet_id INTEGER NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS response_headers (
	packet_id INTEGER NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL
);
`

// ErrNoDatabaseSelected is returned by every operation invoked before
// SelectProject has established a current project database.
var ErrNoDatabaseSelected = errors.New("logstore: no project selected")

// Header is a single request or response header field. Repeated header
// names are stored as repeated rows, never folded.
type Header struct {
	Key   string
	Value string
}

// RequestParts is the request half of a logged pair, independent of any
// particular wire encoding.
type RequestParts struct {
	Method    string
	Authority string
	Path      string
	Query     string
	Headers   []Header
}

// ResponseParts is the response half of a logged pair. A nil
// *ResponseParts passed to InsertPair means the origin call never
// completed.
type ResponseParts struct {
	Status  int
	Headers []Header
	Body    []byte
}

// PacketMetadata is one row of ListMetadata's result: everything needed
// to populate a packet list without loading bodies.
type PacketMetadata struct {
	PacketID  int64
	ProxyID   int64
	Method    string
	Authority string
	Path      string
	Query     string
	Status    *int64 // nil when no response was logged
}

// LogPair is the full request/response pair for one packet id, including
// bodies. Response is nil when the origin call never completed.
type LogPair struct {
	PacketID    int64
	ProxyID     int64
	Request     RequestParts
	RequestBody []byte
	Response    *ResponseParts
}

// RequestAsText and ResponseAsText render bodies for display, substituting
// non-ASCII bytes and ASCII control bytes other than '\n', '\t' and '\r'
// with '.'. They never mutate the stored bytes.
func (p LogPair) RequestAsText() string { return displayText(p.RequestBody) }

// ResponseAsText renders the response body for display, or "" if there is
// no response.
func (p LogPair) ResponseAsText() string {
	if p.Response == nil {
		return ""
	}
	return displayText(p.Response.Body)
}

func displayText(body []byte) string {
	var b strings.Builder
	b.Grow(len(body))
	for _, c := range body {
		if c < 0x20 || c > 0x7e {
			if c != '\n' && c != '\t' && c != '\r' {
				b.WriteByte('.')
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Store is a process-wide handle to the currently selected project's log
// database. It is safe for concurrent use.
type Store struct {
	log *logger.Logger

	mu   sync.Mutex
	db   *sql.DB
	name string
}

// New returns an empty Store; SelectProject must be called before any
// other operation.
func New(log *logger.Logger) *Store {
	return &Store{log: log}
}

// SelectProject ensures <baseDir>/<name>/ exists, opens network_logs.db
// inside it, applies the schema, and makes it the current database. Any
// previously open database is closed first.
func (s *Store) SelectProject(ctx context.Context, baseDir, name string) error {
	projectDir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(projectDir, 0700); err != nil {
		return fmt.Errorf("logstore: create project dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(projectDir, "network_logs.db"))
	if err != nil {
		return fmt.Errorf("logstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; see package doc

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on the failure path
		return fmt.Errorf("logstore: apply schema: %w", err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.name = name
	s.mu.Unlock()

	if old != nil {
		old.Close() //nolint:errcheck // best-effort close of the previous project
	}
	if s.log != nil {
		s.log.Infof("select_project", "now logging to project %q", name)
	}
	return nil
}

// InsertPair allocates a packet id and, inside one transaction, inserts
// the request row, its headers, and (if resp is non-nil) the response row
// and its headers. On any failure nothing is visible: the transaction is
// rolled back and no partial row exists.
func (s *Store) InsertPair(ctx context.Context, proxyID int64, req RequestParts, reqBody []byte, resp *ResponseParts) (int64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, ErrNoDatabaseSelected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("logstore: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var packetID int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(packet_id) + 1, 0) FROM requests`)
	if err := row.Scan(&packetID); err != nil {
		return 0, fmt.Errorf("logstore: allocate packet id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO requests (packet_id, proxy_id, method, authority, path, query, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		packetID, proxyID, req.Method, req.Authority, req.Path, nullableString(req.Query), reqBody,
	); err != nil {
		return 0, fmt.Errorf("logstore: insert request: %w", err)
	}

	for _, h := range req.Headers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_headers (packet_id, key, value) VALUES (?, ?, ?)`,
			packetID, h.Key, h.Value,
		); err != nil {
			return 0, fmt.Errorf("logstore: insert request header: %w", err)
		}
	}

	if resp != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO responses (packet_id, status, body) VALUES (?, ?, ?)`,
			packetID, resp.Status, resp.Body,
		); err != nil {
			return 0, fmt.Errorf("logstore: insert response: %w", err)
		}
		for _, h := range resp.Headers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO response_headers (packet_id, key, value) VALUES (?, ?, ?)`,
				packetID, h.Key, h.Value,
			); err != nil {
				return 0, fmt.Errorf("logstore: insert response header: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("logstore: commit: %w", err)
	}
	return packetID, nil
}

// ListMetadata returns every packet's summary in packet_id order.
func (s *Store) ListMetadata(ctx context.Context) ([]PacketMetadata, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, ErrNoDatabaseSelected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.packet_id, r.proxy_id, r.method, r.authority, r.path, r.query, resp.status
		FROM requests r
		LEFT JOIN responses resp ON resp.packet_id = r.packet_id
		ORDER BY r.packet_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("logstore: list metadata: %w", err)
	}
	defer rows.Close()

	var out []PacketMetadata
	for rows.Next() {
		var m PacketMetadata
		var query sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&m.PacketID, &m.ProxyID, &m.Method, &m.Authority, &m.Path, &query, &status); err != nil {
			return nil, fmt.Errorf("logstore: scan metadata row: %w", err)
		}
		m.Query = query.String
		if status.Valid {
			v := status.Int64
			m.Status = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetFull loads the complete request/response pair for packetID,
// including headers and bodies. It returns (LogPair{}, false, nil) if no
// request with that packet id exists.
func (s *Store) GetFull(ctx context.Context, packetID int64) (LogPair, bool, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return LogPair{}, false, ErrNoDatabaseSelected
	}

	var pair LogPair
	var query sql.NullString
	row := db.QueryRowContext(ctx,
		`SELECT packet_id, proxy_id, method, authority, path, query, body FROM requests WHERE packet_id = ?`,
		packetID,
	)
	if err := row.Scan(&pair.PacketID, &pair.ProxyID, &pair.Request.Method, &pair.Request.Authority, &pair.Request.Path, &query, &pair.RequestBody); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LogPair{}, false, nil
		}
		return LogPair{}, false, fmt.Errorf("logstore: load request: %w", err)
	}
	pair.Request.Query = query.String

	reqHeaders, err := s.loadHeaders(ctx, db, "request_headers", packetID)
	if err != nil {
		return LogPair{}, false, err
	}
	pair.Request.Headers = reqHeaders

	var status sql.NullInt64
	var body []byte
	row = db.QueryRowContext(ctx, `SELECT status, body FROM responses WHERE packet_id = ?`, packetID)
	switch err := row.Scan(&status, &body); {
	case err == nil:
		respHeaders, err := s.loadHeaders(ctx, db, "response_headers", packetID)
		if err != nil {
			return LogPair{}, false, err
		}
		pair.Response = &ResponseParts{Status: int(status.Int64), Headers: respHeaders, Body: body}
	case errors.Is(err, sql.ErrNoRows):
		// no response logged for this packet
	default:
		return LogPair{}, false, fmt.Errorf("logstore: load response: %w", err)
	}

	return pair, true, nil
}

func (s *Store) loadHeaders(ctx context.Context, db *sql.DB, table string, packetID int64) ([]Header, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s WHERE packet_id = ?`, table), packetID)
	if err != nil {
		return nil, fmt.Errorf("logstore: load %s: %w", table, err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.Key, &h.Value); err != nil {
			return nil, fmt.Errorf("logstore: scan %s: %w", table, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close closes the currently open database, if any.
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

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
