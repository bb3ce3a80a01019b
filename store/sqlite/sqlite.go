/*
Package sqlite provides a SQLite-backed header store and version log.

PURPOSE:
  Implements document.HeaderStore and document.VersionStore on
  database/sql with the mattn/go-sqlite3 driver. This is the default
  primary store for single-node deployments and for tests.

INTERFACES IMPLEMENTED:
  document.HeaderStore:  Headers, transactional
  document.VersionStore: Append-only version snapshots

KEY TABLES:
  document_headers:  One row per document. Pricing and totals are stored
                     as JSON text next to indexed scalar columns.
  document_versions: Append-only. No UPDATE or DELETE is ever issued.

INDEXES:
  - number UNIQUE:                    Last line of defense for numbering
  - idx_headers_number_created:       Sequence scan for the day prefix
  - idx_versions_document (UNIQUE):   One row per (document, version)

LOCKING:
  SQLite has no row locks. WithTx holds the store mutex for the whole
  transaction, so number allocation is serialized inside this process.
  Multiple processes sharing a file rely on SQLite's single writer plus
  the UNIQUE index, which the coordinator turns into a retry.

TIMESTAMPS:
  Stored as fixed-width UTC text so string comparison orders them.

USAGE:
  store, err := sqlite.New("./data/documents.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - document/store.go: Interface definitions
  - store/postgres:    Row-locking implementation on gorm
  - store/items:       Items sub-record store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/document-engine/document"
)

// timeLayout is fixed width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the header and version stores using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS document_headers (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		doc_type TEXT NOT NULL,
		counterparty_id TEXT NOT NULL,
		status TEXT NOT NULL,
		pricing_json TEXT NOT NULL,
		totals_json TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		due_at TEXT,
		expected_delivery_at TEXT,
		source_id TEXT,
		items_key TEXT NOT NULL,
		notes TEXT,
		revision INTEGER NOT NULL DEFAULT 1,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sequence scan: prefix match on number within a created_at window
	CREATE INDEX IF NOT EXISTS idx_headers_number_created
		ON document_headers(number, created_at);

	CREATE INDEX IF NOT EXISTS idx_headers_type_status
		ON document_headers(doc_type, status);

	CREATE INDEX IF NOT EXISTS idx_headers_counterparty
		ON document_headers(counterparty_id);

	CREATE INDEX IF NOT EXISTS idx_headers_source
		ON document_headers(source_id) WHERE source_id IS NOT NULL;

	-- Versions (append-only)
	CREATE TABLE IF NOT EXISTS document_versions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		header_json TEXT NOT NULL,
		items_json TEXT NOT NULL,
		author TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_document
		ON document_versions(document_id, version);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HEADER READS (document.HeaderReader)
// =============================================================================

const headerColumns = `
	id, number, doc_type, counterparty_id, status, pricing_json, totals_json,
	issued_at, due_at, expected_delivery_at, source_id, items_key, notes,
	revision, created_by, created_at, updated_at`

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetHeader returns nil, nil when the header does not exist.
func (s *Store) GetHeader(ctx context.Context, id document.ID) (*document.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHeader(ctx, s.db, id)
}

// ListHeaders returns matching headers, newest first.
func (s *Store) ListHeaders(ctx context.Context, filter document.ListFilter) ([]document.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "doc_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CounterpartyID != "" {
		where = append(where, "counterparty_id = ?")
		args = append(args, filter.CounterpartyID)
	}

	query := "SELECT " + headerColumns + " FROM document_headers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, number DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query headers: %w", err)
	}
	defer rows.Close()

	var headers []document.Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *h)
	}
	return headers, rows.Err()
}

func getHeader(ctx context.Context, q queryer, id document.ID) (*document.Header, error) {
	row := q.QueryRowContext(ctx, "SELECT "+headerColumns+" FROM document_headers WHERE id = ?", string(id))
	h, err := scanHeader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHeader(row scanner) (*document.Header, error) {
	var (
		h                  document.Header
		pricingJSON        string
		totalsJSON         string
		issuedAt           string
		dueAt              sql.NullString
		expectedDeliveryAt sql.NullString
		sourceID           sql.NullString
		notes              sql.NullString
		createdBy          sql.NullString
		createdAt          string
		updatedAt          string
	)

	err := row.Scan(
		&h.ID, &h.Number, &h.Type, &h.CounterpartyID, &h.Status,
		&pricingJSON, &totalsJSON,
		&issuedAt, &dueAt, &expectedDeliveryAt, &sourceID, &h.ItemsKey, &notes,
		&h.Revision, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan header: %w", err)
	}

	if err := json.Unmarshal([]byte(pricingJSON), &h.Pricing); err != nil {
		return nil, fmt.Errorf("failed to decode pricing of %s: %w", h.ID, err)
	}
	if err := json.Unmarshal([]byte(totalsJSON), &h.Totals); err != nil {
		return nil, fmt.Errorf("failed to decode totals of %s: %w", h.ID, err)
	}
	if h.IssuedAt, err = parseTime("issued_at", issuedAt); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", h.ID, err)
	}
	if h.DueAt, err = parseNullTime("due_at", dueAt); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", h.ID, err)
	}
	if h.ExpectedDeliveryAt, err = parseNullTime("expected_delivery_at", expectedDeliveryAt); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", h.ID, err)
	}
	if h.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", h.ID, err)
	}
	if h.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", h.ID, err)
	}
	h.SourceID = document.ID(sourceID.String)
	h.Notes = notes.String
	h.CreatedBy = createdBy.String

	return &h, nil
}

// =============================================================================
// TRANSACTIONAL STORE (document.HeaderStore)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx document.HeaderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

// GetHeaderForUpdate reads through the transaction. The store mutex is the lock.
func (ts *txStore) GetHeaderForUpdate(ctx context.Context, id document.ID) (*document.Header, error) {
	return getHeader(ctx, ts.tx, id)
}

func (ts *txStore) LockNumbers(ctx context.Context, prefix string, window document.DayWindow) ([]string, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT number FROM document_headers
		WHERE number LIKE ? AND created_at >= ? AND created_at < ?
	`, prefix+"%", formatTime(window.Start), formatTime(window.End))
	if err != nil {
		return nil, fmt.Errorf("failed to scan numbers: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

func (ts *txStore) NumberExists(ctx context.Context, number string) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_headers WHERE number = ?", number,
	).Scan(&count)
	return count > 0, err
}

func (ts *txStore) InsertHeader(ctx context.Context, h document.Header) error {
	pricingJSON, totalsJSON, err := encodeHeader(h)
	if err != nil {
		return err
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO document_headers (`+headerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(h.ID), h.Number, string(h.Type), h.CounterpartyID, string(h.Status),
		pricingJSON, totalsJSON,
		formatTime(h.IssuedAt), nullTime(h.DueAt), nullTime(h.ExpectedDeliveryAt),
		nullString(string(h.SourceID)), h.ItemsKey, nullString(h.Notes),
		h.Revision, nullString(h.CreatedBy), formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "number") {
			return fmt.Errorf("%w: %s", document.ErrDuplicateNumber, h.Number)
		}
		return fmt.Errorf("failed to insert header: %w", err)
	}
	return nil
}

// UpdateHeader rewrites every mutable column. Number, type and creation
// fields are immutable and not touched.
func (ts *txStore) UpdateHeader(ctx context.Context, h document.Header) error {
	pricingJSON, totalsJSON, err := encodeHeader(h)
	if err != nil {
		return err
	}

	result, err := ts.tx.ExecContext(ctx, `
		UPDATE document_headers SET
			counterparty_id = ?, status = ?, pricing_json = ?, totals_json = ?,
			issued_at = ?, due_at = ?, expected_delivery_at = ?, notes = ?,
			revision = ?, updated_at = ?
		WHERE id = ?
	`,
		h.CounterpartyID, string(h.Status), pricingJSON, totalsJSON,
		formatTime(h.IssuedAt), nullTime(h.DueAt), nullTime(h.ExpectedDeliveryAt), nullString(h.Notes),
		h.Revision, formatTime(h.UpdatedAt),
		string(h.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}
	return expectOneRow(result, h.ID)
}

func (ts *txStore) DeleteHeader(ctx context.Context, id document.ID) error {
	result, err := ts.tx.ExecContext(ctx, "DELETE FROM document_headers WHERE id = ?", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete header: %w", err)
	}
	return expectOneRow(result, id)
}

func expectOneRow(result sql.Result, id document.ID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("header %s: %w", id, document.ErrNotFound)
	}
	return nil
}

func encodeHeader(h document.Header) (string, string, error) {
	pricingJSON, err := json.Marshal(h.Pricing)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode pricing: %w", err)
	}
	totalsJSON, err := json.Marshal(h.Totals)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode totals: %w", err)
	}
	return string(pricingJSON), string(totalsJSON), nil
}

// =============================================================================
// VERSION STORE (document.VersionStore)
// =============================================================================

// AppendVersion assigns the next number and inserts in one transaction.
func (s *Store) AppendVersion(ctx context.Context, v document.Version) (document.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	headerJSON, err := json.Marshal(v.Header)
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to encode version header: %w", err)
	}
	itemsJSON, err := json.Marshal(v.Items)
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to encode version items: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := sqlTx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM document_versions WHERE document_id = ?",
		string(v.DocumentID),
	).Scan(&v.Number); err != nil {
		return document.Version{}, fmt.Errorf("failed to number version: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO document_versions (id, document_id, version, header_json, items_json, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, string(v.DocumentID), v.Number, string(headerJSON), string(itemsJSON),
		nullString(v.Author), formatTime(v.CreatedAt))
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to append version: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return document.Version{}, err
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, id document.ID) ([]document.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, header_json, items_json, author, created_at
		FROM document_versions WHERE document_id = ? ORDER BY version ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []document.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *Store) GetVersion(ctx context.Context, id document.ID, number int) (*document.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version, header_json, items_json, author, created_at
		FROM document_versions WHERE document_id = ? AND version = ?
	`, string(id), number)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func scanVersion(row scanner) (*document.Version, error) {
	var (
		v          document.Version
		headerJSON string
		itemsJSON  string
		author     sql.NullString
		createdAt  string
	)
	if err := row.Scan(&v.ID, &v.DocumentID, &v.Number, &headerJSON, &itemsJSON, &author, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &v.Header); err != nil {
		return nil, fmt.Errorf("failed to decode version header: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &v.Items); err != nil {
		return nil, fmt.Errorf("failed to decode version items: %w", err)
	}
	created, err := parseTime("created_at", createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode version %s: %w", v.ID, err)
	}
	v.Author = author.String
	v.CreatedAt = created
	return &v, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(column string, s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(column, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
