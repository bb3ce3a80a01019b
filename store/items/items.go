/*
Package items provides the document items sub-record store on sqlx.

PURPOSE:
  Implements document.ItemsStore. The items of one document are a single
  row keyed by document id, holding the ordered line items as JSON. The
  store commits on its own and is never enlisted in a header transaction.

DRIVERS:
  sqlite3: default, shares the go-sqlite3 driver with store/sqlite
  mysql:   go-sql-driver/mysql, parseTime is forced on
  pgx:     pgx stdlib driver, placeholders rebound by sqlx

UPSERT:
  PutItems replaces the whole row. sqlite3 and pgx use ON CONFLICT,
  mysql uses ON DUPLICATE KEY UPDATE.
*/
package items

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/document-engine/document"
)

const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

type row struct {
	DocumentID string    `db:"document_id"`
	ItemsJSON  string    `db:"items_json"`
	ItemCount  int       `db:"item_count"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Store implements document.ItemsStore.
type Store struct {
	db  *sqlx.DB
	Now func() time.Time
}

// Open connects with driver and dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	case DriverSQLite:
		dsn = SQLiteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported items driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect items store: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSN adds the WAL and busy timeout pragmas to dsn, keeping any query
// parameters it already carries.
func SQLiteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

// New wraps an open handle and migrates the schema.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, Now: time.Now}
	if _, err := db.Exec(schema(db.DriverName())); err != nil {
		return nil, fmt.Errorf("failed to migrate items store: %w", err)
	}
	return s, nil
}

func schema(driver string) string {
	switch driver {
	case DriverMySQL:
		return `
		CREATE TABLE IF NOT EXISTS document_items (
			document_id VARCHAR(64) NOT NULL PRIMARY KEY,
			items_json LONGTEXT NOT NULL,
			item_count INT NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`
	case DriverPostgres:
		return `
		CREATE TABLE IF NOT EXISTS document_items (
			document_id TEXT PRIMARY KEY,
			items_json JSONB NOT NULL,
			item_count INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	default:
		return `
		CREATE TABLE IF NOT EXISTS document_items (
			document_id TEXT PRIMARY KEY,
			items_json TEXT NOT NULL,
			item_count INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetItems returns nil, nil when no record exists.
func (s *Store) GetItems(ctx context.Context, id document.ID) ([]document.Item, error) {
	var r row
	query := s.db.Rebind(`SELECT document_id, items_json, item_count, updated_at FROM document_items WHERE document_id = ?`)
	if err := s.db.GetContext(ctx, &r, query, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load items of %s: %w", id, err)
	}

	items := []document.Item{}
	if err := json.Unmarshal([]byte(r.ItemsJSON), &items); err != nil {
		return nil, fmt.Errorf("failed to decode items of %s: %w", id, err)
	}
	return items, nil
}

// PutItems creates or replaces the record.
func (s *Store) PutItems(ctx context.Context, id document.ID, items []document.Item) error {
	if items == nil {
		items = []document.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}

	r := row{
		DocumentID: string(id),
		ItemsJSON:  string(data),
		ItemCount:  len(items),
		UpdatedAt:  s.Now().UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, upsertQuery(s.db.DriverName()), r); err != nil {
		return fmt.Errorf("failed to write items of %s: %w", id, err)
	}
	return nil
}

func upsertQuery(driver string) string {
	insert := `
		INSERT INTO document_items (document_id, items_json, item_count, updated_at)
		VALUES (:document_id, :items_json, :item_count, :updated_at)`
	if driver == DriverMySQL {
		return insert + `
		ON DUPLICATE KEY UPDATE
			items_json = VALUES(items_json),
			item_count = VALUES(item_count),
			updated_at = VALUES(updated_at)`
	}
	return insert + `
		ON CONFLICT (document_id) DO UPDATE SET
			items_json = excluded.items_json,
			item_count = excluded.item_count,
			updated_at = excluded.updated_at`
}

// DeleteItems is idempotent.
func (s *Store) DeleteItems(ctx context.Context, id document.ID) error {
	query := s.db.Rebind(`DELETE FROM document_items WHERE document_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(id)); err != nil {
		return fmt.Errorf("failed to delete items of %s: %w", id, err)
	}
	return nil
}

// DocumentIDs returns every document id with an items record. Used to find
// records left behind by a delete whose items step failed.
func (s *Store) DocumentIDs(ctx context.Context) ([]document.ID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT document_id FROM document_items ORDER BY document_id`); err != nil {
		return nil, fmt.Errorf("failed to list items records: %w", err)
	}
	out := make([]document.ID, len(ids))
	for i, id := range ids {
		out[i] = document.ID(id)
	}
	return out, nil
}
