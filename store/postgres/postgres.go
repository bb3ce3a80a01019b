/*
Package postgres provides a gorm-backed header store and version log.

PURPOSE:
  Implements document.HeaderStore and document.VersionStore for
  multi-writer deployments on PostgreSQL. The same code runs on SQLite
  through gorm's sqlite driver, which is how the tests exercise it.

LOCKING:
  Number allocation takes, inside the header transaction:
    1. pg_advisory_xact_lock(hashtext(prefix)): serializes the first
       number of the day, when there are no rows to lock yet
    2. SELECT ... FOR UPDATE over the day's numbers with that prefix
  Both are released on commit or rollback. On SQLite neither exists, so
  WithTx is serialized with a process mutex instead.

DUPLICATES:
  A unique violation on number (SQLSTATE 23505) maps to
  document.ErrDuplicateNumber. The coordinator retries the transaction.

SEE ALSO:
  - store/sqlite: database/sql implementation of the same interfaces
  - document/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/warp/document-engine/document"
)

const (
	uniqueViolation    = "23505"
	versionAppendTries = 3
)

// =============================================================================
// MODELS
// =============================================================================

type headerRow struct {
	ID                 string     `gorm:"primaryKey;size:64"`
	Number             string     `gorm:"size:40;not null;uniqueIndex:idx_document_headers_number"`
	DocType            string     `gorm:"size:32;not null;index:idx_document_headers_type_status"`
	CounterpartyID     string     `gorm:"size:64;not null;index"`
	Status             string     `gorm:"size:32;not null;index:idx_document_headers_type_status"`
	PricingJSON        string     `gorm:"type:text;not null"`
	TotalsJSON         string     `gorm:"type:text;not null"`
	IssuedAt           time.Time  `gorm:"not null"`
	DueAt              *time.Time
	ExpectedDeliveryAt *time.Time
	SourceID           *string   `gorm:"size:64;index"`
	ItemsKey           string    `gorm:"size:64;not null"`
	Notes              string    `gorm:"type:text"`
	Revision           int       `gorm:"not null;default:1"`
	CreatedBy          string    `gorm:"size:64"`
	CreatedAt          time.Time `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (headerRow) TableName() string { return "document_headers" }

type versionRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	DocumentID string    `gorm:"size:64;not null;uniqueIndex:idx_document_versions_doc_version"`
	Version    int       `gorm:"not null;uniqueIndex:idx_document_versions_doc_version"`
	HeaderJSON string    `gorm:"type:text;not null"`
	ItemsJSON  string    `gorm:"type:text;not null"`
	Author     string    `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime:false"`
}

func (versionRow) TableName() string { return "document_versions" }

// =============================================================================
// STORE
// =============================================================================

// Store implements the header and version stores on gorm.
type Store struct {
	db *gorm.DB

	// local serializes WithTx on dialects without row locks.
	local   sync.Mutex
	rowLock bool
}

// Open connects to PostgreSQL and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.Exec("SET TIME ZONE 'UTC'").Error; err != nil {
		logger.Warn("failed to set session time zone", zap.Error(err))
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&headerRow{}, &versionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, rowLock: db.Dialector.Name() == "postgres"}, nil
}

// NewGormLogger routes gorm's warnings and slow queries through zap.
func NewGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// HEADER READS
// =============================================================================

func (s *Store) GetHeader(ctx context.Context, id document.ID) (*document.Header, error) {
	return findHeader(s.db.WithContext(ctx), id)
}

func (s *Store) ListHeaders(ctx context.Context, filter document.ListFilter) ([]document.Header, error) {
	q := s.db.WithContext(ctx).Model(&headerRow{})
	if filter.Type != "" {
		q = q.Where("doc_type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.CounterpartyID != "" {
		q = q.Where("counterparty_id = ?", filter.CounterpartyID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []headerRow
	if err := q.Order("created_at DESC").Order("number DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list headers: %w", err)
	}

	headers := make([]document.Header, 0, len(rows))
	for _, r := range rows {
		h, err := r.toHeader()
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func findHeader(db *gorm.DB, id document.ID) (*document.Header, error) {
	var row headerRow
	res := db.Where("id = ?", string(id)).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load header %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	h, err := row.toHeader()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx document.HeaderTx) error) error {
	if !s.rowLock {
		s.local.Lock()
		defer s.local.Unlock()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx, rowLock: s.rowLock})
	})
}

type txStore struct {
	db      *gorm.DB
	rowLock bool
}

func (ts *txStore) locking(q *gorm.DB) *gorm.DB {
	if ts.rowLock {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (ts *txStore) GetHeaderForUpdate(ctx context.Context, id document.ID) (*document.Header, error) {
	return findHeader(ts.locking(ts.db.WithContext(ctx)), id)
}

func (ts *txStore) LockNumbers(ctx context.Context, prefix string, window document.DayWindow) ([]string, error) {
	db := ts.db.WithContext(ctx)
	if ts.rowLock {
		if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", prefix).Error; err != nil {
			return nil, fmt.Errorf("failed to take advisory lock: %w", err)
		}
	}

	var numbers []string
	err := ts.locking(db.Model(&headerRow{})).
		Where("number LIKE ? AND created_at >= ? AND created_at < ?",
			prefix+"%", window.Start.UTC(), window.End.UTC()).
		Pluck("number", &numbers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock numbers: %w", err)
	}
	return numbers, nil
}

func (ts *txStore) NumberExists(ctx context.Context, number string) (bool, error) {
	var count int64
	err := ts.db.WithContext(ctx).Model(&headerRow{}).Where("number = ?", number).Count(&count).Error
	return count > 0, err
}

func (ts *txStore) InsertHeader(ctx context.Context, h document.Header) error {
	row, err := fromHeader(h)
	if err != nil {
		return err
	}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", document.ErrDuplicateNumber, h.Number)
		}
		return fmt.Errorf("failed to insert header: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateHeader(ctx context.Context, h document.Header) error {
	row, err := fromHeader(h)
	if err != nil {
		return err
	}
	res := ts.db.WithContext(ctx).Model(&headerRow{}).Where("id = ?", row.ID).Updates(map[string]any{
		"counterparty_id":      row.CounterpartyID,
		"status":               row.Status,
		"pricing_json":         row.PricingJSON,
		"totals_json":          row.TotalsJSON,
		"issued_at":            row.IssuedAt,
		"due_at":               row.DueAt,
		"expected_delivery_at": row.ExpectedDeliveryAt,
		"notes":                row.Notes,
		"revision":             row.Revision,
		"updated_at":           row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update header: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("header %s: %w", h.ID, document.ErrNotFound)
	}
	return nil
}

func (ts *txStore) DeleteHeader(ctx context.Context, id document.ID) error {
	res := ts.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&headerRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete header: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("header %s: %w", id, document.ErrNotFound)
	}
	return nil
}

// =============================================================================
// VERSIONS
// =============================================================================

// AppendVersion numbers and inserts v, retrying when a concurrent append
// took the same number.
func (s *Store) AppendVersion(ctx context.Context, v document.Version) (document.Version, error) {
	headerJSON, err := json.Marshal(v.Header)
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to encode version header: %w", err)
	}
	itemsJSON, err := json.Marshal(v.Items)
	if err != nil {
		return document.Version{}, fmt.Errorf("failed to encode version items: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < versionAppendTries; attempt++ {
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var next int
			if err := tx.Model(&versionRow{}).
				Where("document_id = ?", string(v.DocumentID)).
				Select("COALESCE(MAX(version), 0) + 1").
				Scan(&next).Error; err != nil {
				return err
			}
			v.Number = next
			return tx.Create(&versionRow{
				ID:         v.ID,
				DocumentID: string(v.DocumentID),
				Version:    next,
				HeaderJSON: string(headerJSON),
				ItemsJSON:  string(itemsJSON),
				Author:     v.Author,
				CreatedAt:  v.CreatedAt.UTC(),
			}).Error
		})
		if lastErr == nil {
			return v, nil
		}
		if !isUniqueViolation(lastErr) {
			break
		}
	}
	return document.Version{}, fmt.Errorf("failed to append version: %w", lastErr)
}

func (s *Store) ListVersions(ctx context.Context, id document.ID) ([]document.Version, error) {
	var rows []versionRow
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", string(id)).
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	versions := make([]document.Version, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVersion()
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *Store) GetVersion(ctx context.Context, id document.ID, number int) (*document.Version, error) {
	var row versionRow
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND version = ?", string(id), number).
		Limit(1).
		Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load version: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	v, err := row.toVersion()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func fromHeader(h document.Header) (headerRow, error) {
	pricingJSON, err := json.Marshal(h.Pricing)
	if err != nil {
		return headerRow{}, fmt.Errorf("failed to encode pricing: %w", err)
	}
	totalsJSON, err := json.Marshal(h.Totals)
	if err != nil {
		return headerRow{}, fmt.Errorf("failed to encode totals: %w", err)
	}

	var sourceID *string
	if h.SourceID != "" {
		s := string(h.SourceID)
		sourceID = &s
	}

	return headerRow{
		ID:                 string(h.ID),
		Number:             h.Number,
		DocType:            string(h.Type),
		CounterpartyID:     h.CounterpartyID,
		Status:             string(h.Status),
		PricingJSON:        string(pricingJSON),
		TotalsJSON:         string(totalsJSON),
		IssuedAt:           h.IssuedAt.UTC(),
		DueAt:              utcPtr(h.DueAt),
		ExpectedDeliveryAt: utcPtr(h.ExpectedDeliveryAt),
		SourceID:           sourceID,
		ItemsKey:           h.ItemsKey,
		Notes:              h.Notes,
		Revision:           h.Revision,
		CreatedBy:          h.CreatedBy,
		CreatedAt:          h.CreatedAt.UTC(),
		UpdatedAt:          h.UpdatedAt.UTC(),
	}, nil
}

func (r headerRow) toHeader() (document.Header, error) {
	h := document.Header{
		ID:                 document.ID(r.ID),
		Number:             r.Number,
		Type:               document.Type(r.DocType),
		CounterpartyID:     r.CounterpartyID,
		Status:             document.Status(r.Status),
		IssuedAt:           r.IssuedAt.UTC(),
		DueAt:              utcPtr(r.DueAt),
		ExpectedDeliveryAt: utcPtr(r.ExpectedDeliveryAt),
		ItemsKey:           r.ItemsKey,
		Notes:              r.Notes,
		Revision:           r.Revision,
		CreatedBy:          r.CreatedBy,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.SourceID != nil {
		h.SourceID = document.ID(*r.SourceID)
	}
	if err := json.Unmarshal([]byte(r.PricingJSON), &h.Pricing); err != nil {
		return h, fmt.Errorf("failed to decode pricing of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.TotalsJSON), &h.Totals); err != nil {
		return h, fmt.Errorf("failed to decode totals of %s: %w", r.ID, err)
	}
	return h, nil
}

func (r versionRow) toVersion() (document.Version, error) {
	v := document.Version{
		ID:         r.ID,
		DocumentID: document.ID(r.DocumentID),
		Number:     r.Version,
		Author:     r.Author,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.HeaderJSON), &v.Header); err != nil {
		return v, fmt.Errorf("failed to decode version header: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ItemsJSON), &v.Items); err != nil {
		return v, fmt.Errorf("failed to decode version items: %w", err)
	}
	return v, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
