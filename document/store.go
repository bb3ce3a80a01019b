/*
store.go - Persistence interfaces for headers, items and versions

PURPOSE:
  The core talks to three stores it does not own:

    HeaderStore:  primary, transactional, row locks (SQLite, PostgreSQL)
    ItemsStore:   secondary, commits on its own, keyed by document id
    VersionStore: append-only version log

  The header and items stores are never enlisted in one transaction. The
  coordinator orders writes so the only partial state is "header without
  items", and compensates where it can.

LOCKING CONTRACT:
  HeaderTx.LockNumbers must take a pessimistic lock over every header whose
  number starts with the prefix and that was created inside the window, and
  hold it until the transaction ends. Implementations that cannot lock rows
  must serialize WithTx instead.

NOT-FOUND CONVENTION:
  Getters return (nil, nil) for a missing record. Only deletes report
  ErrNotFound.

IMPLEMENTATIONS:
  - document/store: in-memory, with fault injection (tests, dev)
  - store/sqlite:   headers + versions on database/sql
  - store/postgres: headers + versions on gorm
  - store/items:    items on sqlx
*/
package document

import "context"

// =============================================================================
// HEADER STORE - Primary, transactional
// =============================================================================

// HeaderReader reads committed headers.
type HeaderReader interface {
	GetHeader(ctx context.Context, id ID) (*Header, error)
	ListHeaders(ctx context.Context, filter ListFilter) ([]Header, error)
}

// HeaderTx is the view of the header store inside one transaction.
type HeaderTx interface {
	// GetHeaderForUpdate reads a header and locks its row.
	GetHeaderForUpdate(ctx context.Context, id ID) (*Header, error)

	// LockNumbers locks and returns all numbers with the prefix created in window.
	LockNumbers(ctx context.Context, prefix string, window DayWindow) ([]string, error)

	// NumberExists checks for an exact number match regardless of creation date.
	NumberExists(ctx context.Context, number string) (bool, error)

	// InsertHeader returns ErrDuplicateNumber when the number is taken.
	InsertHeader(ctx context.Context, h Header) error

	UpdateHeader(ctx context.Context, h Header) error

	// DeleteHeader returns ErrNotFound when no row was deleted.
	DeleteHeader(ctx context.Context, id ID) error
}

// HeaderStore is the primary store.
type HeaderStore interface {
	HeaderReader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx HeaderTx) error) error
}

// =============================================================================
// ITEMS STORE - Secondary, independent commits
// =============================================================================

// ItemsStore holds the items sub-record of every document.
type ItemsStore interface {
	// GetItems returns nil, nil when no record exists.
	GetItems(ctx context.Context, id ID) ([]Item, error)

	// PutItems creates or replaces the record.
	PutItems(ctx context.Context, id ID, items []Item) error

	// DeleteItems is idempotent.
	DeleteItems(ctx context.Context, id ID) error
}

// =============================================================================
// VERSION STORE - Append-only
// =============================================================================

// VersionStore persists version snapshots. There is no update or delete.
type VersionStore interface {
	// AppendVersion assigns the next version number for v.DocumentID and
	// persists v atomically. The stored version is returned.
	AppendVersion(ctx context.Context, v Version) (Version, error)

	// ListVersions returns versions ordered by number ascending.
	ListVersions(ctx context.Context, id ID) ([]Version, error)

	// GetVersion returns nil, nil when the version does not exist.
	GetVersion(ctx context.Context, id ID, number int) (*Version, error)
}
