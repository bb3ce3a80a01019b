package document

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// VERSION - Frozen header + items before an update
// =============================================================================

// Version captures a document exactly as it was before an update.
// Used for:
//   - Audit trail
//   - Restore (re-applied as a new, itself versioned, update)
type Version struct {
	ID         string    `json:"id"`
	DocumentID ID        `json:"document_id"`
	Number     int       `json:"version"`
	Header     Header    `json:"header"`
	Items      []Item    `json:"items"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// VERSION ARCHIVER
// =============================================================================

// VersionArchiver records snapshots into a VersionStore.
type VersionArchiver struct {
	Store VersionStore
	Now   func() time.Time
}

// NewVersionArchiver returns an archiver using the wall clock.
func NewVersionArchiver(store VersionStore) *VersionArchiver {
	return &VersionArchiver{Store: store, Now: time.Now}
}

// Snapshot appends the current state of a document as its next version.
func (a *VersionArchiver) Snapshot(ctx context.Context, h Header, items []Item, author string) (Version, error) {
	v := Version{
		ID:         uuid.NewString(),
		DocumentID: h.ID,
		Header:     h,
		Items:      cloneItems(items),
		Author:     author,
		CreatedAt:  a.Now().UTC(),
	}
	stored, err := a.Store.AppendVersion(ctx, v)
	if err != nil {
		return Version{}, fmt.Errorf("failed to snapshot %s: %w", h.ID, err)
	}
	return stored, nil
}

// List returns every version of a document, oldest first.
func (a *VersionArchiver) List(ctx context.Context, id ID) ([]Version, error) {
	return a.Store.ListVersions(ctx, id)
}

// Get returns one version or an ErrNotFound error.
func (a *VersionArchiver) Get(ctx context.Context, id ID, number int) (*Version, error) {
	v, err := a.Store.GetVersion(ctx, id, number)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, notFound("version", fmt.Sprintf("%s#%d", id, number))
	}
	return v, nil
}
