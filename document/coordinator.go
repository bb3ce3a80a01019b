/*
coordinator.go - Create, update, delete, status change and convert

PURPOSE:
  Orchestrates the SequenceGenerator, HeaderStore, ItemsStore and
  VersionArchiver so a header and its items stay consistent across two
  stores that commit independently.

CREATE FLOW:
  ┌──────────┐   ┌────────┐   ┌──────────────────────────┐   ┌─────────────┐
  │ validate │──▶│ totals │──▶│ header tx: number+insert │──▶│ items write │
  └──────────┘   └────────┘   └──────────────────────────┘   └─────────────┘
                                                                    │ fails
                                                                    ▼
                                                     compensating header delete

  The header transaction reaches a definite outcome before the items store
  is touched, so the only partial state is "header without items".

UPDATE FLOW:
  validate → merge items by product id → totals → version snapshot
  → header tx (row lock, revision bump) → items write
  An items failure re-writes the pre-update header (compensating update).
  A snapshot failure is logged and the update proceeds.

DELETE FLOW:
  header tx delete first. If it fails, items are untouched. If items
  deletion then fails, it is logged and the delete still succeeds.

CONVERT FLOW:
  approved source → create target (linked by SourceID) → mark source
  converted. A failed create leaves the source unchanged. A failed mark
  deletes the just-created target.

CONCURRENCY:
  Two updates to one id race last-writer-wins at the header unless the
  caller passes ExpectedRevision. Version snapshots keep the history.
*/
package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// defaultNumberRetries bounds whole-transaction retries when an insert hits
// the unique number index.
const defaultNumberRetries = 3

// =============================================================================
// INPUTS
// =============================================================================

// ItemInput is a line as submitted by a caller. A nil UnitPrice takes the
// catalog's price hint.
type ItemInput struct {
	ProductID    string           `json:"product_id"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	Discount     decimal.Decimal  `json:"discount"`
	DiscountKind DiscountKind     `json:"discount_kind"`
	TaxRate      decimal.Decimal  `json:"tax_rate"`
	OptionFor    string           `json:"option_for,omitempty"`
}

// CreateInput describes a new document.
type CreateInput struct {
	Type               Type
	CounterpartyID     string
	Items              []ItemInput
	Pricing            Pricing
	IssuedAt           time.Time // zero means now
	DueAt              *time.Time
	ExpectedDeliveryAt *time.Time
	Notes              string
	SourceID           ID
	Author             string
}

// UpdatePatch describes a change to an existing document. Nil fields are
// left unchanged.
type UpdatePatch struct {
	CounterpartyID     *string
	Items              []ItemInput
	Pricing            *Pricing
	DueAt              *time.Time
	ExpectedDeliveryAt *time.Time
	Notes              *string

	// ReplaceItems switches from merge-by-product-id to full replacement.
	ReplaceItems bool

	// ExpectedRevision, when set, must match the stored revision.
	ExpectedRevision *int

	Author string
}

// change is the resolved form of an update or a restore.
type change struct {
	op                 string
	counterpartyID     *string
	items              []Item
	itemsChanged       bool
	replaceItems       bool
	pricing            *Pricing
	setDueAt           bool
	dueAt              *time.Time
	setExpectedAt      bool
	expectedDeliveryAt *time.Time
	notes              *string
	expectedRevision   *int
	author             string
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator implements the document operations.
type Coordinator struct {
	headers        HeaderStore
	items          ItemsStore
	versions       *VersionArchiver
	sequence       *SequenceGenerator
	lifecycle      *StateMachine
	catalog        Catalog
	counterparties Counterparties
	notifier       Notifier
	logger         *zap.Logger
	location       *time.Location
	now            func() time.Time
	newID          func() ID
	numberRetries  int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithCatalog(c Catalog) Option               { return func(co *Coordinator) { co.catalog = c } }
func WithCounterparties(c Counterparties) Option { return func(co *Coordinator) { co.counterparties = c } }
func WithNotifier(n Notifier) Option             { return func(co *Coordinator) { co.notifier = n } }
func WithLogger(l *zap.Logger) Option            { return func(co *Coordinator) { co.logger = l } }
func WithSequence(g *SequenceGenerator) Option   { return func(co *Coordinator) { co.sequence = g } }
func WithClock(now func() time.Time) Option      { return func(co *Coordinator) { co.now = now } }
func WithIDGenerator(f func() ID) Option         { return func(co *Coordinator) { co.newID = f } }

// WithLocation sets the business time zone used for the numbering day.
func WithLocation(loc *time.Location) Option {
	return func(co *Coordinator) { co.location = loc }
}

// NewCoordinator wires the stores and collaborators together.
func NewCoordinator(headers HeaderStore, items ItemsStore, versions VersionStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		headers:       headers,
		items:         items,
		sequence:      NewSequenceGenerator(),
		logger:        zap.NewNop(),
		location:      time.UTC,
		now:           time.Now,
		newID:         func() ID { return ID(uuid.NewString()) },
		numberRetries: defaultNumberRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.versions = &VersionArchiver{Store: versions, Now: c.now}
	c.lifecycle = NewStateMachine(c.notifier, c.logger)
	return c
}

// Lifecycle exposes the state machine.
func (c *Coordinator) Lifecycle() *StateMachine {
	return c.lifecycle
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates input, allocates a number, writes the header and then the
// items. If the items write fails the header is deleted again and a
// PartialFailureError is returned.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*Document, error) {
	if !in.Type.Valid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown document type %q", in.Type)}
	}
	if err := c.checkCounterparty(ctx, in.CounterpartyID); err != nil {
		return nil, err
	}
	if err := validatePricing(in.Pricing); err != nil {
		return nil, err
	}

	resolved, err := c.resolveItems(ctx, in.Items)
	if err != nil {
		return nil, err
	}
	items := PriceItems(resolved)
	if err := validateItemSet(items); err != nil {
		return nil, err
	}

	totals := ComputeTotals(items, in.Pricing)
	if err := checkTotals(totals, in.Pricing); err != nil {
		return nil, err
	}

	now := c.now()
	issuedAt := in.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}

	h := Header{
		ID:                 c.newID(),
		Type:               in.Type,
		CounterpartyID:     in.CounterpartyID,
		Status:             StatusDraft,
		Pricing:            in.Pricing,
		Totals:             totals,
		IssuedAt:           issuedAt.UTC(),
		DueAt:              in.DueAt,
		ExpectedDeliveryAt: in.ExpectedDeliveryAt,
		SourceID:           in.SourceID,
		Notes:              in.Notes,
		Revision:           1,
		CreatedBy:          in.Author,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	h.ItemsKey = string(h.ID)

	if err := c.insertHeader(ctx, &h, BusinessDay(now, c.location)); err != nil {
		return nil, err
	}

	if err := c.items.PutItems(ctx, h.ID, items); err != nil {
		pf := &PartialFailureError{Op: "create", Stage: "items_write", ID: h.ID, Cause: err}
		if derr := c.deleteHeader(ctx, h.ID); derr != nil {
			pf.CompensationErr = derr
			c.logger.Error("orphan header left after failed items write",
				zap.String("document_id", string(h.ID)),
				zap.String("number", h.Number),
				zap.Error(err),
				zap.NamedError("compensation_error", derr),
			)
		} else {
			pf.Compensated = true
			c.logger.Warn("items write failed, header removed",
				zap.String("document_id", string(h.ID)),
				zap.String("number", h.Number),
				zap.Error(err),
			)
		}
		return nil, pf
	}

	c.logger.Info("document created",
		zap.String("document_id", string(h.ID)),
		zap.String("number", h.Number),
		zap.String("type", string(h.Type)),
	)
	c.announce(ctx, in.Author, fmt.Sprintf("%s %s created", h.Type, h.Number),
		fmt.Sprintf("%s %s was created for %s", h.Type, h.Number, h.CounterpartyID))

	return &Document{Header: h, Items: items}, nil
}

// insertHeader runs the numbering transaction, retrying the whole transaction
// when the insert loses a race on the unique number index.
func (c *Coordinator) insertHeader(ctx context.Context, h *Header, window DayWindow) error {
	for attempt := 1; ; attempt++ {
		err := c.headers.WithTx(ctx, func(tx HeaderTx) error {
			number, err := c.sequence.Next(ctx, h.Type, window, tx)
			if err != nil {
				return err
			}
			h.Number = number
			return tx.InsertHeader(ctx, *h)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return fmt.Errorf("failed to create header: %w", err)
		}
		if attempt >= c.numberRetries {
			return &ConflictError{
				Prefix:   NumberPrefix(h.Type, window),
				Attempts: attempt,
				Reason:   fmt.Sprintf("number %s taken on insert after %d attempts", h.Number, attempt),
			}
		}
		c.logger.Debug("number taken on insert, retrying",
			zap.String("number", h.Number),
			zap.Int("attempt", attempt),
		)
	}
}

func (c *Coordinator) deleteHeader(ctx context.Context, id ID) error {
	return c.headers.WithTx(ctx, func(tx HeaderTx) error {
		return tx.DeleteHeader(ctx, id)
	})
}

// =============================================================================
// UPDATE AND RESTORE
// =============================================================================

// Update applies patch to a document. Items are merged by product id unless
// patch.ReplaceItems is set.
func (c *Coordinator) Update(ctx context.Context, id ID, patch UpdatePatch) (*Document, error) {
	current, err := c.loadMutable(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.CounterpartyID != nil {
		if err := c.checkCounterparty(ctx, *patch.CounterpartyID); err != nil {
			return nil, err
		}
	}
	if patch.Pricing != nil {
		if err := validatePricing(*patch.Pricing); err != nil {
			return nil, err
		}
	}

	ch := change{
		op:                 "update",
		counterpartyID:     patch.CounterpartyID,
		itemsChanged:       patch.Items != nil || patch.ReplaceItems,
		replaceItems:       patch.ReplaceItems,
		pricing:            patch.Pricing,
		setDueAt:           patch.DueAt != nil,
		dueAt:              patch.DueAt,
		setExpectedAt:      patch.ExpectedDeliveryAt != nil,
		expectedDeliveryAt: patch.ExpectedDeliveryAt,
		notes:              patch.Notes,
		expectedRevision:   patch.ExpectedRevision,
		author:             patch.Author,
	}
	if ch.itemsChanged {
		if ch.items, err = c.resolveItems(ctx, patch.Items); err != nil {
			return nil, err
		}
	}

	return c.apply(ctx, *current, ch)
}

// Restore re-applies version number of a document as a full update. The
// restore itself is versioned like any other update.
func (c *Coordinator) Restore(ctx context.Context, id ID, number int, author string) (*Document, error) {
	v, err := c.versions.Get(ctx, id, number)
	if err != nil {
		return nil, err
	}
	current, err := c.loadMutable(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := v.Header
	return c.apply(ctx, *current, change{
		op:                 "restore",
		counterpartyID:     &snap.CounterpartyID,
		items:              cloneItems(v.Items),
		itemsChanged:       true,
		replaceItems:       true,
		pricing:            &snap.Pricing,
		setDueAt:           true,
		dueAt:              snap.DueAt,
		setExpectedAt:      true,
		expectedDeliveryAt: snap.ExpectedDeliveryAt,
		notes:              &snap.Notes,
		author:             author,
	})
}

func (c *Coordinator) loadMutable(ctx context.Context, id ID) (*Header, error) {
	current, err := c.headers.GetHeader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if current == nil {
		return nil, notFound("document", id)
	}
	if current.Status == StatusConverted {
		return nil, convertedIsTerminal(current)
	}
	return current, nil
}

func (c *Coordinator) apply(ctx context.Context, current Header, ch change) (*Document, error) {
	id := current.ID

	if ch.expectedRevision != nil && *ch.expectedRevision != current.Revision {
		return nil, staleRevision(*ch.expectedRevision, current.Revision)
	}

	existing, err := c.items.GetItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of %s: %w", id, err)
	}

	finalItems := existing
	if ch.itemsChanged {
		if ch.replaceItems {
			finalItems = ch.items
		} else {
			finalItems = MergeItems(existing, ch.items)
		}
		finalItems = PriceItems(finalItems)
		if err := validateItemSet(finalItems); err != nil {
			return nil, err
		}
	}

	pricing := current.Pricing
	if ch.pricing != nil {
		pricing = *ch.pricing
	}
	recompute := ch.itemsChanged || ch.pricing != nil
	totals := current.Totals
	if recompute {
		totals = ComputeTotals(finalItems, pricing)
		if err := checkTotals(totals, pricing); err != nil {
			return nil, err
		}
	}

	if _, err := c.versions.Snapshot(ctx, current, existing, ch.author); err != nil {
		c.logger.Warn("version snapshot failed, continuing",
			zap.String("document_id", string(id)),
			zap.String("op", ch.op),
			zap.Error(err),
		)
	}

	now := c.now().UTC()
	var before, after Header
	err = c.headers.WithTx(ctx, func(tx HeaderTx) error {
		locked, err := tx.GetHeaderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return notFound("document", id)
		}
		if locked.Status == StatusConverted {
			return convertedIsTerminal(locked)
		}
		if ch.expectedRevision != nil && *ch.expectedRevision != locked.Revision {
			return staleRevision(*ch.expectedRevision, locked.Revision)
		}

		before = *locked
		next := *locked
		if ch.counterpartyID != nil {
			next.CounterpartyID = *ch.counterpartyID
		}
		if ch.setDueAt {
			next.DueAt = ch.dueAt
		}
		if ch.setExpectedAt {
			next.ExpectedDeliveryAt = ch.expectedDeliveryAt
		}
		if ch.notes != nil {
			next.Notes = *ch.notes
		}
		if recompute {
			next.Pricing = pricing
			next.Totals = totals
		}
		next.Revision++
		next.UpdatedAt = now
		after = next
		return tx.UpdateHeader(ctx, next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", ch.op, id, err)
	}

	if ch.itemsChanged {
		if err := c.items.PutItems(ctx, id, finalItems); err != nil {
			return nil, c.compensateUpdate(ctx, ch.op, before, after, err)
		}
	}

	c.logger.Info("document updated",
		zap.String("document_id", string(id)),
		zap.String("number", after.Number),
		zap.String("op", ch.op),
		zap.Int("revision", after.Revision),
	)
	c.announce(ctx, ch.author, fmt.Sprintf("%s %s updated", after.Type, after.Number),
		fmt.Sprintf("%s %s was updated (revision %d)", after.Type, after.Number, after.Revision))

	return &Document{Header: after, Items: finalItems}, nil
}

// compensateUpdate writes the pre-update header back after a failed items
// write. The revision keeps increasing so readers never see it go backwards.
func (c *Coordinator) compensateUpdate(ctx context.Context, op string, before, after Header, cause error) error {
	pf := &PartialFailureError{Op: op, Stage: "items_write", ID: before.ID, Cause: cause}

	restored := before
	restored.Revision = after.Revision + 1
	restored.UpdatedAt = c.now().UTC()
	cerr := c.headers.WithTx(ctx, func(tx HeaderTx) error {
		return tx.UpdateHeader(ctx, restored)
	})
	if cerr != nil {
		pf.CompensationErr = cerr
		c.logger.Error("header and items disagree after failed update",
			zap.String("document_id", string(before.ID)),
			zap.Error(cause),
			zap.NamedError("compensation_error", cerr),
		)
		return pf
	}

	pf.Compensated = true
	c.logger.Warn("items write failed, header restored",
		zap.String("document_id", string(before.ID)),
		zap.Error(cause),
	)
	return pf
}

// MergeItems overlays incoming on existing by product id: matching lines are
// replaced in place, new product ids are appended, unmentioned lines are kept.
func MergeItems(existing, incoming []Item) []Item {
	merged := cloneItems(existing)
	index := make(map[string]int, len(merged))
	for i, it := range merged {
		if _, seen := index[it.ProductID]; !seen {
			index[it.ProductID] = i
		}
	}
	for _, it := range incoming {
		if i, ok := index[it.ProductID]; ok {
			merged[i] = it
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes the header and then the items. An items failure after the
// header is gone is logged and does not fail the call.
func (c *Coordinator) Delete(ctx context.Context, id ID, author string) error {
	var deleted Header
	err := c.headers.WithTx(ctx, func(tx HeaderTx) error {
		h, err := tx.GetHeaderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h == nil {
			return notFound("document", id)
		}
		deleted = *h
		return tx.DeleteHeader(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}

	if err := c.items.DeleteItems(ctx, id); err != nil {
		c.logger.Warn("items left behind after header delete",
			zap.String("document_id", string(id)),
			zap.String("number", deleted.Number),
			zap.Error(err),
		)
	}

	c.logger.Info("document deleted",
		zap.String("document_id", string(id)),
		zap.String("number", deleted.Number),
	)
	c.announce(ctx, author, fmt.Sprintf("%s %s deleted", deleted.Type, deleted.Number),
		fmt.Sprintf("%s %s was deleted", deleted.Type, deleted.Number))
	return nil
}

// =============================================================================
// STATUS AND CONVERT
// =============================================================================

// ChangeStatus moves a document to status to. Converted cannot be set here.
func (c *Coordinator) ChangeStatus(ctx context.Context, id ID, to Status, actor string) (*Header, error) {
	current, err := c.headers.GetHeader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if current == nil {
		return nil, notFound("document", id)
	}
	if err := c.lifecycle.ValidateTransition(current.Status, to); err != nil {
		return nil, err
	}

	var from Status
	var updated Header
	err = c.headers.WithTx(ctx, func(tx HeaderTx) error {
		locked, err := tx.GetHeaderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return notFound("document", id)
		}
		if err := c.lifecycle.ValidateTransition(locked.Status, to); err != nil {
			return err
		}
		from = locked.Status
		updated = *locked
		updated.Status = to
		updated.Revision++
		updated.UpdatedAt = c.now().UTC()
		return tx.UpdateHeader(ctx, updated)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to change status of %s: %w", id, err)
	}

	c.logger.Info("status changed",
		zap.String("document_id", string(id)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	c.lifecycle.Announce(ctx, actor, updated, from)
	return &updated, nil
}

// Convert creates the target document from an approved source and then marks
// the source converted. The link is stored on the new document.
func (c *Coordinator) Convert(ctx context.Context, id ID, author string) (*Document, error) {
	source, err := c.headers.GetHeader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if source == nil {
		return nil, notFound("document", id)
	}
	if err := c.lifecycle.ValidateConvert(source.Type, source.Status); err != nil {
		return nil, err
	}
	target, _ := source.Type.ConvertsTo()

	items, err := c.items.GetItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of %s: %w", id, err)
	}
	if len(items) == 0 {
		return nil, &BusinessRuleError{Rule: "no_items", Reason: fmt.Sprintf("%s has no items to convert", source.Number)}
	}

	created, err := c.Create(ctx, CreateInput{
		Type:               target,
		CounterpartyID:     source.CounterpartyID,
		Items:              toItemInputs(items),
		Pricing:            source.Pricing,
		DueAt:              source.DueAt,
		ExpectedDeliveryAt: source.ExpectedDeliveryAt,
		Notes:              source.Notes,
		SourceID:           source.ID,
		Author:             author,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s from %s: %w", target, source.Number, err)
	}

	var from Status
	var marked Header
	err = c.headers.WithTx(ctx, func(tx HeaderTx) error {
		locked, err := tx.GetHeaderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return notFound("document", id)
		}
		if err := c.lifecycle.ValidateConvert(locked.Type, locked.Status); err != nil {
			return err
		}
		from = locked.Status
		marked = *locked
		marked.Status = StatusConverted
		marked.Revision++
		marked.UpdatedAt = c.now().UTC()
		return tx.UpdateHeader(ctx, marked)
	})
	if err != nil {
		// A concurrent convert or status change won the row lock: undo the
		// target and report the rule, not a store failure.
		cerr := c.removeCreated(ctx, created.Header.ID)
		if cerr == nil && errors.Is(err, ErrBusinessRule) {
			return nil, err
		}

		pf := &PartialFailureError{Op: "convert", Stage: "mark_converted", ID: id, Cause: err}
		if cerr != nil {
			pf.CompensationErr = cerr
			c.logger.Error("converted target left behind",
				zap.String("document_id", string(id)),
				zap.String("target_id", string(created.Header.ID)),
				zap.NamedError("compensation_error", cerr),
			)
		} else {
			pf.Compensated = true
		}
		return nil, pf
	}

	c.logger.Info("document converted",
		zap.String("document_id", string(id)),
		zap.String("target_id", string(created.Header.ID)),
		zap.String("target_number", created.Header.Number),
	)
	c.lifecycle.Announce(ctx, author, marked, from)
	return created, nil
}

// removeCreated undoes a create made moments ago, header first.
func (c *Coordinator) removeCreated(ctx context.Context, id ID) error {
	if err := c.deleteHeader(ctx, id); err != nil {
		return err
	}
	if err := c.items.DeleteItems(ctx, id); err != nil {
		c.logger.Warn("items left behind after compensation",
			zap.String("document_id", string(id)),
			zap.Error(err),
		)
	}
	return nil
}

func toItemInputs(items []Item) []ItemInput {
	out := make([]ItemInput, len(items))
	for i, it := range items {
		price := it.UnitPrice
		out[i] = ItemInput{
			ProductID:    it.ProductID,
			Quantity:     it.Quantity,
			UnitPrice:    &price,
			Discount:     it.Discount,
			DiscountKind: it.DiscountKind,
			TaxRate:      it.TaxRate,
			OptionFor:    it.OptionFor,
		}
	}
	return out
}

// =============================================================================
// READS
// =============================================================================

// Get returns a header with its items.
func (c *Coordinator) Get(ctx context.Context, id ID) (*Document, error) {
	h, err := c.headers.GetHeader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	if h == nil {
		return nil, notFound("document", id)
	}
	items, err := c.items.GetItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of %s: %w", id, err)
	}
	return &Document{Header: *h, Items: items}, nil
}

// List returns headers matching filter.
func (c *Coordinator) List(ctx context.Context, filter ListFilter) ([]Header, error) {
	return c.headers.ListHeaders(ctx, filter)
}

// Versions returns the version log of a document.
func (c *Coordinator) Versions(ctx context.Context, id ID) ([]Version, error) {
	return c.versions.List(ctx, id)
}

// Version returns a single version.
func (c *Coordinator) Version(ctx context.Context, id ID, number int) (*Version, error) {
	return c.versions.Get(ctx, id, number)
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c *Coordinator) checkCounterparty(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "counterparty_id", Reason: "required"}
	}
	if c.counterparties == nil {
		return &ValidationError{Field: "counterparty_id", Reason: "no counterparty directory configured"}
	}
	ok, err := c.counterparties.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up counterparty %s: %w", id, err)
	}
	if !ok {
		return &ValidationError{Field: "counterparty_id", Reason: fmt.Sprintf("unknown counterparty %q", id)}
	}
	return nil
}

// resolveItems validates submitted lines and snapshots catalog data onto
// them. Any unknown product fails the whole call.
func (c *Coordinator) resolveItems(ctx context.Context, inputs []ItemInput) ([]Item, error) {
	if c.catalog == nil {
		return nil, &ValidationError{Field: "items", Reason: "no product catalog configured"}
	}

	items := make([]Item, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("items[%d]", i)
		if in.ProductID == "" {
			return nil, &ValidationError{Field: field + ".product_id", Reason: "required"}
		}
		if !in.Quantity.IsPositive() {
			return nil, &ValidationError{Field: field + ".quantity", Reason: "must be greater than zero"}
		}
		if err := validateDiscount(field, in.Discount, in.DiscountKind); err != nil {
			return nil, err
		}
		if in.TaxRate.IsNegative() {
			return nil, &ValidationError{Field: field + ".tax_rate", Reason: "must not be negative"}
		}

		product, err := c.catalog.ResolveProduct(ctx, in.ProductID)
		if errors.Is(err, ErrNotFound) || (err == nil && product == nil) {
			return nil, &ValidationError{Field: field + ".product_id", Reason: fmt.Sprintf("unknown product %q", in.ProductID)}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve product %s: %w", in.ProductID, err)
		}

		price := product.UnitPriceHint
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}
		if price.IsNegative() {
			return nil, &ValidationError{Field: field + ".unit_price", Reason: "must not be negative"}
		}

		kind := in.DiscountKind
		if kind == "" {
			kind = DiscountFixed
		}
		if kind == DiscountFixed && in.Discount.GreaterThan(price) {
			return nil, &ValidationError{Field: field + ".discount", Reason: "fixed discount cannot exceed the unit price"}
		}
		items = append(items, Item{
			ProductID:    in.ProductID,
			Name:         product.Name,
			Code:         product.Code,
			ImageURL:     product.ImageURL,
			Quantity:     in.Quantity,
			UnitPrice:    price,
			Discount:     in.Discount,
			DiscountKind: kind,
			TaxRate:      in.TaxRate,
			OptionFor:    in.OptionFor,
		})
	}
	return items, nil
}

// validateItemSet checks the final line set of a document.
func validateItemSet(items []Item) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	mains := make(map[string]bool)
	for _, it := range items {
		if !it.IsOption() {
			mains[it.ProductID] = true
		}
	}
	if len(mains) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one main (non-option) item is required"}
	}
	for i, it := range items {
		if !it.IsOption() {
			continue
		}
		if it.OptionFor == it.ProductID {
			return &ValidationError{Field: fmt.Sprintf("items[%d].option_for", i), Reason: "an item cannot be an option for itself"}
		}
		if !mains[it.OptionFor] {
			return &ValidationError{Field: fmt.Sprintf("items[%d].option_for", i), Reason: fmt.Sprintf("no main item with product %q", it.OptionFor)}
		}
	}
	return nil
}

func validatePricing(p Pricing) error {
	if err := validateDiscount("pricing.global", p.GlobalDiscount, p.GlobalDiscountKind); err != nil {
		return err
	}
	if p.Shipping.IsNegative() {
		return &ValidationError{Field: "pricing.shipping", Reason: "must not be negative"}
	}
	if p.OutputTaxRate.IsNegative() {
		return &ValidationError{Field: "pricing.output_tax_rate", Reason: "must not be negative"}
	}
	return nil
}

// checkTotals rejects a fixed global discount larger than its base
// (taxable amount plus shipping).
func checkTotals(t Totals, p Pricing) error {
	if p.GlobalDiscountKind != DiscountPercentage {
		base := t.TaxableAmount.Add(t.Shipping)
		if p.GlobalDiscount.GreaterThan(base) {
			return &ValidationError{Field: "pricing.global_discount", Reason: "fixed discount cannot exceed the discountable amount"}
		}
	}
	if t.FinalAmount.IsNegative() {
		return &ValidationError{Field: "pricing.global_discount", Reason: "discount exceeds the document amount"}
	}
	return nil
}

func validateDiscount(field string, value decimal.Decimal, kind DiscountKind) error {
	if !kind.Valid() {
		return &ValidationError{Field: field + ".discount_kind", Reason: fmt.Sprintf("unknown discount kind %q", kind)}
	}
	if value.IsNegative() {
		return &ValidationError{Field: field + ".discount", Reason: "must not be negative"}
	}
	if kind == DiscountPercentage && value.GreaterThan(hundred) {
		return &ValidationError{Field: field + ".discount", Reason: "percentage cannot exceed 100"}
	}
	return nil
}

func convertedIsTerminal(h *Header) error {
	return &BusinessRuleError{
		Rule:   "converted_is_terminal",
		Reason: fmt.Sprintf("%s is converted and can no longer be changed", h.Number),
	}
}

func staleRevision(expected, actual int) error {
	return &ConflictError{Reason: fmt.Sprintf("expected revision %d, document is at %d", expected, actual)}
}

func (c *Coordinator) announce(ctx context.Context, recipient, title, message string) {
	notify(ctx, c.notifier, c.logger, recipient, title, message)
}
