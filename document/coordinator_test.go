package document_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/document-engine/document"
	"github.com/warp/document-engine/document/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeCatalog map[string]document.Product

func (c fakeCatalog) ResolveProduct(_ context.Context, id string) (*document.Product, error) {
	p, ok := c[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, document.ErrNotFound)
	}
	return &p, nil
}

type fakeCounterparties map[string]bool

func (c fakeCounterparties) Exists(_ context.Context, id string) (bool, error) {
	return c[id], nil
}

var errStoreDown = errors.New("store unavailable")

type fixture struct {
	coord    *document.Coordinator
	headers  *store.Headers
	items    *store.Items
	versions *store.Versions
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...document.Option) *fixture {
	f := &fixture{
		headers:  store.NewHeaders(),
		items:    store.NewItems(),
		versions: store.NewVersions(),
		notifier: &recordingNotifier{},
	}
	f.coord = document.NewCoordinator(f.headers, f.items, f.versions, append(f.options(t), opts...)...)
	return f
}

func (f *fixture) options(t *testing.T) []document.Option {
	return []document.Option{
		document.WithCatalog(fakeCatalog{
			"p1": {ID: "p1", Name: "Steel bracket", Code: "SB-1", UnitPriceHint: dec("100")},
			"p2": {ID: "p2", Name: "Hinge", Code: "HG-2", UnitPriceHint: dec("50")},
			"p3": {ID: "p3", Name: "Screw pack", Code: "SP-3", UnitPriceHint: dec("10")},
		}),
		document.WithCounterparties(fakeCounterparties{"cust-1": true, "vendor-1": true}),
		document.WithNotifier(f.notifier),
		document.WithLogger(zaptest.NewLogger(t)),
		document.WithClock(func() time.Time { return jan8 }),
		document.WithLocation(ist),
	}
}

func input(productID, qty string) document.ItemInput {
	return document.ItemInput{ProductID: productID, Quantity: dec(qty)}
}

func (f *fixture) create(t *testing.T, docType document.Type, items ...document.ItemInput) *document.Document {
	t.Helper()
	doc, err := f.coord.Create(context.Background(), document.CreateInput{
		Type:           docType,
		CounterpartyID: "cust-1",
		Items:          items,
		Author:         "alice",
	})
	require.NoError(t, err)
	return doc
}

func (f *fixture) approve(t *testing.T, id document.ID) {
	t.Helper()
	_, err := f.coord.ChangeStatus(context.Background(), id, document.StatusApproved, "alice")
	require.NoError(t, err)
}

func productIDs(items []document.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	return ids
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_AllocatesNumberAndWritesBothStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	discounted := input("p1", "2")
	discounted.Discount = dec("10")
	discounted.DiscountKind = document.DiscountPercentage

	doc, err := f.coord.Create(ctx, document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{discounted, input("p2", "1")},
		Author:         "alice",
	})
	require.NoError(t, err)

	h := doc.Header
	assert.Equal(t, "QUO080126101", h.Number)
	assert.Equal(t, document.StatusDraft, h.Status)
	assert.Equal(t, 1, h.Revision)
	assert.Equal(t, string(h.ID), h.ItemsKey)
	assertDec(t, "250", h.Totals.SubTotal, "sub total")
	assertDec(t, "230", h.Totals.FinalAmount, "final")

	stored, err := f.items.GetItems(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Steel bracket", stored[0].Name, "display fields are snapshotted")
	assertDec(t, "180", stored[0].LineTotal, "line total")

	assert.Equal(t, 1, f.notifier.count())
}

func TestCreate_SequentialNumbersPerType(t *testing.T) {
	f := newFixture(t)

	q1 := f.create(t, document.TypeQuotation, input("p1", "1"))
	q2 := f.create(t, document.TypeQuotation, input("p1", "1"))
	po := f.create(t, document.TypePurchaseOrder, input("p1", "1"))

	assert.Equal(t, "QUO080126101", q1.Header.Number)
	assert.Equal(t, "QUO080126102", q2.Header.Number)
	assert.Equal(t, "PO080126101", po.Header.Number)
}

func TestCreate_ConcurrentWritersGetDistinctNumbers(t *testing.T) {
	// GIVEN: 20 concurrent creates of the same type on the same day
	// THEN:  every number is distinct and the sequence has no duplicates

	f := newFixture(t)
	ctx := context.Background()

	const writers = 20
	numbers := make(chan string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := f.coord.Create(ctx, document.CreateInput{
				Type:           document.TypeQuotation,
				CounterpartyID: "cust-1",
				Items:          []document.ItemInput{input("p1", "1")},
			})
			if assert.NoError(t, err) {
				numbers <- doc.Header.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for n := range numbers {
		assert.False(t, seen[n], "duplicate number %s", n)
		seen[n] = true
	}
	assert.Len(t, seen, writers)
	assert.True(t, seen["QUO080126101"])
	assert.True(t, seen["QUO080126120"])
}

func TestCreate_ValidationRejectsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	option := input("p2", "1")
	option.OptionFor = "p9"
	negative := dec("-1")
	priced := input("p1", "1")
	priced.UnitPrice = &negative

	cases := map[string]document.CreateInput{
		"unknown type":         {Type: "invoice", CounterpartyID: "cust-1", Items: []document.ItemInput{input("p1", "1")}},
		"unknown counterparty": {Type: document.TypeQuotation, CounterpartyID: "nobody", Items: []document.ItemInput{input("p1", "1")}},
		"missing counterparty": {Type: document.TypeQuotation, Items: []document.ItemInput{input("p1", "1")}},
		"no items":             {Type: document.TypeQuotation, CounterpartyID: "cust-1"},
		"unknown product":      {Type: document.TypeQuotation, CounterpartyID: "cust-1", Items: []document.ItemInput{input("p1", "1"), input("p9", "1")}},
		"zero quantity":        {Type: document.TypeQuotation, CounterpartyID: "cust-1", Items: []document.ItemInput{input("p1", "0")}},
		"negative price":       {Type: document.TypeQuotation, CounterpartyID: "cust-1", Items: []document.ItemInput{priced}},
		"dangling option":      {Type: document.TypeQuotation, CounterpartyID: "cust-1", Items: []document.ItemInput{input("p1", "1"), option}},
		"discount exceeds total": {
			Type: document.TypeQuotation, CounterpartyID: "cust-1",
			Items:   []document.ItemInput{input("p3", "1")},
			Pricing: document.Pricing{GlobalDiscount: dec("50"), GlobalDiscountKind: document.DiscountFixed},
		},
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.coord.Create(ctx, in)
			assert.ErrorIs(t, err, document.ErrValidation)
		})
	}
	assert.Equal(t, 0, f.headers.Len(), "no header may be written for invalid input")
}

func validationField(t *testing.T, err error) string {
	t.Helper()
	var ve *document.ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Field
}

func TestCreate_FixedLineDiscountCappedAtUnitPrice(t *testing.T) {
	// GIVEN: a fixed per-unit discount larger than the unit price (10)
	f := newFixture(t)
	ctx := context.Background()
	over := input("p3", "1")
	over.Discount = dec("15")
	over.DiscountKind = document.DiscountFixed

	// WHEN: the document is created next to an ordinary line
	_, err := f.coord.Create(ctx, document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1"), over},
	})

	// THEN: the line is rejected instead of going negative
	assert.Equal(t, "items[1].discount", validationField(t, err))
	assert.Equal(t, 0, f.headers.Len())

	// A discount equal to the price is a free line, not an error.
	free := input("p3", "2")
	free.Discount = dec("10")
	doc, err := f.coord.Create(ctx, document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1"), free},
	})
	require.NoError(t, err)
	assertDec(t, "0", doc.Items[1].LineTotal, "free line")
	assertDec(t, "100", doc.Header.Totals.TaxableAmount, "taxable")
}

func TestCreate_FixedGlobalDiscountCappedAtBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1")},
		Pricing: document.Pricing{
			Shipping:           dec("10"),
			GlobalDiscount:     dec("110.50"),
			GlobalDiscountKind: document.DiscountFixed,
		},
	}

	_, err := f.coord.Create(ctx, in)
	assert.Equal(t, "pricing.global_discount", validationField(t, err))

	in.Pricing.GlobalDiscount = dec("110")
	doc, err := f.coord.Create(ctx, in)
	require.NoError(t, err)
	assertDec(t, "0", doc.Header.Totals.FinalAmount, "final")
}

func TestCreate_DuplicateNumberOnInsert_Retried(t *testing.T) {
	// GIVEN: the first insert loses the unique-number race
	f := newFixture(t)
	f.headers.Faults.InjectOnce(store.OpInsertHeader, document.ErrDuplicateNumber)

	// WHEN: a document is created
	doc, err := f.coord.Create(context.Background(), document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1")},
	})

	// THEN: the whole numbering transaction is retried and succeeds
	require.NoError(t, err)
	assert.Equal(t, "QUO080126101", doc.Header.Number)
	assert.Equal(t, 1, f.headers.Len())
}

func TestCreate_DuplicateNumberEveryAttempt_Conflict(t *testing.T) {
	// GIVEN: every insert hits the unique-number index
	f := newFixture(t)
	f.headers.Faults.Inject(store.OpInsertHeader, document.ErrDuplicateNumber)

	// WHEN: a document is created
	_, err := f.coord.Create(context.Background(), document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1")},
	})

	// THEN: a retryable conflict reports the bounded attempts, nothing is written
	var ce *document.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, "QUO080126", ce.Prefix)
	assert.True(t, document.IsRetryable(err))
	assert.Equal(t, 0, f.headers.Len())
	ids, err := f.items.DocumentIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreate_ItemsFailure_HeaderCompensated(t *testing.T) {
	// GIVEN: the items store rejects writes
	// WHEN:  a document is created
	// THEN:  the header is deleted again and a compensated partial failure is returned

	f := newFixture(t)
	f.items.Faults.Inject(store.OpPutItems, errStoreDown)

	_, err := f.coord.Create(context.Background(), document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1")},
	})

	require.Error(t, err)
	var pf *document.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.True(t, pf.Compensated)
	assert.Equal(t, "items_write", pf.Stage)
	assert.ErrorIs(t, err, errStoreDown)
	assert.True(t, document.IsRetryable(err))
	assert.Equal(t, 0, f.headers.Len())

	// Number is free again once the store recovers.
	f.items.Faults.Clear(store.OpPutItems)
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	assert.Equal(t, "QUO080126101", doc.Header.Number)
}

func TestCreate_CompensationFailure_Reported(t *testing.T) {
	f := newFixture(t)
	f.items.Faults.Inject(store.OpPutItems, errStoreDown)
	f.headers.Faults.Inject(store.OpDeleteHeader, errors.New("primary down"))

	_, err := f.coord.Create(context.Background(), document.CreateInput{
		Type:           document.TypeQuotation,
		CounterpartyID: "cust-1",
		Items:          []document.ItemInput{input("p1", "1")},
	})

	var pf *document.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.False(t, pf.Compensated)
	assert.Error(t, pf.CompensationErr)
	assert.Equal(t, 1, f.headers.Len(), "orphan header remains and is reported")
}

func TestCreate_NotificationFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("push gateway down")

	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	assert.NotEmpty(t, doc.Header.Number)
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdate_MergePreservesUnmentionedItems(t *testing.T) {
	// GIVEN: a document with p1 and p2
	// WHEN:  an update mentions p2 (new quantity) and p3 (new line)
	// THEN:  p1 is kept, p2 replaced in place, p3 appended, totals recomputed

	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"), input("p2", "1"))

	updated, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
		Items:  []document.ItemInput{input("p2", "5"), input("p3", "2")},
		Author: "bob",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2", "p3"}, productIDs(updated.Items))
	assertDec(t, "5", updated.Items[1].Quantity, "p2 quantity")
	assertDec(t, "370", updated.Header.Totals.FinalAmount, "final")
	assert.Equal(t, 2, updated.Header.Revision)
	assert.Equal(t, doc.Header.Number, updated.Header.Number, "number is immutable")

	stored, err := f.items.GetItems(ctx, doc.Header.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, productIDs(stored))
}

func TestUpdate_ReplaceItems(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t, document.TypeQuotation, input("p1", "1"), input("p2", "1"))

	updated, err := f.coord.Update(context.Background(), doc.Header.ID, document.UpdatePatch{
		Items:        []document.ItemInput{input("p3", "1")},
		ReplaceItems: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"p3"}, productIDs(updated.Items))
	assertDec(t, "10", updated.Header.Totals.FinalAmount, "final")
}

func TestUpdate_DiscountCapsApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"), input("p3", "1"))

	over := input("p3", "1")
	over.Discount = dec("10.01")
	_, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{Items: []document.ItemInput{over}})
	assert.Equal(t, "items[0].discount", validationField(t, err))

	_, err = f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
		Pricing: &document.Pricing{GlobalDiscount: dec("111"), GlobalDiscountKind: document.DiscountFixed},
	})
	assert.Equal(t, "pricing.global_discount", validationField(t, err))

	stored, err := f.headers.GetHeader(ctx, doc.Header.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Header.Revision, stored.Revision)
	assertDec(t, "110", stored.Totals.FinalAmount, "final")
}

func TestUpdate_HeaderOnlyKeepsItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.items.Faults.Inject(store.OpPutItems, errStoreDown)

	notes := "deliver to gate 3"
	updated, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{Notes: &notes})

	require.NoError(t, err, "items are not written when unchanged")
	assert.Equal(t, notes, updated.Header.Notes)
	assertDec(t, "100", updated.Header.Totals.FinalAmount, "final")
}

func TestUpdate_PricingRecomputesTotals(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	updated, err := f.coord.Update(context.Background(), doc.Header.ID, document.UpdatePatch{
		Pricing: &document.Pricing{Shipping: dec("20"), OutputTaxRate: dec("18")},
	})
	require.NoError(t, err)

	assertDec(t, "141.60", updated.Header.Totals.FinalAmount, "final")
}

func TestUpdate_EverySuccessfulUpdateAddsOneVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	for i := 2; i <= 4; i++ {
		_, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
			Items:  []document.ItemInput{input("p1", fmt.Sprint(i))},
			Author: "bob",
		})
		require.NoError(t, err)
	}

	versions, err := f.coord.Versions(ctx, doc.Header.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Number)
		assertDec(t, fmt.Sprint(i+1), v.Items[0].Quantity, "snapshot holds pre-update quantity")
		assert.Equal(t, "bob", v.Author)
	}
}

func TestUpdate_ConvertedDocumentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, sheet.Header.ID)
	_, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")
	require.NoError(t, err)

	_, err = f.coord.Update(ctx, sheet.Header.ID, document.UpdatePatch{Items: []document.ItemInput{input("p2", "1")}})

	assert.ErrorIs(t, err, document.ErrBusinessRule)
	assert.Equal(t, "converted_is_terminal", ruleOf(t, err))
}

func TestUpdate_StaleRevisionIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	stale := 7
	_, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
		Items:            []document.ItemInput{input("p1", "2")},
		ExpectedRevision: &stale,
	})
	assert.ErrorIs(t, err, document.ErrConflict)

	current := 1
	_, err = f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
		Items:            []document.ItemInput{input("p1", "2")},
		ExpectedRevision: &current,
	})
	assert.NoError(t, err)
}

func TestUpdate_SnapshotFailureIsLoggedAndUpdateProceeds(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, document.WithLogger(zap.New(core)))
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.versions.Faults.Inject(store.OpAppendVersion, errStoreDown)

	updated, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{Items: []document.ItemInput{input("p1", "3")}})

	require.NoError(t, err)
	assertDec(t, "300", updated.Header.Totals.FinalAmount, "final")
	assert.Equal(t, 1, logs.FilterMessage("version snapshot failed, continuing").Len())
}

func TestUpdate_ItemsFailure_HeaderRestored(t *testing.T) {
	// GIVEN: the items store rejects writes after the header committed
	// THEN:  the header is written back with its old totals and the revision
	//        keeps moving forward

	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.items.Faults.Inject(store.OpPutItems, errStoreDown)

	_, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{Items: []document.ItemInput{input("p1", "9")}})

	var pf *document.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.True(t, pf.Compensated)

	h, err := f.headers.GetHeader(ctx, doc.Header.ID)
	require.NoError(t, err)
	assertDec(t, "100", h.Totals.FinalAmount, "header totals restored")
	assert.Equal(t, 3, h.Revision)

	got, err := f.coord.Get(ctx, doc.Header.ID)
	require.NoError(t, err)
	assertDec(t, "1", got.Items[0].Quantity, "items untouched")
}

func TestUpdate_MissingDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Update(context.Background(), "nope", document.UpdatePatch{})

	assert.True(t, document.IsNotFound(err))
}

// =============================================================================
// RESTORE
// =============================================================================

func TestRestore_ReappliesVersionAsNewUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"), input("p2", "1"))
	_, err := f.coord.Update(ctx, doc.Header.ID, document.UpdatePatch{
		Items:        []document.ItemInput{input("p3", "4")},
		ReplaceItems: true,
	})
	require.NoError(t, err)

	restored, err := f.coord.Restore(ctx, doc.Header.ID, 1, "carol")
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, productIDs(restored.Items))
	assertDec(t, "150", restored.Header.Totals.FinalAmount, "final")
	assert.Equal(t, 3, restored.Header.Revision)

	versions, err := f.coord.Versions(ctx, doc.Header.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2, "restore is itself versioned")
	assert.Equal(t, []string{"p3"}, productIDs(versions[1].Items))
}

func TestRestore_UnknownVersion(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	_, err := f.coord.Restore(context.Background(), doc.Header.ID, 5, "carol")

	assert.True(t, document.IsNotFound(err))
}

// =============================================================================
// DELETE
// =============================================================================

func TestDelete_RemovesHeaderThenItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	require.NoError(t, f.coord.Delete(ctx, doc.Header.ID, "alice"))

	_, err := f.coord.Get(ctx, doc.Header.ID)
	assert.True(t, document.IsNotFound(err))
	assert.False(t, f.items.Has(doc.Header.ID))
}

func TestDelete_Missing(t *testing.T) {
	f := newFixture(t)

	err := f.coord.Delete(context.Background(), "nope", "alice")

	assert.True(t, document.IsNotFound(err))
}

func TestDelete_HeaderFailureLeavesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.headers.Faults.Inject(store.OpDeleteHeader, errStoreDown)

	err := f.coord.Delete(ctx, doc.Header.ID, "alice")

	assert.ErrorIs(t, err, errStoreDown)
	assert.True(t, f.items.Has(doc.Header.ID))
	assert.Equal(t, 1, f.headers.Len())
}

func TestDelete_ItemsFailureStillSucceeds(t *testing.T) {
	// GIVEN: the items store fails after the header is gone
	// THEN:  delete succeeds and the leftover items are invisible to reads

	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.items.Faults.Inject(store.OpDeleteItems, errStoreDown)

	require.NoError(t, f.coord.Delete(ctx, doc.Header.ID, "alice"))

	assert.True(t, f.items.Has(doc.Header.ID))
	list, err := f.coord.List(ctx, document.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// =============================================================================
// STATUS AND CONVERT
// =============================================================================

func TestChangeStatus_AppliesAndAnnounces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, document.TypeQuotation, input("p1", "1"))

	h, err := f.coord.ChangeStatus(ctx, doc.Header.ID, document.StatusNegotiating, "bob")
	require.NoError(t, err)

	assert.Equal(t, document.StatusNegotiating, h.Status)
	assert.Equal(t, 2, h.Revision)
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, "bob", f.notifier.sent[1].Recipient)
}

func TestChangeStatus_ConvertedNotReachableDirectly(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, doc.Header.ID)

	_, err := f.coord.ChangeStatus(context.Background(), doc.Header.ID, document.StatusConverted, "bob")

	assert.Equal(t, "convert_only", ruleOf(t, err))
}

func TestConvert_CreatesLinkedTargetAndMarksSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "2"), input("p2", "1"))
	f.approve(t, sheet.Header.ID)

	po, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, document.TypePurchaseOrder, po.Header.Type)
	assert.Equal(t, "PO080126101", po.Header.Number)
	assert.Equal(t, sheet.Header.ID, po.Header.SourceID)
	assert.Equal(t, document.StatusDraft, po.Header.Status)
	assert.Equal(t, []string{"p1", "p2"}, productIDs(po.Items))
	assert.True(t, sheet.Header.Totals.FinalAmount.Equal(po.Header.Totals.FinalAmount))

	source, err := f.coord.Get(ctx, sheet.Header.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusConverted, source.Header.Status)
}

func TestConvert_KeepsSourcePrices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	price := decimal.NewFromInt(80)
	negotiated := input("p1", "1")
	negotiated.UnitPrice = &price
	sheet := f.create(t, document.TypeFieldGuidedSheet, negotiated)
	f.approve(t, sheet.Header.ID)

	po, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")
	require.NoError(t, err)

	assertDec(t, "80", po.Items[0].UnitPrice, "unit price")
}

func TestConvert_RequiresApproved(t *testing.T) {
	f := newFixture(t)
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))

	_, err := f.coord.Convert(context.Background(), sheet.Header.ID, "alice")

	assert.Equal(t, "convert_requires_approved", ruleOf(t, err))
	assert.Equal(t, 1, f.headers.Len(), "no target created")
}

func TestConvert_OnlyConvertibleTypes(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t, document.TypeQuotation, input("p1", "1"))
	f.approve(t, quote.Header.ID)

	_, err := f.coord.Convert(context.Background(), quote.Header.ID, "alice")

	assert.Equal(t, "not_convertible", ruleOf(t, err))
}

func TestConvert_TwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, sheet.Header.ID)
	_, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")
	require.NoError(t, err)

	_, err = f.coord.Convert(ctx, sheet.Header.ID, "alice")

	assert.ErrorIs(t, err, document.ErrBusinessRule)
	assert.Equal(t, 2, f.headers.Len(), "only one target exists")
}

func TestConvert_TargetCreateFails_SourceUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, sheet.Header.ID)
	f.items.Faults.Inject(store.OpPutItems, errStoreDown)

	_, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")

	require.Error(t, err)
	source, err := f.headers.GetHeader(ctx, sheet.Header.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusApproved, source.Status)
	assert.Equal(t, 1, f.headers.Len())
}

func TestConvert_MarkFails_TargetRemoved(t *testing.T) {
	// GIVEN: the target is created but the source cannot be marked converted
	// THEN:  the target is deleted and the source stays approved

	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, sheet.Header.ID)
	f.headers.Faults.Inject(store.OpUpdateHeader, errStoreDown)

	_, err := f.coord.Convert(ctx, sheet.Header.ID, "alice")

	var pf *document.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "mark_converted", pf.Stage)
	assert.True(t, pf.Compensated)
	assert.Equal(t, 1, f.headers.Len())

	list, err := f.coord.List(ctx, document.ListFilter{Type: document.TypePurchaseOrder})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// lockedHeaders lets a test change what a transaction sees under the row
// lock, standing in for a writer that committed first.
type lockedHeaders struct {
	*store.Headers
	onLock func(*document.Header)
}

func (l lockedHeaders) WithTx(ctx context.Context, fn func(document.HeaderTx) error) error {
	return l.Headers.WithTx(ctx, func(tx document.HeaderTx) error {
		return fn(lockedTx{HeaderTx: tx, onLock: l.onLock})
	})
}

type lockedTx struct {
	document.HeaderTx
	onLock func(*document.Header)
}

func (tx lockedTx) GetHeaderForUpdate(ctx context.Context, id document.ID) (*document.Header, error) {
	h, err := tx.HeaderTx.GetHeaderForUpdate(ctx, id)
	if h != nil {
		tx.onLock(h)
	}
	return h, err
}

func TestConvert_LostRace_ReturnsRuleAndRemovesTarget(t *testing.T) {
	// GIVEN: an approved sheet that another convert marks first
	f := newFixture(t)
	ctx := context.Background()
	sheet := f.create(t, document.TypeFieldGuidedSheet, input("p1", "1"))
	f.approve(t, sheet.Header.ID)

	raced := lockedHeaders{Headers: f.headers, onLock: func(h *document.Header) {
		if h.ID == sheet.Header.ID {
			h.Status = document.StatusConverted
		}
	}}
	coord := document.NewCoordinator(raced, f.items, f.versions, f.options(t)...)

	// WHEN: this convert reaches the mark step
	_, err := coord.Convert(ctx, sheet.Header.ID, "bob")

	// THEN: the caller sees the lifecycle rule, and its own target is gone
	var pf *document.PartialFailureError
	assert.False(t, errors.As(err, &pf))
	assert.Equal(t, "convert_requires_approved", ruleOf(t, err))
	assert.Equal(t, 1, f.headers.Len())

	ids, err := f.items.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []document.ID{sheet.Header.ID}, ids)
}

// =============================================================================
// READS
// =============================================================================

func TestList_FiltersAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, document.TypeQuotation, input("p1", "1"))
	f.create(t, document.TypeQuotation, input("p1", "1"))
	f.create(t, document.TypePurchaseOrder, input("p1", "1"))

	quotes, err := f.coord.List(ctx, document.ListFilter{Type: document.TypeQuotation})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)

	limited, err := f.coord.List(ctx, document.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := f.coord.List(ctx, document.ListFilter{Status: document.StatusApproved})
	require.NoError(t, err)
	assert.Empty(t, none)
}
