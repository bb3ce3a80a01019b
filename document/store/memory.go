// Package store provides in-memory implementations of the document stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/document-engine/document"
)

// =============================================================================
// FAULT INJECTION
// =============================================================================

// Op names a store operation that can be made to fail.
type Op string

const (
	OpGetHeader     Op = "get_header"
	OpInsertHeader  Op = "insert_header"
	OpUpdateHeader  Op = "update_header"
	OpDeleteHeader  Op = "delete_header"
	OpGetItems      Op = "get_items"
	OpPutItems      Op = "put_items"
	OpDeleteItems   Op = "delete_items"
	OpAppendVersion Op = "append_version"
)

// Faults holds errors to return from specific operations. Each store owns
// one; tests reach it through the Faults field.
type Faults struct {
	mu     sync.Mutex
	errors map[Op]error
	once   map[Op]bool
}

// Inject makes op fail with err until cleared.
func (f *Faults) Inject(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errors == nil {
		f.errors = make(map[Op]error)
		f.once = make(map[Op]bool)
	}
	f.errors[op] = err
	delete(f.once, op)
}

// InjectOnce makes the next call of op fail with err.
func (f *Faults) InjectOnce(op Op, err error) {
	f.Inject(op, err)
	f.mu.Lock()
	f.once[op] = true
	f.mu.Unlock()
}

// Clear removes the fault on op.
func (f *Faults) Clear(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errors, op)
	delete(f.once, op)
}

func (f *Faults) check(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.errors[op]
	if err != nil && f.once[op] {
		delete(f.errors, op)
		delete(f.once, op)
	}
	return err
}

// =============================================================================
// HEADER STORE - Transactional memory
// =============================================================================

// Headers is an in-memory document.HeaderStore. WithTx holds the write lock
// for the whole transaction, which serializes number allocation the same way
// row locks do in a database.
type Headers struct {
	mu      sync.RWMutex
	headers map[document.ID]document.Header
	numbers map[string]document.ID

	Faults Faults
}

func NewHeaders() *Headers {
	return &Headers{
		headers: make(map[document.ID]document.Header),
		numbers: make(map[string]document.ID),
	}
}

func (m *Headers) GetHeader(_ context.Context, id document.ID) (*document.Header, error) {
	if err := m.Faults.check(OpGetHeader); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id), nil
}

func (m *Headers) ListHeaders(_ context.Context, filter document.ListFilter) ([]document.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []document.Header
	for _, h := range m.headers {
		if filter.Matches(h) {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Number > result[j].Number
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Len returns the number of stored headers.
func (m *Headers) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.headers)
}

func (m *Headers) getLocked(id document.ID) *document.Header {
	h, ok := m.headers[id]
	if !ok {
		return nil
	}
	return &h
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Headers) WithTx(_ context.Context, fn func(document.HeaderTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&headersTx{parent: m}); err != nil {
		m.headers, m.numbers = snap.headers, snap.numbers
		return err
	}
	return nil
}

type headersSnapshot struct {
	headers map[document.ID]document.Header
	numbers map[string]document.ID
}

func (m *Headers) snapshot() headersSnapshot {
	s := headersSnapshot{
		headers: make(map[document.ID]document.Header, len(m.headers)),
		numbers: make(map[string]document.ID, len(m.numbers)),
	}
	for k, v := range m.headers {
		s.headers[k] = v
	}
	for k, v := range m.numbers {
		s.numbers[k] = v
	}
	return s
}

// headersTx writes straight into the parent; the parent's lock is held.
type headersTx struct {
	parent *Headers
}

func (tx *headersTx) GetHeaderForUpdate(_ context.Context, id document.ID) (*document.Header, error) {
	if err := tx.parent.Faults.check(OpGetHeader); err != nil {
		return nil, err
	}
	return tx.parent.getLocked(id), nil
}

func (tx *headersTx) LockNumbers(_ context.Context, prefix string, window document.DayWindow) ([]string, error) {
	var numbers []string
	for number, id := range tx.parent.numbers {
		if !strings.HasPrefix(number, prefix) {
			continue
		}
		if window.Contains(tx.parent.headers[id].CreatedAt) {
			numbers = append(numbers, number)
		}
	}
	return numbers, nil
}

func (tx *headersTx) NumberExists(_ context.Context, number string) (bool, error) {
	_, ok := tx.parent.numbers[number]
	return ok, nil
}

func (tx *headersTx) InsertHeader(_ context.Context, h document.Header) error {
	if err := tx.parent.Faults.check(OpInsertHeader); err != nil {
		return err
	}
	if _, ok := tx.parent.numbers[h.Number]; ok {
		return fmt.Errorf("%w: %s", document.ErrDuplicateNumber, h.Number)
	}
	if _, ok := tx.parent.headers[h.ID]; ok {
		return fmt.Errorf("header %s already exists", h.ID)
	}
	tx.parent.headers[h.ID] = h
	tx.parent.numbers[h.Number] = h.ID
	return nil
}

func (tx *headersTx) UpdateHeader(_ context.Context, h document.Header) error {
	if err := tx.parent.Faults.check(OpUpdateHeader); err != nil {
		return err
	}
	old, ok := tx.parent.headers[h.ID]
	if !ok {
		return fmt.Errorf("%w: header %s", document.ErrNotFound, h.ID)
	}
	if old.Number != h.Number {
		return fmt.Errorf("header %s: number is immutable", h.ID)
	}
	tx.parent.headers[h.ID] = h
	return nil
}

func (tx *headersTx) DeleteHeader(_ context.Context, id document.ID) error {
	if err := tx.parent.Faults.check(OpDeleteHeader); err != nil {
		return err
	}
	h, ok := tx.parent.headers[id]
	if !ok {
		return fmt.Errorf("%w: header %s", document.ErrNotFound, id)
	}
	delete(tx.parent.headers, id)
	delete(tx.parent.numbers, h.Number)
	return nil
}

// =============================================================================
// ITEMS STORE
// =============================================================================

// Items is an in-memory document.ItemsStore.
type Items struct {
	mu    sync.RWMutex
	items map[document.ID][]document.Item

	Faults Faults
}

func NewItems() *Items {
	return &Items{items: make(map[document.ID][]document.Item)}
}

func (m *Items) GetItems(_ context.Context, id document.ID) ([]document.Item, error) {
	if err := m.Faults.check(OpGetItems); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return append([]document.Item{}, items...), nil
}

func (m *Items) PutItems(_ context.Context, id document.ID, items []document.Item) error {
	if err := m.Faults.check(OpPutItems); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = append([]document.Item{}, items...)
	return nil
}

func (m *Items) DeleteItems(_ context.Context, id document.ID) error {
	if err := m.Faults.check(OpDeleteItems); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// DocumentIDs lists the ids holding an items record, sorted.
func (m *Items) DocumentIDs(_ context.Context) ([]document.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]document.ID, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Has reports whether an items record exists for id.
func (m *Items) Has(id document.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[id]
	return ok
}

// =============================================================================
// VERSION STORE
// =============================================================================

// Versions is an in-memory document.VersionStore.
type Versions struct {
	mu       sync.RWMutex
	versions map[document.ID][]document.Version

	Faults Faults
}

func NewVersions() *Versions {
	return &Versions{versions: make(map[document.ID][]document.Version)}
}

func (m *Versions) AppendVersion(_ context.Context, v document.Version) (document.Version, error) {
	if err := m.Faults.check(OpAppendVersion); err != nil {
		return document.Version{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Number = len(m.versions[v.DocumentID]) + 1
	m.versions[v.DocumentID] = append(m.versions[v.DocumentID], v)
	return v, nil
}

func (m *Versions) ListVersions(_ context.Context, id document.ID) ([]document.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]document.Version{}, m.versions[id]...), nil
}

func (m *Versions) GetVersion(_ context.Context, id document.ID, number int) (*document.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[id]
	if number < 1 || number > len(list) {
		return nil, nil
	}
	v := list[number-1]
	return &v, nil
}
