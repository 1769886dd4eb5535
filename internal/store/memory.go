package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process ItemStore. It backs unit tests and local
// development, and doubles as the reference implementation of the gateway
// semantics (ordering, conditions, transactional all-or-nothing).
type MemoryStore struct {
	name string

	mu    sync.RWMutex
	parts map[string]map[string]Item
}

// NewMemoryStore creates an empty in-memory store. The name identifies the
// table in logs and tests ("shared", "cust-acme", ...).
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:  name,
		parts: make(map[string]map[string]Item),
	}
}

// Name returns the table name.
func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Get(ctx context.Context, key Key) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if item, ok := m.parts[key.PK][key.SK]; ok {
		return item.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(item)
	return nil
}

func (m *MemoryStore) putLocked(item Item) {
	key := item.Key()
	part, ok := m.parts[key.PK]
	if !ok {
		part = make(map[string]Item)
		m.parts[key.PK] = part
	}
	part[key.SK] = item.Clone()
}

func (m *MemoryStore) Update(ctx context.Context, key Key, patch Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(key, patch)
}

func (m *MemoryStore) updateLocked(key Key, patch Item) (Item, error) {
	existing, ok := m.parts[key.PK][key.SK]
	if !ok {
		return nil, ErrNotFound
	}
	merged := existing.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	m.parts[key.PK][key.SK] = merged
	return merged.Clone(), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, key Key, patch Item, cond Condition) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.parts[key.PK][key.SK]
	if !cond.Holds(existing) {
		return nil, ErrConditionFailed
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	return m.updateLocked(key, patch)
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts[key.PK], key.SK)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for sk, item := range m.parts[pk] {
		if strings.HasPrefix(sk, skPrefix) {
			out = append(out, item.Clone())
		}
	}
	sortBySK(out, AttrSK)
	return out, nil
}

func (m *MemoryStore) QueryBetween(ctx context.Context, pk, start, end string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for sk, item := range m.parts[pk] {
		if sk >= start && sk <= end {
			out = append(out, item.Clone())
		}
	}
	sortBySK(out, AttrSK)
	return out, nil
}

func (m *MemoryStore) QueryIndex(ctx context.Context, index, pk, skPrefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkAttr := index + "PK"
	skAttr := index + "SK"

	var out []Item
	for _, part := range m.parts {
		for _, item := range part {
			if item.GetString(pkAttr) != pk {
				continue
			}
			if strings.HasPrefix(item.GetString(skAttr), skPrefix) {
				out = append(out, item.Clone())
			}
		}
	}
	sortBySK(out, skAttr)
	return out, nil
}

func (m *MemoryStore) BatchWrite(ctx context.Context, items []Item) error {
	if len(items) > MaxBatchItems {
		return ErrBatchTooLarge
	}
	for _, item := range items {
		if err := validateItem(item); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.putLocked(item)
	}
	return nil
}

func (m *MemoryStore) TransactWrite(ctx context.Context, ops []TransactOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every operation before mutating anything.
	for _, op := range ops {
		switch {
		case op.Put != nil:
			if err := validateItem(op.Put); err != nil {
				return err
			}
		case op.Update != nil:
			existing := m.parts[op.Update.Key.PK][op.Update.Key.SK]
			if op.Update.Condition != nil && !op.Update.Condition.Holds(existing) {
				return ErrConditionFailed
			}
			if existing == nil {
				return ErrNotFound
			}
		case op.Delete != nil:
			// Deletes of absent keys are allowed.
		}
	}

	for _, op := range ops {
		switch {
		case op.Put != nil:
			m.putLocked(op.Put)
		case op.Update != nil:
			if _, err := m.updateLocked(op.Update.Key, op.Update.Patch); err != nil {
				return err
			}
		case op.Delete != nil:
			delete(m.parts[op.Delete.PK], op.Delete.SK)
		}
	}
	return nil
}

func sortBySK(items []Item, attr string) {
	sort.Slice(items, func(a, b int) bool {
		return items[a].GetString(attr) < items[b].GetString(attr)
	})
}
