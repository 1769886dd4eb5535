// Package store provides the item-store gateway: a narrow put/get/update/
// query/batch/transact capability set over a partitioned key-value store
// with secondary indexes.
//
// Two implementations ship with the engine: an in-memory store used by tests
// and local development, and a Redis-backed store used as the data plane in
// deployment. The engine never talks to a concrete driver directly — code in
// cmd/server creates the concrete store and injects it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attribute names every item carries. Secondary-index attributes are
// optional; an item missing them is simply invisible to that index.
const (
	AttrPK = "PK"
	AttrSK = "SK"
)

// Secondary index names.
const (
	IndexGSI1 = "GSI1"
	IndexGSI2 = "GSI2"
	IndexGSI3 = "GSI3"
)

// MaxBatchItems is the largest set a single BatchWrite accepts.
// Callers with more items chunk through BatchWriteAll.
const MaxBatchItems = 25

var (
	// ErrNotFound is returned when no item exists under the given key.
	ErrNotFound = errors.New("item not found")

	// ErrConditionFailed is returned by conditional writes whose condition
	// did not hold at write time.
	ErrConditionFailed = errors.New("condition failed")

	// ErrBatchTooLarge is returned when BatchWrite receives more than
	// MaxBatchItems items.
	ErrBatchTooLarge = errors.New("batch exceeds maximum item count")
)

// Key uniquely identifies an item: partition key plus sort key.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string {
	return k.PK + "/" + k.SK
}

// Item is a heterogeneous attribute map. PK and SK are regular attributes;
// writes require both to be present.
type Item map[string]interface{}

// Key extracts the primary key from the item's PK/SK attributes.
func (i Item) Key() Key {
	return Key{PK: i.GetString(AttrPK), SK: i.GetString(AttrSK)}
}

// GetString returns the named attribute as a string, or "" when absent or
// of another type.
func (i Item) GetString(attr string) string {
	if v, ok := i[attr].(string); ok {
		return v
	}
	return ""
}

// GetBool returns the named attribute as a bool, defaulting to false.
func (i Item) GetBool(attr string) bool {
	if v, ok := i[attr].(bool); ok {
		return v
	}
	return false
}

// GetInt returns the named attribute as an int, tolerating the numeric
// widenings JSON round-trips introduce.
func (i Item) GetInt(attr string) int {
	switch v := i[attr].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// GetMap returns the named attribute as a nested map, or nil.
func (i Item) GetMap(attr string) map[string]interface{} {
	if v, ok := i[attr].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// GetStrings returns the named attribute as a string slice. Both []string
// and []interface{} encodings are accepted.
func (i Item) GetStrings(attr string) []string {
	switch v := i[attr].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a shallow-plus-one-level copy of the item, deep enough that
// callers mutating returned attributes cannot corrupt the store.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		switch t := v.(type) {
		case map[string]interface{}:
			m := make(map[string]interface{}, len(t))
			for mk, mv := range t {
				m[mk] = mv
			}
			out[k] = m
		case []interface{}:
			s := make([]interface{}, len(t))
			copy(s, t)
			out[k] = s
		case []string:
			s := make([]string, len(t))
			copy(s, t)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

// Condition guards a conditional write. Equals compares the named attribute
// against a value; Exists asserts attribute presence or absence.
type Condition struct {
	Attr   string
	Equals interface{}
	Exists *bool
}

// Holds reports whether the condition is satisfied by the given item.
// A nil item means the key does not exist.
func (c Condition) Holds(item Item) bool {
	if c.Exists != nil {
		_, present := item[c.Attr]
		return present == *c.Exists
	}
	if item == nil {
		return false
	}
	return item[c.Attr] == c.Equals
}

// UpdateOp is a patch applied to one item inside a transaction.
type UpdateOp struct {
	Key       Key
	Patch     Item
	Condition *Condition
}

// TransactOp is one operation of an atomic multi-item write. Exactly one of
// the fields must be set.
type TransactOp struct {
	Put    Item
	Update *UpdateOp
	Delete *Key
}

// ItemStore is the capability set the engine consumes. Semantics:
// last-writer-wins on identical keys, strongly consistent point reads,
// range reads ordered by sort key.
type ItemStore interface {
	// Get reads one item by primary key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key Key) (Item, error)

	// Put writes a full item, replacing any existing item under its key.
	Put(ctx context.Context, item Item) error

	// Update merges patch attributes into the stored item and returns the
	// new image. Returns ErrNotFound when the key does not exist.
	Update(ctx context.Context, key Key, patch Item) (Item, error)

	// UpdateIf is Update guarded by a condition; ErrConditionFailed when
	// the condition does not hold.
	UpdateIf(ctx context.Context, key Key, patch Item, cond Condition) (Item, error)

	// Delete removes an item. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// Query returns all items in a partition whose sort key begins with
	// skPrefix, ordered by sort key. An empty prefix returns the partition.
	Query(ctx context.Context, pk, skPrefix string) ([]Item, error)

	// QueryBetween returns items with start <= SK <= end, ordered by SK.
	QueryBetween(ctx context.Context, pk, start, end string) ([]Item, error)

	// QueryIndex is Query over a secondary index (GSI1, GSI2, GSI3).
	QueryIndex(ctx context.Context, index, pk, skPrefix string) ([]Item, error)

	// BatchWrite puts up to MaxBatchItems items. Not atomic.
	BatchWrite(ctx context.Context, items []Item) error

	// TransactWrite applies all operations atomically, or none when any
	// condition fails.
	TransactWrite(ctx context.Context, ops []TransactOp) error
}

// BatchWriteAll chunks an arbitrarily large item set into MaxBatchItems
// batches.
func BatchWriteAll(ctx context.Context, s ItemStore, items []Item) error {
	for len(items) > 0 {
		n := len(items)
		if n > MaxBatchItems {
			n = MaxBatchItems
		}
		if err := s.BatchWrite(ctx, items[:n]); err != nil {
			return err
		}
		items = items[n:]
	}
	return nil
}

// validateItem ensures a write carries its primary key.
func validateItem(item Item) error {
	if item.GetString(AttrPK) == "" || item.GetString(AttrSK) == "" {
		return fmt.Errorf("item missing PK/SK attributes")
	}
	return nil
}

// ChronoID builds a sort-key fragment that sorts chronologically when
// compared lexicographically: "<RFC-3339 UTC>#<uuid>".
func ChronoID(now time.Time) string {
	return now.UTC().Format(time.RFC3339) + "#" + uuid.NewString()
}
