// Package storage defines the generic record contract shared by the
// key/value and relational backends, the typed error taxonomy, and the
// encrypting facade that sits above either backend.
//
// A collection is a named logical table of records. Per-account
// collections carry a "-<accountID>" suffix on the base name, for
// example "transactions-2f9c...". Both backends expose the same CRUD
// surface over collections so the layers above need not know which
// engine is in use.
package storage

import (
	"context"
	"strings"
	"time"
)

// Base collection names.
const (
	Transactions = "transactions"
	Categories   = "categories"
	Budgets      = "budgets"
	Accounts     = "accounts"
)

// Record field names stamped by the backends on every write.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Item is a generic record: a mapping of field names to
// JSON-serializable values.
type Item map[string]any

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Query narrows a GetAllItems scan. The key/value backend understands
// Index/Value lookups on a declared secondary index; the relational
// backend additionally accepts a Where clause with positional Args.
type Query struct {
	Index string
	Value any
	Where string
	Args  []any
}

// Backend is the generic CRUD contract implemented by the key/value
// store and the file-backed relational store.
type Backend interface {
	// AddItem inserts a new record, assigning a primary key where the
	// collection auto-increments, and returns the key.
	AddItem(ctx context.Context, collection string, item Item) (string, error)

	// GetItem returns the record at key, or (nil, nil) if absent.
	GetItem(ctx context.Context, collection, key string) (Item, error)

	// GetAllItems returns all records, or the records matching query
	// when one is supplied.
	GetAllItems(ctx context.Context, collection string, query *Query) ([]Item, error)

	// UpdateItem merges updates into the record at key and returns the
	// merged record. A missing key is a KindNotFound error.
	UpdateItem(ctx context.Context, collection, key string, updates Item) (Item, error)

	// DeleteItem removes the record at key.
	DeleteItem(ctx context.Context, collection, key string) error

	// Clear removes every record in the collection.
	Clear(ctx context.Context, collection string) error

	// EnsureCollections idempotently creates the per-account
	// collections for accountID, upgrading the schema if needed.
	EnsureCollections(ctx context.Context, accountID string) error

	Close() error
}

// Suffixed returns the per-account collection name for base.
func Suffixed(base, accountID string) string {
	return base + "-" + accountID
}

// BaseName strips any account suffix from a collection name. Account
// identifiers themselves contain hyphens, so everything after the
// first hyphen is suffix.
func BaseName(collection string) string {
	base, _, _ := strings.Cut(collection, "-")
	return base
}

// StampCreated stamps createdAt (if not already set) and updatedAt on
// a record about to be inserted, returning the same item.
func StampCreated(item Item) Item {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, ok := item[FieldCreatedAt]; !ok {
		item[FieldCreatedAt] = now
	}
	item[FieldUpdatedAt] = now
	return item
}

// StampUpdated stamps updatedAt on a record about to be written back.
func StampUpdated(item Item) Item {
	item[FieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339)
	return item
}
