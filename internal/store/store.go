// Package store abstracts the persistent document store behind the four
// primitives the core needs: get, set/update, query, and an atomic
// read-modify-write transaction. Documents are JSON; filters and ordering
// refer to JSON field names.
package store

import (
	"context"
	"errors"
)

// Collection names used by the engine.
const (
	CollectionSessions  = "sessions"
	CollectionRequests  = "song_requests"
	CollectionMovements = "movements"
	CollectionWallets   = "wallets"
)

// ErrNotFound is returned by Get when no document exists under the given id.
var ErrNotFound = errors.New("document not found")

// Op is a filter comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpLt Op = "<"
)

// Filter compares a JSON field against a value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents from a collection. OrderBy names a JSON field;
// Limit of 0 means no limit.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Reader provides read access to documents. out must be a pointer to a
// struct for Get, or a pointer to a slice for Query.
type Reader interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, q Query, out any) error
}

// Writer provides write access to documents. Update merges the given fields
// (JSON names) into an existing document.
type Writer interface {
	Set(ctx context.Context, collection, id string, doc any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
}

// Tx is the view of the store inside a transaction. Reads observe earlier
// writes made in the same transaction.
type Tx interface {
	Reader
	Writer
}

// Store is the persistent document store. RunTransaction applies all writes
// made through the Tx atomically: either every write commits or none do.
type Store interface {
	Reader
	Writer
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
