// SPDX-License-Identifier: AGPL-3.0-only

// Package docstore abstracts the document database underneath the roster
// core. The interface mirrors the primitives the production store exposes:
// per-document get/set/update with merge semantics, keyed queries with a
// small `in` operator, cursor pagination, and atomic batches capped at
// MaxBatchOps operations.
package docstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxBatchOps is the store's hard limit on operations per atomic batch.
	MaxBatchOps = 500

	// MaxInValues is the store's hard limit on values per `in` query.
	MaxInValues = 10
)

// Query operators supported by the store.
const (
	OpEq = "=="
	OpLt = "<"
	OpIn = "in"
)

var (
	// ErrNotFound is returned by Get for a path with no document.
	ErrNotFound = errors.New("document not found")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchOps.
	ErrBatchTooLarge = errors.Errorf("batch exceeds %d operations", MaxBatchOps)

	// ErrTooManyInValues is returned when an `in` query exceeds MaxInValues.
	ErrTooManyInValues = errors.Errorf("in query exceeds %d values", MaxInValues)
)

// Fields is a flat field map written to or read from a document.
type Fields map[string]interface{}

// Document is a point-in-time read of a stored document.
type Document struct {
	Path       string
	Fields     Fields
	UpdateTime time.Time
}

// String returns the string value of a field, or "" if absent or not a string.
func (d *Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Bool returns the bool value of a field, or false if absent.
func (d *Document) Bool(field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

// Int64 returns the integer value of a field, tolerating the numeric types
// different backends hand back.
func (d *Document) Int64(field string) int64 {
	switch v := d.Fields[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Store is the document database as seen by the roster core.
type Store interface {
	// Get reads the document at path. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, path string) (*Document, error)

	// Set writes fields at path. With merge, only the supplied fields are
	// written and the rest of the document is preserved; without, the
	// document is replaced.
	Set(ctx context.Context, path string, fields Fields, merge bool) error

	// Update writes fields into an existing document. Returns ErrNotFound
	// if the document does not exist.
	Update(ctx context.Context, path string, fields Fields) error

	// Query starts a query over the direct children of a collection path.
	Query(collection string) Query

	// Batch starts an atomic write batch. Commit fails with
	// ErrBatchTooLarge when more than MaxBatchOps operations were added.
	Batch() Batch

	// NewDocPath allocates a fresh document path with a store-assigned id
	// under the given collection.
	NewDocPath(collection string) string
}

// Query is a filtered, ordered, paginated read over one collection.
// Implementations return a new Query from each builder call.
type Query interface {
	Where(field, op string, value interface{}) Query
	OrderBy(field string) Query
	Limit(n int) Query
	// StartAfter positions the query after the given values of the OrderBy
	// fields, for cursor pagination. One extra value beyond the OrderBy
	// fields is interpreted as a document path, tie-breaking equal field
	// values the way the store's implicit id ordering does.
	StartAfter(values ...interface{}) Query

	Documents(ctx context.Context) ([]*Document, error)
	Count(ctx context.Context) (int64, error)
}

// Batch accumulates writes committed atomically by Commit.
type Batch interface {
	Set(path string, fields Fields, merge bool)
	Update(path string, fields Fields)
	Len() int
	Commit(ctx context.Context) error
}
