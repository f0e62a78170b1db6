// SPDX-License-Identifier: AGPL-3.0-only

package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemStore is an in-memory Store used by tests and local runs. It enforces
// the same batch and `in` query limits as the production backend so limit
// violations surface before deployment.
type MemStore struct {
	mtx  sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	fields     Fields
	updateTime time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{docs: map[string]*memDoc{}}
}

func (s *MemStore) Get(_ context.Context, path string) (*Document, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	d, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(path, d), nil
}

func (s *MemStore) Set(_ context.Context, path string, fields Fields, merge bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.applySet(path, fields, merge)
	return nil
}

func (s *MemStore) Update(_ context.Context, path string, fields Fields) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.applyUpdate(path, fields)
}

func (s *MemStore) Query(collection string) Query {
	return &memQuery{store: s, collection: collection, limit: -1}
}

func (s *MemStore) Batch() Batch {
	return &memBatch{store: s}
}

func (s *MemStore) NewDocPath(collection string) string {
	return collection + "/" + uuid.NewString()
}

// Len returns the number of stored documents. Test helper.
func (s *MemStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.docs)
}

func (s *MemStore) applySet(path string, fields Fields, merge bool) {
	d, ok := s.docs[path]
	if !ok || !merge {
		d = &memDoc{fields: Fields{}}
		s.docs[path] = d
	}
	for k, v := range fields {
		d.fields[k] = v
	}
	d.updateTime = time.Now()
}

func (s *MemStore) applyUpdate(path string, fields Fields) error {
	d, ok := s.docs[path]
	if !ok {
		return errors.Wrap(ErrNotFound, path)
	}
	for k, v := range fields {
		d.fields[k] = v
	}
	d.updateTime = time.Now()
	return nil
}

func snapshot(path string, d *memDoc) *Document {
	fields := make(Fields, len(d.fields))
	for k, v := range d.fields {
		fields[k] = v
	}
	return &Document{Path: path, Fields: fields, UpdateTime: d.updateTime}
}

// isDirectChild reports whether path is exactly one segment below collection.
func isDirectChild(collection, path string) bool {
	if !strings.HasPrefix(path, collection+"/") {
		return false
	}
	rest := path[len(collection)+1:]
	return rest != "" && !strings.Contains(rest, "/")
}

type memFilter struct {
	field string
	op    string
	value interface{}
}

type memQuery struct {
	store      *MemStore
	collection string
	filters    []memFilter
	orderBy    []string
	limit      int
	startAfter []interface{}
}

func (q *memQuery) clone() *memQuery {
	c := *q
	c.filters = append([]memFilter(nil), q.filters...)
	c.orderBy = append([]string(nil), q.orderBy...)
	c.startAfter = append([]interface{}(nil), q.startAfter...)
	return &c
}

func (q *memQuery) Where(field, op string, value interface{}) Query {
	c := q.clone()
	c.filters = append(c.filters, memFilter{field: field, op: op, value: value})
	return c
}

func (q *memQuery) OrderBy(field string) Query {
	c := q.clone()
	c.orderBy = append(c.orderBy, field)
	return c
}

func (q *memQuery) Limit(n int) Query {
	c := q.clone()
	c.limit = n
	return c
}

func (q *memQuery) StartAfter(values ...interface{}) Query {
	c := q.clone()
	c.startAfter = values
	return c
}

func (q *memQuery) Documents(_ context.Context) ([]*Document, error) {
	q.store.mtx.RLock()
	var out []*Document
	for path, d := range q.store.docs {
		if !isDirectChild(q.collection, path) {
			continue
		}
		ok, err := q.matches(d.fields)
		if err != nil {
			q.store.mtx.RUnlock()
			return nil, err
		}
		if ok {
			out = append(out, snapshot(path, d))
		}
	}
	q.store.mtx.RUnlock()

	if len(q.orderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, f := range q.orderBy {
				c := compareValues(out[i].Fields[f], out[j].Fields[f])
				if c != 0 {
					return c < 0
				}
			}
			// Document path breaks ties so pagination is stable.
			return out[i].Path < out[j].Path
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}

	if len(q.startAfter) > 0 {
		filtered := out[:0]
		for _, doc := range out {
			if q.afterCursor(doc) {
				filtered = append(filtered, doc)
			}
		}
		out = filtered
	}

	if q.limit >= 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

// afterCursor compares the document's OrderBy field values against the
// cursor tuple; only documents strictly past the cursor are returned.
// One extra cursor value beyond the OrderBy fields is compared against the
// document path, mirroring the store's implicit ordering by document id.
func (q *memQuery) afterCursor(doc *Document) bool {
	for n, v := range q.startAfter {
		var c int
		if n < len(q.orderBy) {
			c = compareValues(doc.Fields[q.orderBy[n]], v)
		} else {
			c = strings.Compare(doc.Path, stringify(v))
		}
		if c > 0 {
			return true
		}
		if c < 0 {
			return false
		}
	}
	return false
}

func (q *memQuery) Count(ctx context.Context) (int64, error) {
	docs, err := q.Documents(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (q *memQuery) matches(fields Fields) (bool, error) {
	for _, f := range q.filters {
		switch f.op {
		case OpEq:
			if compareValues(fields[f.field], f.value) != 0 {
				return false, nil
			}
		case OpLt:
			if compareValues(fields[f.field], f.value) >= 0 {
				return false, nil
			}
		case OpIn:
			values, ok := f.value.([]interface{})
			if !ok {
				return false, errors.New("in query requires a slice of values")
			}
			if len(values) > MaxInValues {
				return false, ErrTooManyInValues
			}
			found := false
			for _, v := range values {
				if compareValues(fields[f.field], v) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, errors.Errorf("unsupported operator %q", f.op)
		}
	}
	return true, nil
}

// compareValues orders the value types the roster core stores: integers,
// strings, bools and timestamps. Mismatched or unknown types compare by
// their string rendering, which is enough for equality checks.
func compareValues(a, b interface{}) int {
	if ai, aok := asInt64(a); aok {
		if bi, bok := asInt64(b); bok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	as, bs := stringify(a), stringify(b)
	return strings.Compare(as, bs)
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	if b, ok := v.(bool); ok {
		if b {
			return "true"
		}
		return "false"
	}
	return ""
}

type memOp struct {
	path   string
	fields Fields
	merge  bool
	update bool
}

type memBatch struct {
	store *MemStore
	ops   []memOp
}

func (b *memBatch) Set(path string, fields Fields, merge bool) {
	b.ops = append(b.ops, memOp{path: path, fields: fields, merge: merge})
}

func (b *memBatch) Update(path string, fields Fields) {
	b.ops = append(b.ops, memOp{path: path, fields: fields, update: true})
}

func (b *memBatch) Len() int {
	return len(b.ops)
}

// Commit applies all operations under one lock. Updates against missing
// documents fail the whole batch before any write is applied, matching the
// all-or-nothing batch contract.
func (b *memBatch) Commit(_ context.Context) error {
	if len(b.ops) > MaxBatchOps {
		return ErrBatchTooLarge
	}

	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()

	for _, op := range b.ops {
		if op.update {
			if _, ok := b.store.docs[op.path]; !ok {
				return errors.Wrap(ErrNotFound, op.path)
			}
		}
	}
	for _, op := range b.ops {
		if op.update {
			if err := b.store.applyUpdate(op.path, op.fields); err != nil {
				return err
			}
			continue
		}
		b.store.applySet(op.path, op.fields, op.merge)
	}
	return nil
}
