// SPDX-License-Identifier: AGPL-3.0-only

package docstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.Get(ctx, "orgs/acme")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "orgs/acme", Fields{"currentEpoch": int64(1), "name": "Acme"}, false))

	doc, err := store.Get(ctx, "orgs/acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Int64("currentEpoch"))
	assert.Equal(t, "Acme", doc.String("name"))
}

func TestMemStoreSetMerge(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Set(ctx, "orgs/acme", Fields{"currentEpoch": int64(1), "name": "Acme"}, false))
	require.NoError(t, store.Set(ctx, "orgs/acme", Fields{"currentEpoch": int64(2)}, true))

	doc, err := store.Get(ctx, "orgs/acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Int64("currentEpoch"))
	assert.Equal(t, "Acme", doc.String("name"), "merge preserves untouched fields")

	// Non-merge set replaces the whole document.
	require.NoError(t, store.Set(ctx, "orgs/acme", Fields{"currentEpoch": int64(3)}, false))
	doc, err = store.Get(ctx, "orgs/acme")
	require.NoError(t, err)
	assert.Empty(t, doc.String("name"))
}

func TestMemStoreUpdateMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.ErrorIs(t, store.Update(ctx, "orgs/acme", Fields{"name": "x"}), ErrNotFound)
}

func TestMemStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("orgs/acme/employees/e%d", i)
		require.NoError(t, store.Set(ctx, path, Fields{
			"email":           fmt.Sprintf("user%d@x.com", i),
			"presentInLatest": i%2 == 0,
			"lastSeenEpoch":   int64(i),
		}, false))
	}
	// A document in another collection must never match.
	require.NoError(t, store.Set(ctx, "orgs/other/employees/e9", Fields{"email": "user9@y.com", "presentInLatest": true}, false))

	docs, err := store.Query("orgs/acme/employees").Where("presentInLatest", OpEq, true).Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = store.Query("orgs/acme/employees").Where("lastSeenEpoch", OpLt, int64(2)).Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = store.Query("orgs/acme/employees").
		Where("email", OpIn, []interface{}{"user1@x.com", "user3@x.com", "nosuch@x.com"}).
		Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	count, err := store.Query("orgs/acme/employees").Where("presentInLatest", OpEq, false).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMemStoreQueryInLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, "orgs/acme/employees/e1", Fields{"email": "a@x.com"}, false))

	values := make([]interface{}, MaxInValues+1)
	for i := range values {
		values[i] = fmt.Sprintf("u%d@x.com", i)
	}
	_, err := store.Query("orgs/acme/employees").Where("email", OpIn, values).Documents(ctx)
	require.ErrorIs(t, err, ErrTooManyInValues)
}

func TestMemStoreQueryOrderLimitCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	for i := 0; i < 7; i++ {
		path := fmt.Sprintf("orgs/acme/employees/e%d", i)
		require.NoError(t, store.Set(ctx, path, Fields{"lastSeenEpoch": int64(i / 2)}, false))
	}

	q := store.Query("orgs/acme/employees").OrderBy("lastSeenEpoch").Limit(3)
	page, err := q.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, page, 3)

	// Walk all pages through the (epoch, path) cursor; equal epochs must not
	// lose documents.
	seen := map[string]bool{}
	for _, d := range page {
		seen[d.Path] = true
	}
	for len(page) == 3 {
		last := page[len(page)-1]
		page, err = q.StartAfter(last.Int64("lastSeenEpoch"), last.Path).Documents(ctx)
		require.NoError(t, err)
		for _, d := range page {
			require.False(t, seen[d.Path], "document %s returned twice", d.Path)
			seen[d.Path] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestMemStoreBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	batch := store.Batch()
	batch.Set("orgs/acme/employees/e1", Fields{"email": "a@x.com"}, false)
	batch.Update("orgs/acme/employees/missing", Fields{"email": "b@x.com"})
	require.Error(t, batch.Commit(ctx))

	_, err := store.Get(ctx, "orgs/acme/employees/e1")
	assert.ErrorIs(t, err, ErrNotFound, "failed batch must not apply partial writes")
}

func TestMemStoreBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	batch := store.Batch()
	for i := 0; i <= MaxBatchOps; i++ {
		batch.Set(fmt.Sprintf("orgs/acme/employees/e%d", i), Fields{"n": int64(i)}, false)
	}
	require.ErrorIs(t, batch.Commit(ctx), ErrBatchTooLarge)
}

func TestMemStoreNewDocPath(t *testing.T) {
	store := NewMemStore()
	p1 := store.NewDocPath("orgs/acme/employees")
	p2 := store.NewDocPath("orgs/acme/employees")
	assert.NotEqual(t, p1, p2)
	assert.True(t, isDirectChild("orgs/acme/employees", p1))
}
