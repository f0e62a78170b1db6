// SPDX-License-Identifier: AGPL-3.0-only

package epoch

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctopuviyan/OrgOnboarder/pkg/docstore"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

func newTestManager(t *testing.T) (*Manager, *docstore.MemStore) {
	t.Helper()
	store := docstore.NewMemStore()
	return NewManager(store, log.NewNopLogger(), prometheus.NewPedanticRegistry()), store
}

func TestBeginRunAllocatesMonotonicEpochs(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	epoch, err := m.BeginRun(ctx, "acme", "Acme Inc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)

	epoch, err = m.BeginRun(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), epoch)

	doc, err := store.Get(ctx, roster.OrgPath("acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Int64(roster.FieldCurrentEpoch))
	assert.Equal(t, "Acme Inc", doc.String(roster.FieldName), "display name survives runs without one")
}

func TestBeginRunRequiresOrg(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.BeginRun(context.Background(), "", "")
	require.Error(t, err)
}

func seedEmployee(t *testing.T, store *docstore.MemStore, orgID, email string, epoch int64, present bool) string {
	t.Helper()
	path := store.NewDocPath(roster.EmployeesPath(orgID))
	require.NoError(t, store.Set(context.Background(), path, docstore.Fields{
		roster.FieldEmail:           email,
		roster.FieldStatusInOrg:     string(roster.StatusActive),
		roster.FieldPresentInLatest: present,
		roster.FieldLastSeenEpoch:   epoch,
	}, false))
	return path
}

func TestFinalizeRunSweepsStaleEmployees(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	stale := seedEmployee(t, store, "acme", "old@x.com", 1, true)
	fresh := seedEmployee(t, store, "acme", "new@x.com", 2, true)
	alreadyAbsent := seedEmployee(t, store, "acme", "gone@x.com", 1, false)

	require.NoError(t, m.FinalizeRun(ctx, "acme", 2))

	doc, err := store.Get(ctx, stale)
	require.NoError(t, err)
	assert.False(t, doc.Bool(roster.FieldPresentInLatest))

	doc, err = store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, doc.Bool(roster.FieldPresentInLatest))

	doc, err = store.Get(ctx, alreadyAbsent)
	require.NoError(t, err)
	assert.False(t, doc.Bool(roster.FieldPresentInLatest))

	org, err := store.Get(ctx, roster.OrgPath("acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), org.Int64(roster.FieldCurrentEpoch))
	assert.Equal(t, int64(2), org.Int64(roster.FieldLastFinalizedEpoch))
}

func TestFinalizeRunIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	seedEmployee(t, store, "acme", "old@x.com", 1, true)

	require.NoError(t, m.FinalizeRun(ctx, "acme", 2))
	require.NoError(t, m.FinalizeRun(ctx, "acme", 2))

	docs, err := store.Query(roster.EmployeesPath("acme")).
		Where(roster.FieldPresentInLatest, docstore.OpEq, true).
		Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFinalizeRunPaginates(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	// More stale employees than one page, including a run of equal epochs
	// across the page boundary and a full final page.
	total := finalizePageSize*2 + finalizePageSize // 3 exactly-full pages
	for i := 0; i < total; i++ {
		seedEmployee(t, store, "acme", fmt.Sprintf("u%d@x.com", i), int64(i%4), true)
	}

	require.NoError(t, m.FinalizeRun(ctx, "acme", 5))

	count, err := store.Query(roster.EmployeesPath("acme")).
		Where(roster.FieldPresentInLatest, docstore.OpEq, true).
		Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "a final page of exactly pageSize rows must still terminate")
}
