// SPDX-License-Identifier: AGPL-3.0-only

// Package epoch owns the reconciliation run lifecycle: allocating epoch
// numbers at the start of a snapshot and sweeping absent employees once the
// snapshot has been fully applied.
package epoch

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctopuviyan/OrgOnboarder/pkg/docstore"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

// finalizePageSize is the number of employee documents swept per page. Each
// page is updated in a single atomic batch, so it must stay within the
// store's batch limit.
const finalizePageSize = 500

// Manager allocates epochs and finalizes runs.
//
// BeginRun is deliberately not transactional: two concurrent calls for the
// same org can allocate the same epoch, in which case both runs merge into
// one epoch under last-writer-wins. lastSeenEpoch is a high-water-mark, so
// correctness survives this; callers needing linearizable allocation must
// serialize externally.
type Manager struct {
	store   docstore.Store
	logger  log.Logger
	metrics *managerMetrics
}

type managerMetrics struct {
	runsBegun      prometheus.Counter
	runsFinalized  prometheus.Counter
	sweptEmployees prometheus.Counter
	finalizeDur    prometheus.Histogram
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	return &managerMetrics{
		runsBegun: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_epoch_runs_begun_total",
			Help: "Number of reconciliation runs begun.",
		}),
		runsFinalized: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_epoch_runs_finalized_total",
			Help: "Number of reconciliation runs finalized.",
		}),
		sweptEmployees: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_epoch_finalize_swept_employees_total",
			Help: "Number of employees marked absent by finalize sweeps.",
		}),
		finalizeDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_epoch_finalize_duration_seconds",
			Help:    "Duration of finalize sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func NewManager(store docstore.Store, logger log.Logger, reg prometheus.Registerer) *Manager {
	return &Manager{
		store:   store,
		logger:  log.With(logger, "component", "epoch-manager"),
		metrics: newManagerMetrics(reg),
	}
}

// BeginRun allocates the next epoch for an organization and returns it.
// A missing organization document is treated as epoch 0. The optional name
// is merged into the organization document as a display label.
func (m *Manager) BeginRun(ctx context.Context, orgID, name string) (int64, error) {
	if orgID == "" {
		return 0, errors.New("orgID is required")
	}

	current := int64(0)
	doc, err := m.store.Get(ctx, roster.OrgPath(orgID))
	switch {
	case err == nil:
		current = doc.Int64(roster.FieldCurrentEpoch)
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return 0, errors.Wrapf(err, "reading organization %s", orgID)
	}

	next := current + 1
	fields := docstore.Fields{
		roster.FieldCurrentEpoch: next,
		roster.FieldUpdatedAt:    time.Now().UTC(),
	}
	if name != "" {
		fields[roster.FieldName] = name
	}
	if err := m.store.Set(ctx, roster.OrgPath(orgID), fields, true); err != nil {
		return 0, errors.Wrapf(err, "writing epoch %d for organization %s", next, orgID)
	}

	m.metrics.runsBegun.Inc()
	level.Info(m.logger).Log("msg", "began run", "org", orgID, "epoch", next)
	return next, nil
}

// FinalizeRun marks every employee not seen in the given epoch as absent
// from the latest snapshot, then records the epoch as finalized on the
// organization document.
//
// The sweep pages through matching employees ordered by lastSeenEpoch,
// updating each page in one atomic batch. Re-running finalize for the same
// epoch is a no-op: the predicate matches nothing on the second pass.
func (m *Manager) FinalizeRun(ctx context.Context, orgID string, epoch int64) error {
	if orgID == "" {
		return errors.New("orgID is required")
	}

	start := time.Now()
	swept := 0

	base := m.store.Query(roster.EmployeesPath(orgID)).
		Where(roster.FieldPresentInLatest, docstore.OpEq, true).
		Where(roster.FieldLastSeenEpoch, docstore.OpLt, epoch).
		OrderBy(roster.FieldLastSeenEpoch).
		Limit(finalizePageSize)

	q := base
	for {
		page, err := q.Documents(ctx)
		if err != nil {
			return errors.Wrapf(err, "sweeping organization %s for epoch %d", orgID, epoch)
		}
		if len(page) == 0 {
			break
		}

		batch := m.store.Batch()
		now := time.Now().UTC()
		for _, doc := range page {
			batch.Update(doc.Path, docstore.Fields{
				roster.FieldPresentInLatest: false,
				roster.FieldUpdatedAt:       now,
			})
		}
		if err := batch.Commit(ctx); err != nil {
			return errors.Wrapf(err, "marking %d employees absent in organization %s", batch.Len(), orgID)
		}
		swept += len(page)

		if len(page) < finalizePageSize {
			break
		}
		last := page[len(page)-1]
		q = base.StartAfter(last.Int64(roster.FieldLastSeenEpoch), last.Path)
	}

	err := m.store.Set(ctx, roster.OrgPath(orgID), docstore.Fields{
		roster.FieldCurrentEpoch:       epoch,
		roster.FieldLastFinalizedEpoch: epoch,
		roster.FieldUpdatedAt:          time.Now().UTC(),
	}, true)
	if err != nil {
		return errors.Wrapf(err, "recording finalized epoch %d for organization %s", epoch, orgID)
	}

	m.metrics.runsFinalized.Inc()
	m.metrics.sweptEmployees.Add(float64(swept))
	m.metrics.finalizeDur.Observe(time.Since(start).Seconds())
	level.Info(m.logger).Log("msg", "finalized run", "org", orgID, "epoch", epoch, "swept", swept, "duration", time.Since(start))
	return nil
}
