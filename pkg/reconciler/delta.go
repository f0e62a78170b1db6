// SPDX-License-Identifier: AGPL-3.0-only

package reconciler

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ctopuviyan/OrgOnboarder/pkg/docstore"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

// deltaTransition maps a delta type onto the (status, presentInLatest)
// pair it writes. lastSeenEpoch is never touched by deltas.
var deltaTransition = map[roster.DeltaType]struct {
	status  roster.Status
	present bool
}{
	roster.DeltaLeft:        {status: roster.StatusLeft, present: false},
	roster.DeltaInactive:    {status: roster.StatusInactive, present: false},
	roster.DeltaReactivated: {status: roster.StatusActive, present: true},
}

// ProcessDeltas applies single-employee status transitions in input order.
// Deltas never create employees: a delta for an unknown email is skipped
// and logged. Processing is sequential so transitions for the same key are
// applied in the order they were consumed.
func (r *Reconciler) ProcessDeltas(ctx context.Context, orgID string, deltas []roster.Delta, sourceTag string) (Result, error) {
	var res Result
	if orgID == "" {
		return res, errors.New("orgID is required")
	}

	for _, delta := range deltas {
		email := roster.NormalizeEmail(delta.Email)
		if !roster.ValidEmail(email) || !roster.ValidDeltaType(delta.DeltaType) {
			res.Skipped++
			r.metrics.deltasSkipped.Inc()
			level.Debug(r.logger).Log("msg", "skipping invalid delta", "org", orgID, "delta_type", delta.DeltaType)
			continue
		}

		path, err := r.resolveOne(ctx, orgID, email)
		if errors.Is(err, docstore.ErrNotFound) {
			res.Skipped++
			r.metrics.deltasSkipped.Inc()
			level.Info(r.logger).Log("msg", "delta for unknown employee", "org", orgID, "delta_type", delta.DeltaType)
			continue
		}
		if err != nil {
			res.Errors++
			level.Warn(r.logger).Log("msg", "delta lookup failed", "org", orgID, "err", err)
			continue
		}

		transition := deltaTransition[delta.DeltaType]
		fields := docstore.Fields{
			roster.FieldStatusInOrg:     string(transition.status),
			roster.FieldPresentInLatest: transition.present,
			roster.FieldUpdatedAt:       time.Now().UTC(),
			roster.FieldSource:          sourceTag,
		}
		if delta.EventID != "" {
			fields[roster.FieldLastEventID] = delta.EventID
		}
		if err := r.store.Update(ctx, path, fields); err != nil {
			res.Errors++
			level.Warn(r.logger).Log("msg", "delta update failed", "org", orgID, "err", err)
			continue
		}
		res.Processed++
		r.metrics.deltasApplied.Inc()
	}
	return res, nil
}

// resolveOne finds the document path for a single employee, via the cache
// or a keyed query.
func (r *Reconciler) resolveOne(ctx context.Context, orgID, email string) (string, error) {
	if path, ok := r.cache.get(orgID, email); ok {
		r.metrics.cacheHits.Inc()
		return path, nil
	}
	r.metrics.cacheMisses.Inc()

	docs, err := r.store.Query(roster.EmployeesPath(orgID)).
		Where(roster.FieldEmail, docstore.OpEq, email).
		Limit(1).
		Documents(ctx)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", docstore.ErrNotFound
	}
	r.cache.put(orgID, email, docs[0].Path)
	return docs[0].Path, nil
}
