// SPDX-License-Identifier: AGPL-3.0-only

// Package reconciler converges the employee collection with incoming upsert
// and delta events. Store primitives are individually expensive, so the
// reconciler deduplicates input, resolves existing documents through bulk
// `in` queries behind a TTL cache, writes in bounded-parallel atomic
// batches, adapts the batch size to the observed error rate, and trips a
// circuit breaker under sustained failure.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/ctopuviyan/OrgOnboarder/pkg/docstore"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

// Config bounds the reconciler's store usage.
type Config struct {
	// BatchSize is the initial and maximum write batch size. Capped by the
	// store's batch limit.
	BatchSize int
	// MinBatchSize is the floor the adaptive batch size never goes below.
	MinBatchSize int
	// QueryChunkSize is the number of emails per `in` query.
	QueryChunkSize int
	// MaxParallelBatches bounds in-flight store calls per invocation.
	MaxParallelBatches int

	CacheTTL      time.Duration
	MaxCacheBytes int64

	// ErrorThreshold is the cumulative error rate that opens the circuit.
	ErrorThreshold float64
	// CircuitReset is how long the circuit stays open before a trial.
	CircuitReset time.Duration
	// AdaptiveThreshold is the per-invocation error rate above which the
	// write batch size shrinks.
	AdaptiveThreshold float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          docstore.MaxBatchOps,
		MinBatchSize:       100,
		QueryChunkSize:     docstore.MaxInValues,
		MaxParallelBatches: 5,
		CacheTTL:           5 * time.Minute,
		MaxCacheBytes:      100 << 20,
		ErrorThreshold:     0.3,
		CircuitReset:       time.Minute,
		AdaptiveThreshold:  0.8,
	}
}

// Result reports per-invocation row counts back to the ingestion caller.
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Reconciler applies upsert snapshots and status deltas to the store.
// A single instance is shared across invocations: the lookup cache, the
// adaptive batch size and the circuit breaker all persist between calls.
type Reconciler struct {
	cfg     Config
	store   docstore.Store
	logger  log.Logger
	metrics *reconcilerMetrics

	cache     *lookupCache
	circuit   *circuitBreaker
	batchSize *atomic.Int64
}

func New(cfg Config, store docstore.Store, logger log.Logger, reg prometheus.Registerer) *Reconciler {
	if cfg.BatchSize <= 0 || cfg.BatchSize > docstore.MaxBatchOps {
		cfg.BatchSize = docstore.MaxBatchOps
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 100
	}
	if cfg.QueryChunkSize <= 0 || cfg.QueryChunkSize > docstore.MaxInValues {
		cfg.QueryChunkSize = docstore.MaxInValues
	}
	if cfg.MaxParallelBatches <= 0 {
		cfg.MaxParallelBatches = 5
	}

	r := &Reconciler{
		cfg:       cfg,
		store:     store,
		logger:    log.With(logger, "component", "reconciler"),
		metrics:   newReconcilerMetrics(reg),
		cache:     newLookupCache(cfg.CacheTTL, cfg.MaxCacheBytes),
		circuit:   newCircuitBreaker(cfg.ErrorThreshold, cfg.CircuitReset),
		batchSize: atomic.NewInt64(int64(cfg.BatchSize)),
	}
	r.metrics.batchSize.Set(float64(cfg.BatchSize))
	return r
}

// Shutdown flushes in-memory state. Called once during graceful shutdown.
func (r *Reconciler) Shutdown() {
	r.cache.flush()
}

// preparedRow is a validated, normalized upsert row.
type preparedRow struct {
	email   string
	status  roster.Status
	eventID string
}

// pendingWrite is one document operation queued for a batch.
type pendingWrite struct {
	path   string
	fields docstore.Fields
	merge  bool
	email  string
	isNew  bool
}

// ProcessUpserts converges the store with the given snapshot rows for one
// organization and epoch. Invalid rows are skipped and counted; duplicate
// emails collapse to their last occurrence. Returns ErrCircuitOpen without
// touching the store when the breaker is open.
func (r *Reconciler) ProcessUpserts(ctx context.Context, orgID string, rows []roster.UpsertRow, epoch int64, sourceTag string) (Result, error) {
	var res Result
	if orgID == "" {
		return res, errors.New("orgID is required")
	}
	if err := r.circuit.allow(); err != nil {
		r.updateCircuitMetric()
		return res, err
	}

	prepared, skipped := prepareRows(rows)
	res.Skipped = skipped
	deduped := dedupLastWins(prepared)
	res.Skipped += len(prepared) - len(deduped)

	if len(deduped) == 0 {
		r.metrics.rowsSkipped.Add(float64(res.Skipped))
		return res, nil
	}

	existing, err := r.resolveExisting(ctx, orgID, deduped)
	if err != nil {
		r.circuit.record(0, int64(len(deduped)))
		r.updateCircuitMetric()
		return res, errors.Wrap(err, "resolving existing employees")
	}

	writes := r.prepareWrites(orgID, deduped, existing, epoch, sourceTag)

	processed, failed := r.commitWrites(ctx, orgID, writes)
	res.Processed = processed
	res.Errors = failed

	r.circuit.record(int64(processed), int64(failed))
	r.updateCircuitMetric()

	r.metrics.rowsProcessed.Add(float64(res.Processed))
	r.metrics.rowsSkipped.Add(float64(res.Skipped))
	r.metrics.rowsFailed.Add(float64(res.Errors))

	level.Info(r.logger).Log("msg", "processed upserts", "org", orgID, "epoch", epoch,
		"processed", res.Processed, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

// prepareRows normalizes and validates raw rows, counting rejects.
func prepareRows(rows []roster.UpsertRow) ([]preparedRow, int) {
	prepared := make([]preparedRow, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		email := roster.NormalizeEmail(row.Email)
		if !roster.ValidEmail(email) {
			skipped++
			continue
		}
		prepared = append(prepared, preparedRow{
			email:   email,
			status:  roster.NormalizeStatus(row.StatusInOrg),
			eventID: row.EventID,
		})
	}
	return prepared, skipped
}

// dedupLastWins walks the input in reverse keeping only the last occurrence
// of each email, preserving last-write-wins while collapsing repeats. The
// returned slice keeps the input's relative order of surviving rows.
func dedupLastWins(rows []preparedRow) []preparedRow {
	seen := make(map[string]struct{}, len(rows))
	out := make([]preparedRow, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if _, ok := seen[rows[i].email]; ok {
			continue
		}
		seen[rows[i].email] = struct{}{}
		out = append(out, rows[i])
	}
	// Restore input order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// resolveExisting maps each email to its document path, consulting the
// cache first and issuing chunked parallel `in` queries for the misses.
func (r *Reconciler) resolveExisting(ctx context.Context, orgID string, rows []preparedRow) (map[string]string, error) {
	start := time.Now()
	defer func() {
		r.metrics.lookupDuration.Observe(time.Since(start).Seconds())
	}()

	resolved := make(map[string]string, len(rows))
	var misses []string
	for _, row := range rows {
		if path, ok := r.cache.get(orgID, row.email); ok {
			resolved[row.email] = path
			r.metrics.cacheHits.Inc()
			continue
		}
		misses = append(misses, row.email)
		r.metrics.cacheMisses.Inc()
	}
	if len(misses) == 0 {
		return resolved, nil
	}

	chunks := chunkStrings(misses, r.cfg.QueryChunkSize)
	var mtx sync.Mutex
	err := concurrency.ForEachJob(ctx, len(chunks), r.cfg.MaxParallelBatches, func(ctx context.Context, idx int) error {
		values := make([]interface{}, len(chunks[idx]))
		for i, email := range chunks[idx] {
			values[i] = email
		}
		docs, err := r.store.Query(roster.EmployeesPath(orgID)).
			Where(roster.FieldEmail, docstore.OpIn, values).
			Documents(ctx)
		if err != nil {
			return err
		}

		mtx.Lock()
		defer mtx.Unlock()
		for _, doc := range docs {
			email := doc.String(roster.FieldEmail)
			resolved[email] = doc.Path
			r.cache.put(orgID, email, doc.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for len(values) > size {
		chunks = append(chunks, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		chunks = append(chunks, values)
	}
	return chunks
}

func (r *Reconciler) prepareWrites(orgID string, rows []preparedRow, existing map[string]string, epoch int64, sourceTag string) []pendingWrite {
	now := time.Now().UTC()
	writes := make([]pendingWrite, 0, len(rows))
	for _, row := range rows {
		fields := docstore.Fields{
			roster.FieldEmail:           row.email,
			roster.FieldStatusInOrg:     string(row.status),
			roster.FieldPresentInLatest: true,
			roster.FieldLastSeenEpoch:   epoch,
			roster.FieldUpdatedAt:       now,
			roster.FieldSource:          sourceTag,
		}
		if row.eventID != "" {
			fields[roster.FieldLastEventID] = row.eventID
		}

		w := pendingWrite{fields: fields, email: row.email}
		if path, ok := existing[row.email]; ok {
			w.path = path
			w.merge = true
		} else {
			w.path = r.store.NewDocPath(roster.EmployeesPath(orgID))
			w.isNew = true
		}
		writes = append(writes, w)
	}
	return writes
}

// commitWrites splits the pending writes into groups of the current batch
// size and commits them in waves of MaxParallelBatches. Each group is
// atomic; groups fail independently. The batch size adapts after each wave
// from the error rate observed so far in this invocation.
func (r *Reconciler) commitWrites(ctx context.Context, orgID string, writes []pendingWrite) (processed, failed int) {
	start := time.Now()
	defer func() {
		r.metrics.writeDuration.Observe(time.Since(start).Seconds())
	}()

	remaining := writes
	for len(remaining) > 0 {
		groups := r.splitWave(remaining)
		flat := 0
		for _, g := range groups {
			flat += len(g)
		}
		remaining = remaining[flat:]

		var okRows, failedRows atomic.Int64
		_ = concurrency.ForEachJob(ctx, len(groups), r.cfg.MaxParallelBatches, func(ctx context.Context, idx int) error {
			group := groups[idx]
			batch := r.store.Batch()
			for _, w := range group {
				batch.Set(w.path, w.fields, w.merge)
			}
			if err := batch.Commit(ctx); err != nil {
				failedRows.Add(int64(len(group)))
				level.Warn(r.logger).Log("msg", "write batch failed", "org", orgID, "rows", len(group), "err", err)
				// Group failures are independent; swallow the error so the
				// remaining groups still commit.
				return nil
			}
			okRows.Add(int64(len(group)))
			for _, w := range group {
				if w.isNew {
					r.cache.put(orgID, w.email, w.path)
				}
			}
			return nil
		})

		processed += int(okRows.Load())
		failed += int(failedRows.Load())
		r.adaptBatchSize(processed, failed)
	}
	return processed, failed
}

// splitWave takes up to MaxParallelBatches groups of the current batch size
// off the front of the pending writes.
func (r *Reconciler) splitWave(writes []pendingWrite) [][]pendingWrite {
	size := int(r.batchSize.Load())
	var groups [][]pendingWrite
	for len(writes) > 0 && len(groups) < r.cfg.MaxParallelBatches {
		n := size
		if n > len(writes) {
			n = len(writes)
		}
		groups = append(groups, writes[:n])
		writes = writes[n:]
	}
	return groups
}

// adaptBatchSize shrinks the write batch size under a high error rate and
// grows it back toward the maximum when writes are healthy. The adapted
// value persists across invocations.
func (r *Reconciler) adaptBatchSize(processed, failed int) {
	total := processed + failed
	if total == 0 {
		return
	}
	rate := float64(failed) / float64(total)
	current := r.batchSize.Load()

	switch {
	case rate > r.cfg.AdaptiveThreshold:
		next := int64(float64(current) * 0.7)
		if next < int64(r.cfg.MinBatchSize) {
			next = int64(r.cfg.MinBatchSize)
		}
		if next != current {
			r.batchSize.Store(next)
			level.Warn(r.logger).Log("msg", "shrinking write batch size", "error_rate", rate, "batch_size", next)
		}
	case rate < 0.05 && current < int64(r.cfg.BatchSize):
		next := int64(float64(current) * 1.2)
		if next > int64(r.cfg.BatchSize) {
			next = int64(r.cfg.BatchSize)
		}
		r.batchSize.Store(next)
		level.Debug(r.logger).Log("msg", "growing write batch size", "batch_size", next)
	}
	r.metrics.batchSize.Set(float64(r.batchSize.Load()))
}

func (r *Reconciler) updateCircuitMetric() {
	r.metrics.circuitState.Set(float64(r.circuit.currentState()))
}

// CircuitState exposes the breaker state for health reporting.
func (r *Reconciler) CircuitState() CircuitState {
	return r.circuit.currentState()
}
