// SPDX-License-Identifier: AGPL-3.0-only

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

// UpsertSender is the downstream the batcher flushes to.
type UpsertSender interface {
	SendUpserts(ctx context.Context, orgID, eventID string, rows []roster.UpsertRow) error
}

// BatcherConfig bounds batch growth by row count and wall-clock age.
type BatcherConfig struct {
	MaxRows int
	MaxAge  time.Duration
}

type batchKey struct {
	orgID   string
	eventID string
}

type pendingBatch struct {
	rows      []roster.UpsertRow
	createdAt time.Time
}

// Batcher groups upsert rows by (org, event) and flushes each batch when it
// reaches MaxRows or its age reaches MaxAge. A batch never mixes events, so
// the receiving side can apply event-level idempotency.
//
// The batch map is mutated from the consumer goroutine and the sweep timer,
// so all access goes through the mutex.
type Batcher struct {
	services.Service

	cfg     BatcherConfig
	sender  UpsertSender
	logger  log.Logger
	metrics *bridgeMetrics

	batchesMtx sync.Mutex
	batches    map[batchKey]*pendingBatch

	now func() time.Time
}

func newBatcher(cfg BatcherConfig, sender UpsertSender, logger log.Logger, metrics *bridgeMetrics) *Batcher {
	b := &Batcher{
		cfg:     cfg,
		sender:  sender,
		logger:  log.With(logger, "component", "bridge-batcher"),
		metrics: metrics,
		batches: map[batchKey]*pendingBatch{},
		now:     time.Now,
	}
	b.Service = services.NewTimerService(cfg.MaxAge, nil, b.sweep, b.stopping)
	return b
}

// Add merges rows into the batch for (orgID, eventID), normalizing emails,
// and flushes synchronously when the batch reaches the row bound.
func (b *Batcher) Add(ctx context.Context, orgID, eventID string, rows []roster.UpsertRow) {
	if len(rows) == 0 {
		return
	}
	for i := range rows {
		rows[i].Email = roster.NormalizeEmail(rows[i].Email)
	}

	b.batchesMtx.Lock()
	key := batchKey{orgID: orgID, eventID: eventID}
	batch, ok := b.batches[key]
	if !ok {
		batch = &pendingBatch{createdAt: b.now()}
		b.batches[key] = batch
	}
	batch.rows = append(batch.rows, rows...)
	b.metrics.rowsBatched.Add(float64(len(rows)))

	var flush *pendingBatch
	if len(batch.rows) >= b.cfg.MaxRows {
		flush = batch
		delete(b.batches, key)
	}
	b.batchesMtx.Unlock()

	if flush != nil {
		b.flush(ctx, key, flush, "size")
	}
}

// sweep is the periodic age check; it runs every MaxAge.
func (b *Batcher) sweep(ctx context.Context) error {
	b.flushWhere(ctx, "age", func(batch *pendingBatch) bool {
		return b.now().Sub(batch.createdAt) >= b.cfg.MaxAge
	})
	return nil
}

// stopping flushes every remaining batch regardless of age. Sends use the
// normal retry policy; shutdown waits for them.
func (b *Batcher) stopping(_ error) error {
	b.flushWhere(context.Background(), "shutdown", func(*pendingBatch) bool { return true })
	return nil
}

func (b *Batcher) flushWhere(ctx context.Context, trigger string, pred func(*pendingBatch) bool) {
	b.batchesMtx.Lock()
	due := map[batchKey]*pendingBatch{}
	for key, batch := range b.batches {
		if pred(batch) {
			due[key] = batch
			delete(b.batches, key)
		}
	}
	b.batchesMtx.Unlock()

	for key, batch := range due {
		b.flush(ctx, key, batch, trigger)
	}
}

// flush delivers one batch. Send errors are absorbed here: the bridge never
// propagates delivery failures back to the broker, so consumption keeps
// progressing and exhausted batches are dropped with a structured log.
func (b *Batcher) flush(ctx context.Context, key batchKey, batch *pendingBatch, trigger string) {
	b.metrics.batchesFlushed.WithLabelValues(trigger).Inc()
	b.metrics.batchAge.Observe(b.now().Sub(batch.createdAt).Seconds())

	if err := b.sender.SendUpserts(ctx, key.orgID, key.eventID, batch.rows); err != nil {
		level.Error(b.logger).Log("msg", "dropping batch after failed delivery",
			"org", key.orgID, "event", key.eventID, "rows", len(batch.rows), "trigger", trigger, "err", err)
		return
	}
	level.Debug(b.logger).Log("msg", "flushed batch",
		"org", key.orgID, "event", key.eventID, "rows", len(batch.rows), "trigger", trigger)
}

// pendingRows returns the number of rows currently buffered. Test helper.
func (b *Batcher) pendingRows() int {
	b.batchesMtx.Lock()
	defer b.batchesMtx.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch.rows)
	}
	return n
}
