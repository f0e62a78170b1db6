// SPDX-License-Identifier: AGPL-3.0-only

package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

type captureDeltaSender struct {
	mtx    sync.Mutex
	deltas []roster.Delta
}

func (s *captureDeltaSender) SendDelta(_ context.Context, _ string, delta roster.Delta) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.deltas = append(s.deltas, delta)
	return nil
}

func newTestConsumer(t *testing.T) (*Consumer, *captureSender, *captureDeltaSender) {
	t.Helper()

	metrics := newBridgeMetrics(prometheus.NewPedanticRegistry())
	upserts := &captureSender{}
	deltas := &captureDeltaSender{}
	batcher := newBatcher(BatcherConfig{MaxRows: 5, MaxAge: time.Hour}, upserts, log.NewNopLogger(), metrics)

	return &Consumer{
		cfg:     KafkaConfig{TopicUpserts: "roster.upserts", TopicDeltas: "roster.deltas"},
		batcher: batcher,
		deltas:  deltas,
		logger:  log.NewNopLogger(),
		metrics: metrics,
	}, upserts, deltas
}

func upsertRecord(value string) *kgo.Record {
	return &kgo.Record{Topic: "roster.upserts", Value: []byte(value)}
}

func deltaRecord(value string) *kgo.Record {
	return &kgo.Record{Topic: "roster.deltas", Value: []byte(value)}
}

func TestConsumerHandleUpsert(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestConsumer(t)

	c.handleUpsert(ctx, upsertRecord(`{
		"orgId": "acme", "eventId": "ev-1",
		"rows": [{"email": "Alice@X.com", "statusInOrg": "active"}]
	}`))
	assert.Equal(t, 1, c.batcher.pendingRows())
}

func TestConsumerSkipsBadUpserts(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestConsumer(t)

	// Each of these must be skipped without crashing the consumer.
	c.handleUpsert(ctx, upsertRecord(`not json at all`))
	c.handleUpsert(ctx, upsertRecord(`{"eventId": "ev-1", "rows": []}`))
	c.handleUpsert(ctx, upsertRecord(`{"orgId": "acme", "rows": []}`))
	c.handleUpsert(ctx, upsertRecord(`{"orgId": "acme", "eventId": "ev-1", "rows": "not-an-array"}`))
	c.handleUpsert(ctx, upsertRecord(`{"orgId": "acme", "eventId": "ev-1", "rows": []}`))

	assert.Zero(t, c.batcher.pendingRows())
}

func TestConsumerHandleDelta(t *testing.T) {
	ctx := context.Background()
	c, _, deltas := newTestConsumer(t)

	c.handleDelta(ctx, deltaRecord(`{"orgId": "acme", "email": "Bob@X.com", "deltaType": "left", "eventId": "d-1"}`))

	require.Len(t, deltas.deltas, 1)
	assert.Equal(t, roster.Delta{Email: "bob@x.com", DeltaType: roster.DeltaLeft, EventID: "d-1"}, deltas.deltas[0])
}

func TestConsumerSkipsBadDeltas(t *testing.T) {
	ctx := context.Background()
	c, _, deltas := newTestConsumer(t)

	c.handleDelta(ctx, deltaRecord(`{{`))
	c.handleDelta(ctx, deltaRecord(`{"email": "a@x.com", "deltaType": "left"}`))
	c.handleDelta(ctx, deltaRecord(`{"orgId": "acme", "deltaType": "left"}`))
	c.handleDelta(ctx, deltaRecord(`{"orgId": "acme", "email": "a@x.com"}`))

	assert.Empty(t, deltas.deltas)
}

func TestConsumerDeltasPreserveOrder(t *testing.T) {
	ctx := context.Background()
	c, _, deltas := newTestConsumer(t)

	c.handleDelta(ctx, deltaRecord(`{"orgId": "acme", "email": "a@x.com", "deltaType": "left"}`))
	c.handleDelta(ctx, deltaRecord(`{"orgId": "acme", "email": "a@x.com", "deltaType": "reactivated"}`))

	require.Len(t, deltas.deltas, 2)
	assert.Equal(t, roster.DeltaLeft, deltas.deltas[0].DeltaType)
	assert.Equal(t, roster.DeltaReactivated, deltas.deltas[1].DeltaType)
}
