// SPDX-License-Identifier: AGPL-3.0-only

// Package bridge consumes roster events from Kafka, groups upsert rows into
// size- and age-bounded batches per (org, event), and delivers them to the
// reconciler over HTTP with idempotent retry.
package bridge

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

// KafkaConfig configures the event-source connection.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	TopicUpserts string
	TopicDeltas  string
	// Concurrency is the number of partitions processed in parallel per
	// poll. Records within a partition are always handled in order.
	Concurrency int
}

// upsertEvent is the wire shape of a snapshot message. Rows stays raw until
// after the envelope is validated, so a non-array value is caught and
// skipped instead of failing the whole decode.
type upsertEvent struct {
	OrgID   string              `json:"orgId"`
	EventID string              `json:"eventId"`
	Rows    jsoniter.RawMessage `json:"rows"`
}

// deltaEvent is the wire shape of a status-change message.
type deltaEvent struct {
	OrgID string `json:"orgId"`
	roster.Delta
}

// DeltaSender forwards deltas downstream one at a time.
type DeltaSender interface {
	SendDelta(ctx context.Context, orgID string, delta roster.Delta) error
}

// Consumer reads the upsert and delta topics and routes records to the
// batcher and the delta sender. Malformed records are logged and skipped;
// the consumer never crashes or stalls on bad input.
type Consumer struct {
	services.Service

	client  *kgo.Client
	cfg     KafkaConfig
	batcher *Batcher
	deltas  DeltaSender
	logger  log.Logger
	metrics *bridgeMetrics
}

func newConsumer(cfg KafkaConfig, batcher *Batcher, deltas DeltaSender, logger log.Logger, metrics *bridgeMetrics, reg prometheus.Registerer) (*Consumer, error) {
	kafkaMetrics := kprom.NewMetrics("roster_bridge_kafka", kprom.Registerer(reg))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.TopicUpserts, cfg.TopicDeltas),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kafkaMetrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	c := &Consumer{
		client:  client,
		cfg:     cfg,
		batcher: batcher,
		deltas:  deltas,
		logger:  log.With(logger, "component", "bridge-consumer"),
		metrics: metrics,
	}
	c.Service = services.NewBasicService(nil, c.run, c.stopping)
	return c, nil
}

func (c *Consumer) run(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "consumer started",
		"group", c.cfg.GroupID, "upserts_topic", c.cfg.TopicUpserts, "deltas_topic", c.cfg.TopicDeltas)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			level.Error(c.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
		})

		var partitions []kgo.FetchTopicPartition
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			partitions = append(partitions, p)
		})
		// Partitions are independent; process up to Concurrency of them in
		// parallel while keeping each partition's records in order.
		_ = concurrency.ForEachJob(ctx, len(partitions), c.concurrency(), func(ctx context.Context, idx int) error {
			for _, record := range partitions[idx].Records {
				c.metrics.recordsConsumed.WithLabelValues(record.Topic).Inc()
				switch record.Topic {
				case c.cfg.TopicUpserts:
					c.handleUpsert(ctx, record)
				case c.cfg.TopicDeltas:
					c.handleDelta(ctx, record)
				}
			}
			return nil
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			level.Error(c.logger).Log("msg", "committing offsets", "err", err)
		}
	}
}

func (c *Consumer) stopping(_ error) error {
	c.client.Close()
	return nil
}

func (c *Consumer) concurrency() int {
	if c.cfg.Concurrency > 0 {
		return c.cfg.Concurrency
	}
	return 1
}

func (c *Consumer) handleUpsert(ctx context.Context, record *kgo.Record) {
	var event upsertEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		c.skip("malformed_json", record, err)
		return
	}
	if event.OrgID == "" || event.EventID == "" {
		c.skip("missing_fields", record, nil)
		return
	}

	var rows []roster.UpsertRow
	if err := json.Unmarshal(event.Rows, &rows); err != nil {
		c.skip("rows_not_array", record, err)
		return
	}
	if len(rows) == 0 {
		c.skip("empty_rows", record, nil)
		return
	}

	c.batcher.Add(ctx, event.OrgID, event.EventID, rows)
}

func (c *Consumer) handleDelta(ctx context.Context, record *kgo.Record) {
	var event deltaEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		c.skip("malformed_json", record, err)
		return
	}
	if event.OrgID == "" || event.Email == "" || event.DeltaType == "" {
		c.skip("missing_fields", record, nil)
		return
	}

	event.Email = roster.NormalizeEmail(event.Email)
	// Deltas go downstream one at a time so per-key ordering within the
	// partition is preserved. Failures are absorbed, consumption continues.
	if err := c.deltas.SendDelta(ctx, event.OrgID, event.Delta); err != nil {
		level.Error(c.logger).Log("msg", "dropping delta after failed delivery",
			"org", event.OrgID, "delta_type", event.DeltaType, "err", err)
	}
}

func (c *Consumer) skip(reason string, record *kgo.Record, err error) {
	c.metrics.recordsSkipped.WithLabelValues(reason).Inc()
	level.Warn(c.logger).Log("msg", "skipping record", "reason", reason,
		"topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "err", err)
}
