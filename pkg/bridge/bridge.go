// SPDX-License-Identifier: AGPL-3.0-only

package bridge

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Bridge wires the consumer, batcher and sender together around a shared
// metrics set. Start the Batcher before the Consumer and stop them in the
// reverse order so the shutdown flush still has a working sender path.
type Bridge struct {
	Consumer *Consumer
	Batcher  *Batcher
	Sender   *Sender
}

func New(kafka KafkaConfig, batcher BatcherConfig, sender SenderConfig, logger log.Logger, reg prometheus.Registerer) (*Bridge, error) {
	metrics := newBridgeMetrics(reg)

	snd := newSender(sender, logger, metrics)
	bat := newBatcher(batcher, snd, logger, metrics)
	con, err := newConsumer(kafka, bat, snd, logger, metrics, reg)
	if err != nil {
		return nil, err
	}

	return &Bridge{Consumer: con, Batcher: bat, Sender: snd}, nil
}
