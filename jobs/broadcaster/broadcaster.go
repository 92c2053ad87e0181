// Package broadcaster drains the outbox to the broker. Together with the
// outbox it gives every logged event at-least-once delivery to downstream
// consumers: records are marked SENT before the publish attempt and ACKED
// only after the broker confirms, so a crash at any point replays.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"fenrir/infra/outbox"
)

type Broadcaster struct {
	box      *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	sink     func(payload []byte)
	logger   *zap.Logger
}

// NewProducer builds the broker producer with full-quorum acks.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return sarama.NewSyncProducer(brokers, cfg)
}

func New(box *outbox.Outbox, producer sarama.SyncProducer, topic string, interval time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		box:      box,
		producer: producer,
		topic:    topic,
		interval: interval,
		logger:   logger,
	}
}

// SetLocalSink registers an in-process fanout (the websocket hub) that
// receives each payload alongside the broker publish.
func (b *Broadcaster) SetLocalSink(fn func(payload []byte)) {
	b.sink = fn
}

// Run drains pending records until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishPending()
		}
	}
}

func (b *Broadcaster) publishPending() {
	err := b.box.ScanPending(func(rec outbox.Record) error {
		if err := b.box.MarkSent(rec.Seq); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(instrumentKey(rec.Payload)),
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			b.logger.Warn("event publish failed, will retry",
				zap.Uint64("seq", rec.Seq),
				zap.Error(err))
			return nil // leave SENT, retried next tick
		}

		if b.sink != nil {
			b.sink(rec.Payload)
		}
		return b.box.MarkAcked(rec.Seq)
	})
	if err != nil {
		b.logger.Error("outbox scan failed", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}

// instrumentKey partitions the events topic by instrument so each
// instrument's events stay ordered for consumers.
func instrumentKey(payload []byte) string {
	var probe struct {
		Instrument string `json:"instrument"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.Instrument
}
