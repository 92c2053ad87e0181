package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"fenrir/domain/match"
)

// CommandHandler applies one inbound command. Returning an error the handler
// considers final (validation, not-found) still commits the message; only
// retryable failures leave it uncommitted for redelivery.
type CommandHandler func(ctx context.Context, cmd match.Command) (final bool, err error)

// Consumer reads command messages from the inbox topic and feeds the
// dispatcher. Delivery is at-least-once; deduplication by client order id is
// the dispatcher's responsibility, not the transport's.
type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		logger: logger,
	}
}

// Run consumes until ctx is cancelled. FetchMessage advances the group
// cursor whether or not the message is committed, so a command that cannot
// be applied yet is retried in place; fetching past it would let a later
// commit silently skip it.
func (c *Consumer) Run(ctx context.Context, handle CommandHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var cmd match.Command
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			// Malformed payloads never become applicable; drop them.
			c.logger.Error("discarding malformed command",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}

		if err := applyCommand(ctx, c.logger, handle, cmd, time.Second); err != nil {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// applyCommand drives one command to a settled outcome. Retryable failures
// (a halted instrument, a storage fault) back off and retry the same
// command; only ctx ending stops the loop, and then the offset stays
// uncommitted for redelivery to the next group member.
func applyCommand(ctx context.Context, logger *zap.Logger, handle CommandHandler, cmd match.Command, backoff time.Duration) error {
	for {
		final, err := handle(ctx, cmd)
		if err == nil {
			return nil
		}
		if final {
			logger.Warn("command rejected",
				zap.Error(err),
				zap.String("instrument", cmd.Instrument),
				zap.String("client_order_id", cmd.ClientOrderID))
			return nil
		}

		logger.Error("command not applied, retrying",
			zap.Error(err),
			zap.String("instrument", cmd.Instrument),
			zap.String("client_order_id", cmd.ClientOrderID))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
