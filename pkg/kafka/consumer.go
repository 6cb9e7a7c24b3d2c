// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises values as JSON; the consumer
// hands out bounded batches and commits offsets only when told to.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Message is a fetched record together with its position in the topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer reads bounded batches from a topic as part of a consumer group.
// Offsets are committed explicitly via Commit.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *slog.Logger
}

// NewConsumer creates a group Consumer for the given topic. A group with no
// committed offset starts from the earliest retained message.
func NewConsumer(cfg config.KafkaConfig, topic string) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        250 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return &Consumer{
		reader: r,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// FetchBatch collects up to max messages, returning early once timeout has
// elapsed. An expired timeout with nothing fetched is not an error.
func (c *Consumer) FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	batch := make([]Message, 0, max)
	for len(batch) < max {
		msg, err := c.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || fetchCtx.Err() != nil {
				break
			}
			return batch, fmt.Errorf("fetching from %s: %w", c.topic, err)
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"value_size", len(msg.Value),
		)
		batch = append(batch, Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Time:      msg.Time,
		})
	}
	return batch, nil
}

// Commit marks every message in msgs as consumed for the group.
func (c *Consumer) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	km := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km = append(km, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset})
	}
	if err := c.reader.CommitMessages(ctx, km...); err != nil {
		return fmt.Errorf("committing %d offsets on %s: %w", len(msgs), c.topic, err)
	}
	return nil
}

// Lag returns the reader's last reported lag.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
