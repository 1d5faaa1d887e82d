package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"affiliation/internal/platform/config"
)

// Message is the broker-agnostic view handlers receive.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
}

// Handler processes one message. Returning nil acknowledges the message
// (its offset is committed). Returning an error signals a transient failure:
// the runtime retries with backoff and, if the error persists, stops the poll
// loop without committing so the broker redelivers after restart. Handlers
// must route permanently unprocessable messages to a dead-letter topic
// themselves and return nil.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

const (
	maxHandleAttempts = 3
	baseBackoff       = 250 * time.Millisecond
)

// Consumer drives a Kafka consumer group over a set of topics with manual
// offset commits. One Consumer runs one poll loop; run several instances
// (or several processes) for parallelism; per-citizen ordering is preserved
// by partition keying, and handlers are idempotent under redelivery.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

// New joins the consumer group for the given topics. Offsets are committed
// per record after its handler succeeds.
func New(cfg config.KafkaConfig, topics []string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger}, nil
}

// Run polls until ctx is cancelled or a message cannot be processed.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.Canceled) {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", fetchErr.Topic,
				"partition", fetchErr.Partition,
				"error", fetchErr.Err,
			)
		}

		var failed error
		fetches.EachRecord(func(record *kgo.Record) {
			if failed != nil {
				return
			}
			if err := c.process(ctx, record); err != nil {
				failed = err
				return
			}
			if err := c.client.CommitRecords(ctx, record); err != nil {
				failed = fmt.Errorf("commit %s offset %d: %w", record.Topic, record.Offset, err)
			}
		})
		c.client.AllowRebalance()
		if failed != nil {
			// Leave the offset uncommitted; the group redelivers from here.
			return failed
		}
	}
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	msg := &Message{
		Topic:     record.Topic,
		Key:       record.Key,
		Value:     record.Value,
		Partition: record.Partition,
		Offset:    record.Offset,
	}

	var err error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		err = c.handler.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WarnContext(ctx, "handler failed, backing off",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(baseBackoff << (attempt - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("handle %s offset %d: %w", msg.Topic, msg.Offset, err)
}
