package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"affiliation/internal/platform/config"
)

// Bus owns the producer-side Kafka connection. The connection is established
// lazily on first use and has an explicit Close; it is injected into
// publishers rather than accessed as process-global state.
type Bus struct {
	cfg    config.KafkaConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *kgo.Client
}

// NewBus constructs a Bus. No connection is made until the first publish or
// EnsureTopics call.
func NewBus(cfg config.KafkaConfig, logger *slog.Logger) *Bus {
	return &Bus{cfg: cfg, logger: logger}
}

func (b *Bus) getClient() (*kgo.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	b.client = client
	return b.client, nil
}

// Publish synchronously produces one message. The citizen id is used as the
// record key so all events for a citizen land on one partition in order.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	b.logger.DebugContext(ctx, "published event", "topic", topic, "key", key)
	return nil
}

// EnsureTopics creates the given topics if they do not exist yet. This
// replaces broker-side auto-creation so consumers can subscribe before the
// first publish.
func (b *Bus) EnsureTopics(ctx context.Context, topics ...string) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, res := range resp.Sorted() {
		if res.Err != nil && res.Err != kerr.TopicAlreadyExists {
			return fmt.Errorf("create topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// Close flushes buffered records and tears down the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}
