package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditcore/internal/logger"
)

// KafkaBrokerConfig configures the Kafka broker.
type KafkaBrokerConfig struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
}

// KafkaBroker produces and consumes through franz-go. Consumers join a
// consumer group so each message is handled by one auditcore instance.
type KafkaBroker struct {
	cfg      KafkaBrokerConfig
	producer *kgo.Client
}

// NewKafkaBroker creates the producing client. Brokers are contacted lazily.
func NewKafkaBroker(cfg KafkaBrokerConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.ConsumerGroup) == "" {
		cfg.ConsumerGroup = "auditcore"
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "auditcore"
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaBroker{cfg: cfg, producer: producer}, nil
}

func (b *KafkaBroker) Name() string { return "kafka" }

// Publish produces one record and waits for the broker acknowledgement.
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, data []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: data}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Consume joins the consumer group for topics and polls until ctx is done.
func (b *KafkaBroker) Consume(ctx context.Context, topics []string, fn RawHandler) error {
	if len(topics) == 0 {
		<-ctx.Done()
		return nil
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumerGroup(b.cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer consumer.Close()

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			logger.Warnf("kafka fetch error topic=%s partition=%d: %v", topic, partition, err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if err := fn(ctx, r.Topic, r.Value); err != nil {
				logger.Warnf("kafka handler error on %s: %v", r.Topic, err)
			}
		})
	}
}

// Ping checks that at least one broker answers.
func (b *KafkaBroker) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Close flushes and closes the producer.
func (b *KafkaBroker) Close() error {
	b.producer.Close()
	return nil
}
