package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"auditcore/internal/logger"
)

// RedisBrokerConfig configures the list-based Redis broker.
type RedisBrokerConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	BlockTimeout time.Duration
}

// RedisBroker publishes with RPUSH and consumes with BLPOP, one list per
// topic. A popped message belongs to exactly one consumer.
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
}

// NewRedisBroker creates a Redis broker.
func NewRedisBroker(cfg RedisBrokerConfig) *RedisBroker {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBrokerWithClient(client, cfg.KeyPrefix, cfg.BlockTimeout)
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, prefix string, blockTimeout time.Duration) *RedisBroker {
	if strings.TrimSpace(prefix) == "" {
		prefix = "auditcore:queue"
	}
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	return &RedisBroker{client: client, prefix: prefix, blockTimeout: blockTimeout}
}

func (b *RedisBroker) Name() string { return "redis" }

func (b *RedisBroker) listKey(topic string) string {
	return b.prefix + ":" + topic
}

// Publish pushes data onto the topic list.
func (b *RedisBroker) Publish(ctx context.Context, topic, _ string, data []byte) error {
	if err := b.client.RPush(ctx, b.listKey(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Consume pops messages from every topic list until ctx is done. Connection
// errors are logged and retried after a short pause.
func (b *RedisBroker) Consume(ctx context.Context, topics []string, fn RawHandler) error {
	if len(topics) == 0 {
		<-ctx.Done()
		return nil
	}
	keys := make([]string, len(topics))
	byKey := make(map[string]string, len(topics))
	for i, t := range topics {
		keys[i] = b.listKey(t)
		byKey[keys[i]] = t
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := b.client.BLPop(ctx, b.blockTimeout, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warnf("redis broker pop error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		if err := fn(ctx, byKey[res[0]], []byte(res[1])); err != nil {
			logger.Warnf("redis broker handler error on %s: %v", byKey[res[0]], err)
		}
	}
}

// Ping checks connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
