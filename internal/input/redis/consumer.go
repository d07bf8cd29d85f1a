package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
	BatchSize    int
}

// Consumer reads messages from a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	batchSize    int
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
		batchSize:    cfg.BatchSize,
	}, nil
}

// Pop waits up to the block timeout for one message. It returns nil without
// error when the list stayed empty.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Drain waits for the first message like Pop, then pops the backlog in
// batches until the list is empty or limit messages were read. A limit of
// zero or less reads everything.
func (c *Consumer) Drain(ctx context.Context, limit int) ([][]byte, error) {
	first, err := c.Pop(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", c.key, err)
	}
	if first == nil {
		return nil, nil
	}
	out := [][]byte{first}
	for limit <= 0 || len(out) < limit {
		n := c.batchSize
		if limit > 0 {
			n = min(n, limit-len(out))
		}
		res, err := c.client.LPopCount(ctx, c.key, n).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("drain %s: %w", c.key, err)
		}
		for _, msg := range res {
			out = append(out, []byte(msg))
		}
		if len(res) < n {
			break
		}
	}
	return out, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
