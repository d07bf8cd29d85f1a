package labels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis label store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps labels in one Redis hash per model, field = cluster id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "deepcase:labels"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis label store: %w", err)
	}
	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

func (s *RedisStore) key(modelID string) string {
	return s.prefix + ":" + modelID
}

// Put stores the label of one cluster.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode label: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(rec.ModelID), strconv.Itoa(rec.ClusterID), data)
	pipe.SAdd(ctx, s.prefix+":models", rec.ModelID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put label %s/%d: %w", rec.ModelID, rec.ClusterID, err)
	}
	return nil
}

// List returns all labels of a model ordered by cluster id.
func (s *RedisStore) List(ctx context.Context, modelID string) ([]Record, error) {
	hash, err := s.client.HGetAll(ctx, s.key(modelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list labels of %s: %w", modelID, err)
	}
	out := make([]Record, 0, len(hash))
	for field, raw := range hash {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode label %s/%s: %w", modelID, field, err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
