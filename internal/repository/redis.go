package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"outpost/internal/config"
	"outpost/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	redisQueueKey      = "outpost:queue"
	redisDeadLetterKey = "outpost:deadletter"
)

// NewRedisClient creates a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisStore keeps queue records in a single hash, field id -> record.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ domain.Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: redisQueueKey}
}

func (r *RedisStore) Put(ctx context.Context, id string, data []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.HSet(ctx, r.key, id, data).Err(); err != nil {
		return fmt.Errorf("failed to put record in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from redis: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.HDel(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("failed to delete record from redis: %w", err)
	}
	return nil
}

// ListAll returns records sorted by id. The queue orders by the sequence
// stored inside each record, so hash order does not matter.
func (r *RedisStore) ListAll(ctx context.Context) ([]domain.Record, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records from redis: %w", err)
	}

	out := make([]domain.Record, 0, len(all))
	for id, data := range all {
		out = append(out, domain.Record{ID: id, Data: []byte(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RedisDeadLetter keeps a capped list of operations that ended failed so
// they can be inspected outside the device.
type RedisDeadLetter struct {
	client *redis.Client
	max    int64
}

var _ domain.DeadLetter = (*RedisDeadLetter)(nil)

func NewRedisDeadLetter(client *redis.Client, max int64) *RedisDeadLetter {
	return &RedisDeadLetter{client: client, max: max}
}

func (d *RedisDeadLetter) PushFailed(ctx context.Context, id string, data []byte) error {
	if d.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, redisDeadLetterKey, data)
	if d.max > 0 {
		pipe.LTrim(ctx, redisDeadLetterKey, 0, d.max-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push %s to dead letter: %w", id, err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
