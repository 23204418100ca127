package repository

import (
	"context"
	"fmt"
	"testing"

	"outpost/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	t.Cleanup(func() { Close(client) })
	return s, client
}

func TestRedisStore(t *testing.T) {
	s, client := newMiniRedis(t)
	require.NoError(t, Ping(context.Background(), client))

	storeContract(t, NewRedisStore(client))
	assert.True(t, s.Exists(redisQueueKey))
}

func TestRedisStore_ServerDown(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedisStore(client)
	s.Close()

	err = store.Put(context.Background(), "msg-1", []byte("{}"))
	assert.Error(t, err)
	_, err = store.ListAll(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_NilClient(t *testing.T) {
	store := NewRedisStore(nil)
	assert.Error(t, store.Put(context.Background(), "x", nil))
	_, err := store.Get(context.Background(), "x")
	assert.Error(t, err)
}

func TestRedisDeadLetter(t *testing.T) {
	s, client := newMiniRedis(t)
	dl := NewRedisDeadLetter(client, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, dl.PushFailed(ctx, fmt.Sprintf("op-%d", i), []byte(fmt.Sprintf(`{"id":"op-%d"}`, i))))
	}

	items, err := s.List(redisDeadLetterKey)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, `{"id":"op-4"}`, items[0])
}
