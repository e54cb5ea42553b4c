package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

const redisKeyPrefix = "vanna:cache:"

// RedisStore keeps each cache record in a Redis hash with one entry per
// field. Expiry uses the key TTL, refreshed on every write.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ cache.Store = (*RedisStore)(nil)

// OpenRedis connects to url and verifies connectivity. A zero ttl keeps
// records until deleted.
func OpenRedis(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Write(ctx context.Context, id string, field cache.Field, value []byte) error {
	if err := cache.ValidateKey(id, field); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(id), string(field), value)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(id), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("writing "+string(field), err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, id string) (cache.Record, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return cache.Record{}, unavailable("reading record", err)
	}
	fields := make(map[cache.Field][]byte, len(m))
	for name, v := range m {
		if f := cache.Field(name); f.Valid() {
			fields[f] = []byte(v)
		}
	}
	if len(fields) == 0 {
		return cache.Record{}, cache.ErrRecordNotFound
	}
	return cache.NewRecord(id, fields), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return unavailable("deleting record", err)
	}
	return nil
}
