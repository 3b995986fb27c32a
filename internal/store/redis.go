package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements ConversationStore on Redis. Each session is a single
// string key "{prefix}:conversation:{session}" holding the JSON log.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	Prefix string        // key prefix, default "cantor"
	TTL    time.Duration // 0 = no expiry
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "cantor"
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return NewRedis(client, cfg), nil
}

func (s *RedisStore) key(session string) string {
	return s.prefix + ":conversation:" + session
}

// Get retrieves the stored log for a session.
func (s *RedisStore) Get(ctx context.Context, key string) (domain.ConversationLog, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get conversation: %w", err)
	}

	log, err := decodeLog(data)
	if err != nil {
		return nil, false, err
	}
	return log, true, nil
}

// Put replaces the log for a session.
func (s *RedisStore) Put(ctx context.Context, key string, log domain.ConversationLog) error {
	data, err := encodeLog(log)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set conversation: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ ConversationStore = (*RedisStore)(nil)
