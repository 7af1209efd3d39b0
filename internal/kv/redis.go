package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a direct Redis connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient opens a client; the connection is established lazily on first command.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: redis address required", ErrNotConfigured)
	}
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// RedisStore keeps values as JSON strings and counters as native Redis integers.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Get fetches the value at key.
func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	stored, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return normalizeStored(stored), nil
}

// Set overwrites the value at key with no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if s.client == nil {
		return ErrNotConfigured
	}
	if err := s.client.Set(ctx, key, []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// Incr atomically increments the integer at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if s.client == nil {
		return 0, ErrNotConfigured
	}
	value, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		if isNotIntegerReply(err) {
			return 0, fmt.Errorf("%w: %v", ErrNotInteger, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return value, nil
}

// isNotIntegerReply matches the server's INCR error reply. Redis reports it as a generic ERR,
// so the reply text is the only thing that tells it apart.
func isNotIntegerReply(err error) bool {
	var reply redis.Error
	if !errors.As(err, &reply) {
		return false
	}
	return strings.Contains(reply.Error(), "not an integer")
}
