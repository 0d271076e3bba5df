package history

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comigor/jarvis-chat/internal/config"
)

// RedisStore keeps each history as a JSON value under chat:<id>. Expiry is native:
// SET ... EX writes the value and its TTL in one command.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

var _ Store = (*RedisStore)(nil)

// OpenRedis creates a client for cfg. The connection is established lazily, so an
// unreachable server surfaces as ErrStore on the first Load or Save.
func OpenRedis(cfg config.RedisConfig, opts ...Option) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStore(client, opts...)
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

// Load returns the history stored for id; redis.Nil means absent.
func (s *RedisStore) Load(ctx context.Context, id string) (History, bool, error) {
	data, err := s.client.Get(ctx, Key(s.opts.prefix, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, storeError("get", err)
	}

	h, err := decode(data)
	if err != nil {
		return nil, false, storeError("decode", err)
	}
	return h, true, nil
}

// Save sets the value and its expiry atomically.
func (s *RedisStore) Save(ctx context.Context, id string, h History, ttl time.Duration) error {
	data, err := encode(h)
	if err != nil {
		return storeError("encode", err)
	}
	if err := s.client.Set(ctx, Key(s.opts.prefix, id), data, ttl).Err(); err != nil {
		return storeError("set", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
