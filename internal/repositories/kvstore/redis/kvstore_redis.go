package redis

import (
	"context"
	"errors"
	"time"

	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
	"github.com/redis/go-redis/v9"
)

// Store is a kvstore.Store shared by every instance of the service.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Ensure interface compliance
var _ kvstore.Store = (*Store)(nil)

// NewStore connects to redisURL (for example redis://:pass@host:6379/0).
// If prefix is empty "quickcheck:" is used.
func NewStore(ctx context.Context, redisURL, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = "quickcheck:"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Fail fast at startup.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &Store{rdb: rdb, prefix: prefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(key), value, ttl).Err()
}

// Pull uses GETDEL, which Redis executes atomically.
func (s *Store) Pull(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// Health pings the server.
func (s *Store) Health(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Close() error { return s.rdb.Close() }
