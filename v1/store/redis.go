package store

import (
	"context"
	stdErrors "errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisOpTimeout = 5 * time.Second

var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2])
    return 1
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the timeout applied to every non-blocking Redis call.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.SetNX(cctx, key, value, 0).Result()
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Set(cctx, key, value, 0).Err()
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// CompareAndSwap implements Store.CompareAndSwap with a server-side script so
// the comparison and the write happen atomically.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := casScript.Run(cctx, s.client, []string{key}, old, new).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Del implements Store.Del.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Del(cctx, key).Err()
}

// Exists implements Store.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Incr implements Store.Incr.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Incr(cctx, key).Result()
}

// RPush implements Store.RPush.
func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.RPush(cctx, key, value).Err()
}

// LPop implements Store.LPop.
func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.client.LPop(cctx, key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// blpopSlice caps a single BLPOP round trip so ctx is rechecked between slices.
const blpopSlice = time.Second

// BLPop implements Store.BLPop. The per-operation timeout does not apply here:
// the wait is bounded by timeout and ctx only. A zero timeout waits until ctx
// is done.
func (s *RedisStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		slice := blpopSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", false, nil
			}
			slice = min(slice, remaining)
		}
		secs := strconv.FormatFloat(slice.Seconds(), 'f', -1, 64)
		res, err := s.client.Do(ctx, "blpop", key, secs).StringSlice()
		if stdErrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", false, ctxErr
			}
			return "", false, err
		}
		if len(res) != 2 {
			continue
		}
		return res[1], true, nil
	}
}

// LLen implements Store.LLen.
func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.LLen(cctx, key).Result()
}
