package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every Redis round trip.
const opTimeout = 2 * time.Second

// keyPrefix namespaces our entries in a shared Redis.
const keyPrefix = "knowledge:"

// Redis is the distributed cache backend. Same contract as Memory; the
// only observable difference is cross-process visibility.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given URL (redis://...) and pings once.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = opTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Del(ctx, keyPrefix+key).Err()
}

// Refresh clears the namespace and writes the new entries in one
// pipeline. Not atomic across processes; the window is acceptable for a
// read-through cache.
func (r *Redis) Refresh(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var stale []string
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	for k, v := range entries {
		pipe.Set(ctx, keyPrefix+k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Close() error { return r.client.Close() }
