package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shamaton/msgpack/v2"
)

// RedisOptions configures the distributed cache backend.
type RedisOptions struct {
	// Address of the Redis server, host:port.
	Address string
	// Password, empty when the server has none set.
	Password string
	// DB index to use.
	DB int
	// TTL applied to every entry. Zero means no expiry.
	TTL time.Duration
	// Prefix namespaces this server's keys inside a shared Redis.
	Prefix string
	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
}

// DefaultRedisOptions returns options for a local unauthenticated
// server with a one-hour TTL.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{Address: "localhost:6379", TTL: time.Hour, Prefix: "tessella:"}
}

// Redis is a Store backed by a Redis server. Entries are msgpack
// encoded. Safe for concurrent use; the underlying client pools
// connections.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects to the server described by opts and pings it.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Address,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache unreachable: %w", err)
	}
	return &Redis{client: client, ttl: opts.TTL, prefix: opts.Prefix}, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is a miss; the caller will reload and
		// overwrite it.
		return nil, nil
	}
	return &e, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, e Entry) error {
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// DeleteAll implements Store.
func (r *Redis) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Clear implements Store. Only keys under this server's prefix are
// dropped; the Redis may be shared.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close(context.Context) error { return r.client.Close() }
