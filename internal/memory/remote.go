package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is the Redis backend. Expiry is server-side, so ClearExpired has
// nothing to do.
type Remote struct {
	client *redis.Client
	prefix string
}

// NewRemote connects a Redis-backed cache. prefix namespaces the keys,
// "" means "hopper:wm:".
func NewRemote(addr, password string, db int, prefix string) (*Remote, error) {
	if prefix == "" {
		prefix = "hopper:wm:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Remote{client: client, prefix: prefix}, nil
}

func (r *Remote) key(k string) string { return r.prefix + k }

// Get returns the value for key, a miss when Redis has expired it.
func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Set stores the value with a server-side TTL.
func (r *Remote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the key.
func (r *Remote) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ClearExpired is a no-op; Redis expires keys itself.
func (r *Remote) ClearExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close releases the client connection pool.
func (r *Remote) Close() error {
	return r.client.Close()
}
