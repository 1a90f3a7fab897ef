// Package memory implements working memory: a TTL'd key-value cache of
// encoded routing contexts. Two backends exist behind one interface, an
// in-process map and a Redis client, so a deployment can share contexts
// across replicas without changing callers.
package memory

import (
	"context"
	"time"
)

// Cache is the working-memory contract. Values are opaque encoded bytes;
// callers own the serialization so both backends behave identically.
type Cache interface {
	// Get returns the value and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the value with the given time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ClearExpired sweeps expired entries and returns the number removed.
	// Idempotent; backends with server-side expiry may remove nothing.
	ClearExpired(ctx context.Context) (int, error)

	Close() error
}
