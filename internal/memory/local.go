package memory

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 1024

type localEntry struct {
	data       []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// Local is the in-process backend: a mutex-guarded map with per-entry
// expiration and approximate-LRU eviction at the size cap.
type Local struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*localEntry
	now        func() time.Time
}

// NewLocal creates a local cache. maxEntries <= 0 means 1024.
func NewLocal(maxEntries int) *Local {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Local{
		maxEntries: maxEntries,
		entries:    make(map[string]*localEntry),
		now:        time.Now,
	}
}

// Get returns the unexpired value for key, bumping its access time.
func (l *Local) Get(ctx context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := l.now()
	if now.After(e.expiresAt) {
		delete(l.entries, key)
		return nil, false, nil
	}
	e.lastAccess = now
	return e.data, true, nil
}

// Set stores the value. When the cap is exceeded the least recently
// accessed entry is evicted.
func (l *Local) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = &localEntry{
		data:       value,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	for len(l.entries) > l.maxEntries {
		l.evictOldestLocked()
	}
	return nil
}

// Delete removes the key.
func (l *Local) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// ClearExpired sweeps every expired entry.
func (l *Local) ClearExpired(ctx context.Context) (int, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		if now.After(e.expiresAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the current entry count, expired entries included until the
// next sweep touches them.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close is a no-op for the local backend.
func (l *Local) Close() error { return nil }

func (l *Local) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, e := range l.entries {
		if first || e.lastAccess.Before(oldest) {
			oldestKey, oldest = key, e.lastAccess
			first = false
		}
	}
	if !first {
		delete(l.entries, oldestKey)
	}
}
