package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is a process-local TTL cache. It is the default backend when
// no Valkey address is configured; expired entries are dropped lazily on read
// and swept on write when the map grows.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider constructs an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: make(map[string]memoryEntry)}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Get returns the stored bytes or ErrCacheMiss when absent or expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a copy of value; ttl <= 0 means no expiry.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	p.mu.Lock()
	if len(p.entries) > 1024 {
		p.sweepLocked()
	}
	p.entries[key] = entry
	p.mu.Unlock()
	return nil
}

// SetNX stores the value only when the key is absent or expired.
func (p *MemoryProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	existing, ok := p.entries[key]
	if ok && !existing.expired(time.Now()) {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()
	return true, p.Set(ctx, key, value, ttl)
}

// Del removes a key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
	return nil
}

// Close releases the map.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	p.entries = make(map[string]memoryEntry)
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) sweepLocked() {
	now := time.Now()
	for key, entry := range p.entries {
		if entry.expired(now) {
			delete(p.entries, key)
		}
	}
}
