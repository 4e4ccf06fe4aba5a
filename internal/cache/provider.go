package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider is the cache surface the context managers depend on. Both the
// knowledge and infra managers store serialized snapshots behind it.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found or has expired.
var ErrCacheMiss = errors.New("cache miss")

// GetJSON fetches a key and decodes it into out.
func GetJSON(ctx context.Context, p Provider, key string, out interface{}) error {
	data, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SetJSON encodes the value and stores it with the given TTL.
func SetJSON(ctx context.Context, p Provider, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, data, ttl)
}

// NoopProvider never stores anything. Used when caching is disabled.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}
func (NoopProvider) Del(context.Context, string) error { return nil }
func (NoopProvider) Close() error                      { return nil }
