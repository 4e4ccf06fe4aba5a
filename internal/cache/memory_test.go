package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderSetGetDel(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}

	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("deleted key should miss, got %v", err)
	}
}

func TestMemoryProviderTTLExpiry(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired key should miss, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	ok, err := p.SetNX(ctx, "lock", []byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: %v %v", ok, err)
	}
	ok, err = p.SetNX(ctx, "lock", []byte("b"), 0)
	if err != nil || ok {
		t.Fatalf("second SetNX must not overwrite: %v %v", ok, err)
	}
	got, _ := p.Get(ctx, "lock")
	if string(got) != "a" {
		t.Fatalf("value overwritten by losing SetNX: %q", got)
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	src := []byte("original")
	_ = p.Set(ctx, "k", src, 0)
	src[0] = 'X'

	got, _ := p.Get(ctx, "k")
	if string(got) != "original" {
		t.Fatalf("stored value must be isolated from caller mutation: %q", got)
	}
}

func TestJSONHelpers(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	type snapshot struct {
		Services []string `json:"services"`
	}
	if err := SetJSON(ctx, p, "snap", snapshot{Services: []string{"a", "b"}}, 0); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var out snapshot
	if err := GetJSON(ctx, p, "snap", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if len(out.Services) != 2 || out.Services[0] != "a" {
		t.Fatalf("round trip wrong: %+v", out)
	}
	if err := GetJSON(ctx, p, "absent", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("missing key should surface ErrCacheMiss, got %v", err)
	}
}
