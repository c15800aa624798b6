package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	p, err := OpenPebble("tokens", "chatview:default", vfs.NewMem())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	mr := miniredis.RunT(t)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "default")
	t.Cleanup(func() { _ = r.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"pebble": p,
		"redis":  r,
	}
}

func TestStoreApplyAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, KeyAccessToken); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on empty store, got %v", err)
			}
			if err := s.Apply(ctx, Set(KeyAccessToken, "a1"), Set(KeyRefreshToken, "r1")); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if got, err := s.Get(ctx, KeyRefreshToken); err != nil || got != "r1" {
				t.Fatalf("Get(refresh) = %q, %v", got, err)
			}
			if err := s.Apply(ctx, Set(KeyAccessToken, "a2"), Delete(KeyRefreshToken)); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if got, _ := s.Get(ctx, KeyAccessToken); got != "a2" {
				t.Fatalf("access token not replaced: got %q", got)
			}
			if _, err := s.Get(ctx, KeyRefreshToken); !errors.Is(err, ErrNotFound) {
				t.Fatalf("refresh token should be deleted, got %v", err)
			}
		})
	}
}

func TestStoreTakeDeletesEvenMissingKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			if err := s.Apply(ctx, Set(KeyOAuthState, "nonce")); err != nil {
				t.Fatalf("apply: %v", err)
			}
			got, err := s.Take(ctx, KeyOAuthState, KeyOAuthStateTime)
			if err != nil {
				t.Fatalf("take: %v", err)
			}
			if got[KeyOAuthState] != "nonce" {
				t.Fatalf("take returned %v", got)
			}
			if _, ok := got[KeyOAuthStateTime]; ok {
				t.Fatalf("missing key should be absent from result, got %v", got)
			}
			again, err := s.Take(ctx, KeyOAuthState, KeyOAuthStateTime)
			if err != nil {
				t.Fatalf("second take: %v", err)
			}
			if len(again) != 0 {
				t.Fatalf("second take must find nothing, got %v", again)
			}
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Options{Backend: "sqlite"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := Open(context.Background(), Options{Backend: BackendRedis}); err == nil {
		t.Fatal("expected error for redis without url")
	}
	s, err := Open(context.Background(), Options{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	_ = s.Close()
}

func TestPebbleNamespacesShareOneDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := pebble.Open("shared", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	work := NewPebble(db, "chatview:work")
	home := NewPebble(db, "chatview:home")

	if err := work.Apply(ctx, Set(KeyAccessToken, "work-token")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := home.Get(ctx, KeyAccessToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("home profile sees work slot: %v", err)
	}
	if err := home.Apply(ctx, Set(KeyAccessToken, "home-token")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := work.Get(ctx, KeyAccessToken); got != "work-token" {
		t.Fatalf("work token overwritten: %q", got)
	}
	if got, err := home.Take(ctx, KeyAccessToken); err != nil || got[KeyAccessToken] != "home-token" {
		t.Fatalf("take home = %v, %v", got, err)
	}
	if got, _ := work.Get(ctx, KeyAccessToken); got != "work-token" {
		t.Fatalf("take in one namespace removed the other's slot: %q", got)
	}
}

func TestOpenRedisFromURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	s, err := Open(ctx, Options{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr() + "/0", Namespace: "ops"})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer s.Close()

	if err := s.Apply(ctx, Set(KeyRefreshToken, "r1")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, err := mr.Get("chatview:ops:" + KeyRefreshToken); err != nil || got != "r1" {
		t.Fatalf("raw redis value = %q, %v", got, err)
	}

	mr.Close()
	if _, err := Open(ctx, Options{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr() + "/0"}); err == nil {
		t.Fatal("expected ping failure once redis is gone")
	}
}
