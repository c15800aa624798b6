// Package store persists the console's client-side session slots: the token
// pair, the derived identity and the OAuth state nonce.
//
// Every backend applies a group of changes atomically so a token pair is
// never observed half-written, and Take reads and deletes keys in one step
// so a nonce can only ever be consumed once.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Slot keys.
const (
	KeyAccessToken    = "access_token"
	KeyRefreshToken   = "refresh_token"
	KeyUser           = "auth_user"
	KeyOAuthState     = "oauth_state"
	KeyOAuthStateTime = "oauth_state_timestamp"
)

// AllKeys lists every slot cleared on sign-out.
var AllKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyOAuthState, KeyOAuthStateTime}

var ErrNotFound = errors.New("store: key not found")

// Change is one write in an atomic group.
type Change struct {
	Key    string
	Value  string
	Delete bool
}

func Set(key, value string) Change { return Change{Key: key, Value: value} }

func Delete(key string) Change { return Change{Key: key, Delete: true} }

// DeleteAll returns delete changes for keys.
func DeleteAll(keys ...string) []Change {
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		out = append(out, Delete(k))
	}
	return out
}

type Store interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (string, error)
	// Apply writes all changes or none.
	Apply(ctx context.Context, changes ...Change) error
	// Take returns the present keys and deletes all of keys atomically.
	Take(ctx context.Context, keys ...string) (map[string]string, error)
	Close() error
}

const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Options struct {
	Backend string
	// Path is the pebble directory.
	Path string
	// RedisURL selects the redis database.
	RedisURL string
	// Namespace prefixes keys in the pebble and redis backends.
	Namespace string
}

// Open returns the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendPebble:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("pebble store requires a path")
		}
		return OpenPebble(opts.Path, opts.Namespace, nil)
	case BackendRedis:
		if strings.TrimSpace(opts.RedisURL) == "" {
			return nil, errors.New("redis store requires redis_url; run: chatview config set redis_url redis://host:6379/0")
		}
		return OpenRedis(ctx, opts.RedisURL, opts.Namespace)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q, expected pebble|redis|memory", opts.Backend)
	}
}
