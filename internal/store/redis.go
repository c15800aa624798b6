package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis shares slots between console instances. Keys live under
// chatview:<namespace>:.
type Redis struct {
	client    *redis.Client
	namespace string
}

func OpenRedis(ctx context.Context, redisURL, namespace string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, namespace), nil
}

func NewRedis(client *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "default"
	}
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("chatview:%s:%s", r.namespace, k)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *Redis) Apply(ctx context.Context, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range changes {
			if c.Delete {
				pipe.Del(ctx, r.key(c.Key))
				continue
			}
			pipe.Set(ctx, r.key(c.Key), c.Value, 0)
		}
		return nil
	})
	return err
}

func (r *Redis) Take(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	var values *redis.SliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.MGet(ctx, full...)
		pipe.Del(ctx, full...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range values.Val() {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
