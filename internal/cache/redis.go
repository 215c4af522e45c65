// Package cache holds the Redis-backed menu cache and order idempotency
// keys.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	menuKey              = "menu:public"
	idempotencyKeyPrefix = "order:idempotency:"
	MenuTTL              = 60 * time.Second
	IdempotencyKeyTTL    = 24 * time.Hour
)

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Menu returns the cached public menu, or ok=false on a miss.
func (r *Redis) Menu(ctx context.Context) (data []byte, ok bool, err error) {
	data, err = r.client.Get(ctx, menuKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *Redis) SetMenu(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, menuKey, data, MenuTTL).Err()
}

func (r *Redis) InvalidateMenu(ctx context.Context) error {
	return r.client.Del(ctx, menuKey).Err()
}

// Claim records key and reports whether this call was the first to do so
// within IdempotencyKeyTTL.
func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, IdempotencyKeyTTL).Result()
}

// Release forgets key so a failed request can be retried with it.
func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Nop is used when Redis is not configured: every lookup misses and every
// key claim succeeds.
type Nop struct{}

func (Nop) Menu(ctx context.Context) ([]byte, bool, error)      { return nil, false, nil }
func (Nop) SetMenu(ctx context.Context, data []byte) error      { return nil }
func (Nop) InvalidateMenu(ctx context.Context) error            { return nil }
func (Nop) Claim(ctx context.Context, key string) (bool, error) { return true, nil }
func (Nop) Release(ctx context.Context, key string) error       { return nil }
func (Nop) Ping(ctx context.Context) error                      { return nil }
