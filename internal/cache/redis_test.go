package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestMenuCache(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	c := NewRedis(client)
	c.InvalidateMenu(ctx)

	if _, ok, err := c.Menu(ctx); err != nil || ok {
		t.Fatalf("expected a miss, got ok=%v err=%v", ok, err)
	}

	if err := c.SetMenu(ctx, []byte(`[{"name":"Mocha"}]`)); err != nil {
		t.Fatalf("SetMenu failed: %v", err)
	}
	data, ok, err := c.Menu(ctx)
	if err != nil || !ok || string(data) != `[{"name":"Mocha"}]` {
		t.Fatalf("unexpected cache hit: %q ok=%v err=%v", data, ok, err)
	}

	ttl := client.TTL(ctx, menuKey).Val()
	if ttl <= 0 || ttl > MenuTTL {
		t.Errorf("unexpected TTL %s", ttl)
	}

	c.InvalidateMenu(ctx)
	if _, ok, _ := c.Menu(ctx); ok {
		t.Error("expected a miss after invalidation")
	}
}

func TestClaimConcurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	c := NewRedis(client)
	c.Release(ctx, "concurrent-claim")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Claim(ctx, "concurrent-claim")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}

	c.Release(ctx, "concurrent-claim")
	if ok, _ := c.Claim(ctx, "concurrent-claim"); !ok {
		t.Error("expected claim to succeed after release")
	}
	c.Release(ctx, "concurrent-claim")
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c Nop
	if _, ok, _ := c.Menu(ctx); ok {
		t.Error("Nop must always miss")
	}
	if ok, _ := c.Claim(ctx, "k"); !ok {
		t.Error("Nop must always grant claims")
	}
	if ok, _ := c.Claim(ctx, "k"); !ok {
		t.Error("Nop must grant repeated claims")
	}
}
