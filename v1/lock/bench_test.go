package lock_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	"github.com/mirkobrombin/go-keylock/v1/lock"
)

// benchmarkLockUnlock measures an uncontended acquire and release cycle.
func benchmarkLockUnlock(b *testing.B, p adapter.Primitives, opts ...lock.Option) {
	c, err := lock.New(p, opts...)
	if err != nil {
		b.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := c.Lock(ctx, strconv.Itoa(i%64), time.Minute)
		if err != nil {
			b.Fatalf("lock failed: %v", err)
		}
		if err := c.Unlock(ctx, h); err != nil {
			b.Fatalf("unlock failed: %v", err)
		}
	}
}

func BenchmarkMemoryLockUnlock(b *testing.B) {
	benchmarkLockUnlock(b, adapter.NewMemory())
}

func BenchmarkMemoryFairLockUnlock(b *testing.B) {
	benchmarkLockUnlock(b, adapter.NewMemory(), lock.WithFair(true))
}

func BenchmarkRedisLockUnlock(b *testing.B) {
	mr := miniredis.RunT(b)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	benchmarkLockUnlock(b, adapter.NewRedis(client))
}

func BenchmarkMemoryContended(b *testing.B) {
	c, err := lock.New(adapter.NewMemory(), lock.WithBackoff(time.Microsecond, time.Millisecond))
	if err != nil {
		b.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := c.Lock(ctx, "hot", time.Minute)
			if err != nil {
				b.Errorf("lock failed: %v", err)
				return
			}
			if err := c.Unlock(ctx, h); err != nil {
				b.Errorf("unlock failed: %v", err)
				return
			}
		}
	})
}
