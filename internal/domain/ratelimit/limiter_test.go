package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func limiters(t *testing.T, classes map[Class]Bucket) map[string]Limiter {
	t.Helper()

	memory, err := New(Config{Driver: DriverMemory, Classes: classes}, Dependencies{})
	if err != nil {
		t.Fatalf("memory limiter: %v", err)
	}

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisLimiter, err := New(Config{Driver: DriverRedis, Classes: classes}, Dependencies{Redis: client})
	if err != nil {
		t.Fatalf("redis limiter: %v", err)
	}

	return map[string]Limiter{"memory": memory, "redis": redisLimiter}
}

func TestCapacityExhaustion(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 3, RefillTokens: 3, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				decision, err := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1)
				if err != nil {
					t.Fatalf("Allow #%d: %v", i+1, err)
				}
				if !decision.Allowed {
					t.Fatalf("call %d refused before capacity exhausted", i+1)
				}
				if decision.Remaining != 3-(i+1) {
					t.Fatalf("call %d: remaining = %d, want %d", i+1, decision.Remaining, 3-(i+1))
				}
			}

			decision, err := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1)
			if err != nil {
				t.Fatalf("Allow over capacity: %v", err)
			}
			if decision.Allowed {
				t.Fatal("expected refusal after capacity exhausted")
			}
			if decision.RetryAfter <= 0 {
				t.Fatalf("expected non-zero retry-after, got %v", decision.RetryAfter)
			}
			if decision.Capacity != 3 || decision.Remaining != 0 {
				t.Fatalf("unexpected refusal metadata: %+v", decision)
			}
		})
	}
}

func TestBucketsAreIndependentPerKeyAndClass(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
		ClassOtp:   {Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); !decision.Allowed {
				t.Fatal("first call refused")
			}
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); decision.Allowed {
				t.Fatal("expected refusal on exhausted bucket")
			}

			// A different caller and a different class both have fresh buckets.
			if decision, _ := limiter.Allow(ctx, "5.6.7.8", ClassLogin, 1); !decision.Allowed {
				t.Fatal("other identifier should not share the bucket")
			}
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassOtp, 1); !decision.Allowed {
				t.Fatal("other class should not share the bucket")
			}
		})
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 1, RefillTokens: 1, RefillPeriod: 50 * time.Millisecond},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); !decision.Allowed {
				t.Fatal("first call refused")
			}
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); decision.Allowed {
				t.Fatal("expected refusal before refill")
			}

			time.Sleep(60 * time.Millisecond)

			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); !decision.Allowed {
				t.Fatal("expected allowance after refill period")
			}
		})
	}
}

func TestInfoSnapshot(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			fresh, err := limiter.Info(ctx, "1.2.3.4", ClassLogin)
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if fresh.Remaining != 5 || fresh.Capacity != 5 || fresh.TimeUntilRefill != 0 {
				t.Fatalf("unexpected fresh snapshot: %+v", fresh)
			}

			if _, err := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 2); err != nil {
				t.Fatalf("Allow: %v", err)
			}
			after, err := limiter.Info(ctx, "1.2.3.4", ClassLogin)
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if after.Remaining != 3 {
				t.Fatalf("remaining = %d, want 3", after.Remaining)
			}
			if after.TimeUntilRefill <= 0 {
				t.Fatalf("expected pending refill, got %v", after.TimeUntilRefill)
			}

			// Info must not consume tokens.
			again, _ := limiter.Info(ctx, "1.2.3.4", ClassLogin)
			if again.Remaining != 3 {
				t.Fatalf("Info consumed tokens: %+v", again)
			}
		})
	}
}

func TestViolationCounter(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); err != nil {
				t.Fatalf("Allow: %v", err)
			}
			for i := 0; i < 3; i++ {
				if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); decision.Allowed {
					t.Fatal("expected refusal")
				}
			}

			violations, err := limiter.Violations(ctx, "1.2.3.4", ClassLogin)
			if err != nil {
				t.Fatalf("Violations: %v", err)
			}
			if violations != 3 {
				t.Fatalf("violations = %d, want 3", violations)
			}

			// Allowed calls do not count.
			if other, _ := limiter.Violations(ctx, "5.6.7.8", ClassLogin); other != 0 {
				t.Fatalf("expected zero violations for untouched key, got %d", other)
			}
		})
	}
}

func TestResetRestoresBucket(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); !decision.Allowed {
				t.Fatal("first call refused")
			}
			if err := limiter.Reset(ctx, "1.2.3.4", ClassLogin); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if decision, _ := limiter.Allow(ctx, "1.2.3.4", ClassLogin, 1); !decision.Allowed {
				t.Fatal("expected fresh bucket after reset")
			}
		})
	}
}

func TestResetAll(t *testing.T) {
	classes := map[Class]Bucket{
		ClassLogin: {Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
	}
	for name, limiter := range limiters(t, classes) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				if _, err := limiter.Allow(ctx, id, ClassLogin, 1); err != nil {
					t.Fatalf("Allow: %v", err)
				}
			}
			if err := limiter.ResetAll(ctx); err != nil {
				t.Fatalf("ResetAll: %v", err)
			}
			for _, id := range []string{"a", "b", "c"} {
				decision, err := limiter.Allow(ctx, id, ClassLogin, 1)
				if err != nil {
					t.Fatalf("Allow: %v", err)
				}
				if !decision.Allowed {
					t.Fatalf("identifier %s still limited after ResetAll", id)
				}
			}
		})
	}
}

func TestUnknownClassFallsBackToAPIBucket(t *testing.T) {
	limiter, err := New(Config{Driver: DriverMemory}, Dependencies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	decision, err := limiter.Allow(context.Background(), "1.2.3.4", Class("NOT_A_CLASS"), 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if decision.Capacity != DefaultBuckets()[ClassAPI].Capacity {
		t.Fatalf("expected API bucket fallback, got capacity %d", decision.Capacity)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "etcd"}, Dependencies{}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
