package otp

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Config{TTL: time.Minute, MaxAttempts: 3}
	return map[string]Store{
		"memory": NewMemory(cfg),
		"redis":  NewRedis(cfg, client),
	}
}

func TestIssueProducesSixDigitCode(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{6}$`)
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			code, err := store.Issue(context.Background(), "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}
			if !pattern.MatchString(code) {
				t.Fatalf("expected zero-padded 6-digit code, got %q", code)
			}
		})
	}
}

func TestVerifyConsumesCode(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			code, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}

			ok, err := store.Verify(ctx, "subject-1", code)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if !ok {
				t.Fatal("expected verification success")
			}

			// Consumed; a second use must fail.
			ok, err = store.Verify(ctx, "subject-1", code)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if ok {
				t.Fatal("expected consumed code to be rejected")
			}
		})
	}
}

func TestConcurrentVerifyConsumesOnce(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			code, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}

			const racers = 8
			var wg sync.WaitGroup
			var wins atomic.Int32
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Verify(ctx, "subject-1", code)
					if err != nil {
						t.Errorf("Verify error: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			if got := wins.Load(); got != 1 {
				t.Fatalf("expected exactly one racer to consume the code, got %d", got)
			}
		})
	}
}

func TestReissueInvalidatesPriorCode(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}
			fresh, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}

			if old != fresh {
				ok, err := store.Verify(ctx, "subject-1", old)
				if err != nil {
					t.Fatalf("Verify error: %v", err)
				}
				if ok {
					t.Fatal("superseded code must not verify")
				}
			}

			ok, err := store.Verify(ctx, "subject-1", fresh)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if !ok {
				t.Fatal("fresh code must verify")
			}
		})
	}
}

func TestAttemptBudgetFailsClosed(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			code, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}

			for i := 0; i < 3; i++ {
				ok, err := store.Verify(ctx, "subject-1", "000000x")
				if err != nil {
					t.Fatalf("Verify error: %v", err)
				}
				if ok {
					t.Fatal("wrong code must not verify")
				}
			}

			// Budget exhausted: even the correct code is refused.
			ok, err := store.Verify(ctx, "subject-1", code)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if ok {
				t.Fatal("expected fail-closed after exhausted attempts")
			}

			// A fresh issue resets the budget.
			fresh, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}
			ok, err = store.Verify(ctx, "subject-1", fresh)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if !ok {
				t.Fatal("fresh code must verify after budget reset")
			}
		})
	}
}

func TestAttemptBudgetSharedAcrossChannels(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Issue(ctx, "subject-1", ChannelSms); err != nil {
				t.Fatalf("Issue error: %v", err)
			}
			emailCode, err := store.Issue(ctx, "subject-1", ChannelEmail)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}

			// Burn the whole budget with wrong guesses; the counter is per
			// subject, so the email budget is gone too.
			for i := 0; i < 3; i++ {
				if _, err := store.Verify(ctx, "subject-1", "no-match"); err != nil {
					t.Fatalf("Verify error: %v", err)
				}
			}
			ok, err := store.Verify(ctx, "subject-1", emailCode)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if ok {
				t.Fatal("expected shared attempt budget to block the email code")
			}
		})
	}
}

func TestVerifyMatchesAcrossChannels(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			smsCode, err := store.Issue(ctx, "subject-1", ChannelSms)
			if err != nil {
				t.Fatalf("Issue error: %v", err)
			}
			ok, err := store.Verify(ctx, "subject-1", smsCode)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if !ok {
				t.Fatal("sms code must verify")
			}
		})
	}
}

func TestFactorySelectsDriver(t *testing.T) {
	if _, err := New(Config{Driver: DriverMemory}, Dependencies{}); err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	if _, err := New(Config{Driver: DriverRedis}, Dependencies{}); err == nil {
		t.Fatal("redis driver without client should fail")
	}
	if _, err := New(Config{Driver: "bogus"}, Dependencies{}); err == nil {
		t.Fatal("unknown driver should fail")
	}
}
