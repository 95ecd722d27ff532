package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	tokens int
	ts     time.Time
}

// memoryLimiter mirrors the redis semantics for single-instance deployments
// and tests.
type memoryLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*memoryBucket
	violations map[string]int
	classes    map[Class]Bucket
}

func newMemoryLimiter(cfg Config) Limiter {
	return &memoryLimiter{
		buckets:    make(map[string]*memoryBucket),
		violations: make(map[string]int),
		classes:    mergeClasses(cfg.Classes),
	}
}

func limiterKey(identifier string, class Class) string {
	return identifier + ":" + string(class)
}

func (l *memoryLimiter) Allow(_ context.Context, identifier string, class Class, tokens int) (Decision, error) {
	if tokens <= 0 {
		tokens = 1
	}
	params := bucketFor(l.classes, class)
	now := time.Now()
	key := limiterKey(identifier, class)

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.buckets[key]
	if !ok {
		state = &memoryBucket{tokens: params.Capacity, ts: now}
		l.buckets[key] = state
	}
	refill(state, params, now)

	decision := Decision{Capacity: params.Capacity}
	if state.tokens >= tokens {
		state.tokens -= tokens
		decision.Allowed = true
		decision.Remaining = state.tokens
		return decision, nil
	}

	decision.Remaining = state.tokens
	if retry := time.Until(state.ts.Add(params.RefillPeriod)); retry > 0 {
		decision.RetryAfter = retry
	}
	l.violations[key]++
	return decision, nil
}

func (l *memoryLimiter) Info(_ context.Context, identifier string, class Class) (Info, error) {
	params := bucketFor(l.classes, class)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.buckets[limiterKey(identifier, class)]
	if !ok {
		return Info{Remaining: params.Capacity, Capacity: params.Capacity}, nil
	}
	refill(state, params, now)

	info := Info{Remaining: state.tokens, Capacity: params.Capacity}
	if state.tokens < params.Capacity {
		if until := time.Until(state.ts.Add(params.RefillPeriod)); until > 0 {
			info.TimeUntilRefill = until
		}
	}
	return info, nil
}

func (l *memoryLimiter) Violations(_ context.Context, identifier string, class Class) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.violations[limiterKey(identifier, class)]), nil
}

func (l *memoryLimiter) Reset(_ context.Context, identifier string, class Class) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := limiterKey(identifier, class)
	delete(l.buckets, key)
	delete(l.violations, key)
	return nil
}

func (l *memoryLimiter) ResetAll(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*memoryBucket)
	l.violations = make(map[string]int)
	return nil
}

func (l *memoryLimiter) Close(context.Context) error {
	return nil
}

// refill credits whole elapsed periods and advances the boundary timestamp.
func refill(state *memoryBucket, params Bucket, now time.Time) {
	elapsed := now.Sub(state.ts)
	if elapsed < params.RefillPeriod {
		return
	}
	intervals := int(elapsed / params.RefillPeriod)
	state.tokens += intervals * params.RefillTokens
	if state.tokens > params.Capacity {
		state.tokens = params.Capacity
	}
	state.ts = state.ts.Add(time.Duration(intervals) * params.RefillPeriod)
}
