package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript refills the bucket for elapsed whole periods, then tries to
// take the requested tokens. State is a hash {tokens, ts} where ts is the
// last refill boundary in unix milliseconds. The whole read-modify-write runs
// server-side so concurrent callers across instances never double-spend.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local period = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])
local idle = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed >= period then
  local intervals = math.floor(elapsed / period)
  tokens = math.min(capacity, tokens + intervals * refill)
  ts = ts + intervals * period
end

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], idle)
return {allowed, tokens, ts}
`)

type redisLimiter struct {
	client  *redis.Client
	prefix  string
	classes map[Class]Bucket
}

func newRedisLimiter(cfg Config, client *redis.Client) Limiter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &redisLimiter{
		client:  client,
		prefix:  prefix,
		classes: mergeClasses(cfg.Classes),
	}
}

func (l *redisLimiter) bucketKey(identifier string, class Class) string {
	return fmt.Sprintf("%sbucket:%s:%s", l.prefix, identifier, class)
}

func (l *redisLimiter) violationKey(identifier string, class Class) string {
	return fmt.Sprintf("%sviolations:%s:%s", l.prefix, identifier, class)
}

func (l *redisLimiter) Allow(ctx context.Context, identifier string, class Class, tokens int) (Decision, error) {
	if tokens <= 0 {
		tokens = 1
	}
	bucket := bucketFor(l.classes, class)
	now := time.Now()

	// Keep idle buckets around long enough to fully refill, then let them
	// expire; they are recreated full on next use anyway.
	fullRefillPeriods := (bucket.Capacity + bucket.RefillTokens - 1) / bucket.RefillTokens
	idle := 2 * time.Duration(fullRefillPeriods) * bucket.RefillPeriod

	raw, err := consumeScript.Run(ctx, l.client,
		[]string{l.bucketKey(identifier, class)},
		bucket.Capacity,
		bucket.RefillTokens,
		bucket.RefillPeriod.Milliseconds(),
		now.UnixMilli(),
		tokens,
		idle.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected script reply %v", raw)
	}

	allowed := toInt64(raw[0]) == 1
	remaining := int(toInt64(raw[1]))
	refillAt := time.UnixMilli(toInt64(raw[2])).Add(bucket.RefillPeriod)

	decision := Decision{
		Allowed:   allowed,
		Remaining: remaining,
		Capacity:  bucket.Capacity,
	}
	if !allowed {
		if retry := time.Until(refillAt); retry > 0 {
			decision.RetryAfter = retry
		}
		l.countViolation(ctx, identifier, class)
	}
	return decision, nil
}

// countViolation bumps the monitoring counter for a refused call. Failures
// here never surface; the counter is observability, not policy.
func (l *redisLimiter) countViolation(ctx context.Context, identifier string, class Class) {
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, l.violationKey(identifier, class))
	pipe.Expire(ctx, l.violationKey(identifier, class), time.Hour)
	_, _ = pipe.Exec(ctx)
}

func (l *redisLimiter) Info(ctx context.Context, identifier string, class Class) (Info, error) {
	bucket := bucketFor(l.classes, class)

	state, err := l.client.HMGet(ctx, l.bucketKey(identifier, class), "tokens", "ts").Result()
	if err != nil {
		return Info{}, fmt.Errorf("rate limit info: %w", err)
	}

	tokens, ts, ok := parseState(state)
	if !ok {
		// No bucket yet: a fresh one would be full.
		return Info{Remaining: bucket.Capacity, Capacity: bucket.Capacity}, nil
	}

	now := time.Now()
	elapsed := now.Sub(time.UnixMilli(ts))
	if elapsed >= bucket.RefillPeriod {
		intervals := int64(elapsed / bucket.RefillPeriod)
		tokens += intervals * int64(bucket.RefillTokens)
		if tokens > int64(bucket.Capacity) {
			tokens = int64(bucket.Capacity)
		}
		ts += intervals * bucket.RefillPeriod.Milliseconds()
	}

	info := Info{Remaining: int(tokens), Capacity: bucket.Capacity}
	if info.Remaining < bucket.Capacity {
		refillAt := time.UnixMilli(ts).Add(bucket.RefillPeriod)
		if until := time.Until(refillAt); until > 0 {
			info.TimeUntilRefill = until
		}
	}
	return info, nil
}

func (l *redisLimiter) Violations(ctx context.Context, identifier string, class Class) (int64, error) {
	count, err := l.client.Get(ctx, l.violationKey(identifier, class)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit violations: %w", err)
	}
	return count, nil
}

func (l *redisLimiter) Reset(ctx context.Context, identifier string, class Class) error {
	return l.client.Del(ctx,
		l.bucketKey(identifier, class),
		l.violationKey(identifier, class),
	).Err()
}

func (l *redisLimiter) ResetAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("rate limit reset: %w", err)
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("rate limit reset: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (l *redisLimiter) Close(context.Context) error {
	// The redis client is shared and owned by the caller.
	return nil
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func parseState(state []any) (tokens, ts int64, ok bool) {
	if len(state) != 2 || state[0] == nil || state[1] == nil {
		return 0, 0, false
	}
	tokensStr, tsOk := state[0].(string)
	tsStr, ts2Ok := state[1].(string)
	if !tsOk || !ts2Ok {
		return 0, 0, false
	}
	tokens, err := strconv.ParseInt(tokensStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ts, err = strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return tokens, ts, true
}
