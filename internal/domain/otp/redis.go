package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// verifyScript runs the whole verify decision server-side so that check,
// consume and attempt counting are one atomic step: two concurrent calls can
// never both consume the same code, and mismatches cannot race past the
// attempt budget. KEYS is the per-channel code keys followed by the attempts
// key; ARGV is max attempts, the presented code, and the counter TTL in
// milliseconds. Returns 1 when the code matched and was consumed, 0 otherwise.
var verifyScript = redis.NewScript(`
local attemptsKey = KEYS[#KEYS]
local attempts = tonumber(redis.call('GET', attemptsKey) or '0')
if attempts >= tonumber(ARGV[1]) then
  return 0
end

for i = 1, #KEYS - 1 do
  local stored = redis.call('GET', KEYS[i])
  if stored == ARGV[2] then
    redis.call('DEL', KEYS[i], attemptsKey)
    return 1
  end
end

redis.call('INCR', attemptsKey)
redis.call('PEXPIRE', attemptsKey, ARGV[3])
return 0
`)

type redisStore struct {
	client      *redis.Client
	ttl         time.Duration
	maxAttempts int
	prefix      string
}

// NewRedis constructs a redis-backed otp store. Codes expire via key TTL;
// the attempt counter shares the same TTL and re-arms on every miss.
func NewRedis(cfg Config, client *redis.Client) Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "otp:"
	}
	return &redisStore{
		client:      client,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		prefix:      prefix,
	}
}

func (s *redisStore) codeKey(subjectID string, channel Channel) string {
	return fmt.Sprintf("%scode:%s:%s", s.prefix, subjectID, channel)
}

// attemptsKey is keyed by subject only, not (subject, channel): failed SMS
// attempts also consume the email budget for the same subject. This mirrors
// the reference behavior and is deliberate; do not scope it per channel.
func (s *redisStore) attemptsKey(subjectID string) string {
	return s.prefix + "attempts:" + subjectID
}

func (s *redisStore) Issue(ctx context.Context, subjectID string, channel Channel) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	// SET overwrites any prior code for the channel; the old value stops
	// verifying the moment this lands (last writer wins per key).
	if err := s.client.Set(ctx, s.codeKey(subjectID, channel), code, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store otp code: %w", err)
	}
	if err := s.client.Del(ctx, s.attemptsKey(subjectID)).Err(); err != nil {
		return "", fmt.Errorf("reset otp attempts: %w", err)
	}
	return code, nil
}

func (s *redisStore) Verify(ctx context.Context, subjectID, code string) (bool, error) {
	keys := make([]string, 0, len(channels)+1)
	for _, channel := range channels {
		keys = append(keys, s.codeKey(subjectID, channel))
	}
	keys = append(keys, s.attemptsKey(subjectID))

	// Once the budget is spent the script fails closed without comparing; the
	// code stays untouched until it expires or a fresh Issue replaces it.
	res, err := verifyScript.Run(ctx, s.client, keys,
		s.maxAttempts, code, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("verify otp code: %w", err)
	}
	return res == 1, nil
}

func (s *redisStore) Close(context.Context) error {
	// The redis client is shared and owned by the caller.
	return nil
}
