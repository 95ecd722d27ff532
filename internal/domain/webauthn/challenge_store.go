package webauthn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChallengeStore keeps at most one live challenge per (subject, purpose).
// A new Put replaces the prior challenge; readers of the old value must fail
// from that point on.
type ChallengeStore interface {
	Put(ctx context.Context, subjectID string, purpose Purpose, challenge string) error
	// Get returns the live challenge or "" when none exists.
	Get(ctx context.Context, subjectID string, purpose Purpose) (string, error)
	Delete(ctx context.Context, subjectID string, purpose Purpose) error
	Close(ctx context.Context) error
}

// ChallengeConfig describes the challenge store selection parameters.
type ChallengeConfig struct {
	Driver string
	TTL    time.Duration
	Prefix string
}

// ChallengeDependencies captures external handles required by certain drivers.
type ChallengeDependencies struct {
	Redis *redis.Client
}

// Driver identifiers supported by the webauthn domain.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// NewChallengeStore creates a challenge store based on the configuration.
func NewChallengeStore(cfg ChallengeConfig, deps ChallengeDependencies) (ChallengeStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return newMemoryChallengeStore(cfg), nil
	case DriverRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis driver requires a client")
		}
		return newRedisChallengeStore(cfg, deps.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported challenge store driver: %s", driver)
	}
}

type redisChallengeStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func newRedisChallengeStore(cfg ChallengeConfig, client *redis.Client) ChallengeStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "webauthn:challenge:"
	}
	return &redisChallengeStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *redisChallengeStore) key(subjectID string, purpose Purpose) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, subjectID, purpose)
}

func (s *redisChallengeStore) Put(ctx context.Context, subjectID string, purpose Purpose, challenge string) error {
	return s.client.Set(ctx, s.key(subjectID, purpose), challenge, s.ttl).Err()
}

func (s *redisChallengeStore) Get(ctx context.Context, subjectID string, purpose Purpose) (string, error) {
	value, err := s.client.Get(ctx, s.key(subjectID, purpose)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *redisChallengeStore) Delete(ctx context.Context, subjectID string, purpose Purpose) error {
	return s.client.Del(ctx, s.key(subjectID, purpose)).Err()
}

func (s *redisChallengeStore) Close(context.Context) error {
	// The redis client is shared and owned by the caller.
	return nil
}

type memoryChallenge struct {
	value     string
	expiresAt time.Time
}

type memoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]memoryChallenge
	ttl        time.Duration
}

func newMemoryChallengeStore(cfg ChallengeConfig) ChallengeStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &memoryChallengeStore{
		challenges: make(map[string]memoryChallenge),
		ttl:        ttl,
	}
}

func memoryKey(subjectID string, purpose Purpose) string {
	return subjectID + ":" + string(purpose)
}

func (s *memoryChallengeStore) Put(_ context.Context, subjectID string, purpose Purpose, challenge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[memoryKey(subjectID, purpose)] = memoryChallenge{
		value:     challenge,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *memoryChallengeStore) Get(_ context.Context, subjectID string, purpose Purpose) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(subjectID, purpose)
	entry, ok := s.challenges[key]
	if !ok {
		return "", nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.challenges, key)
		return "", nil
	}
	return entry.value, nil
}

func (s *memoryChallengeStore) Delete(_ context.Context, subjectID string, purpose Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, memoryKey(subjectID, purpose))
	return nil
}

func (s *memoryChallengeStore) Close(context.Context) error {
	return nil
}
