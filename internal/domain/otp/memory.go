package otp

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	code      string
	expiresAt time.Time
}

type attemptEntry struct {
	count     int
	expiresAt time.Time
}

type memoryStore struct {
	mu          sync.Mutex
	codes       map[string]memoryEntry  // (subject, channel)
	attempts    map[string]attemptEntry // subject only, same quirk as redis
	ttl         time.Duration
	maxAttempts int
}

// NewMemory builds an in-process otp store for development and tests.
func NewMemory(cfg Config) Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &memoryStore{
		codes:       make(map[string]memoryEntry),
		attempts:    make(map[string]attemptEntry),
		ttl:         ttl,
		maxAttempts: maxAttempts,
	}
}

func codeMapKey(subjectID string, channel Channel) string {
	return subjectID + ":" + string(channel)
}

func (s *memoryStore) Issue(_ context.Context, subjectID string, channel Channel) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[codeMapKey(subjectID, channel)] = memoryEntry{
		code:      code,
		expiresAt: time.Now().Add(s.ttl),
	}
	delete(s.attempts, subjectID)
	return code, nil
}

func (s *memoryStore) Verify(_ context.Context, subjectID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.attempts[subjectID]; ok {
		if now.After(entry.expiresAt) {
			delete(s.attempts, subjectID)
		} else if entry.count >= s.maxAttempts {
			return false, nil
		}
	}

	for _, channel := range channels {
		key := codeMapKey(subjectID, channel)
		entry, ok := s.codes[key]
		if !ok {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(s.codes, key)
			continue
		}
		if entry.code == code {
			delete(s.codes, key)
			delete(s.attempts, subjectID)
			return true, nil
		}
	}

	current := s.attempts[subjectID]
	s.attempts[subjectID] = attemptEntry{
		count:     current.count + 1,
		expiresAt: now.Add(s.ttl),
	}
	return false, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
