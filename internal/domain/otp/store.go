package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the out-of-band delivery route for a code.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSms   Channel = "SMS"
)

// channels lists every delivery route a stored code may live under.
var channels = []Channel{ChannelEmail, ChannelSms}

// Store holds at most one live code per (subject, channel) and a shared
// attempt counter per subject.
type Store interface {
	// Issue generates and stores a fresh code, silently invalidating any
	// prior unconsumed code for the same (subject, channel) and resetting
	// the subject's attempt counter. "Resend" must never leave two valid
	// codes behind.
	Issue(ctx context.Context, subjectID string, channel Channel) (string, error)
	// Verify compares the code against every live channel for the subject.
	// Once the attempt budget is exhausted it fails closed without even
	// comparing. A match consumes the code and resets the counter.
	Verify(ctx context.Context, subjectID, code string) (bool, error)
	Close(ctx context.Context) error
}

// Config describes the store selection parameters.
type Config struct {
	Driver      string
	TTL         time.Duration
	MaxAttempts int
	Prefix      string
}

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	Redis *redis.Client
}

// Driver identifiers supported by the otp domain.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// New creates an otp store based on the provided configuration.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(cfg), nil
	case DriverRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis driver requires a client")
		}
		return NewRedis(cfg, deps.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported otp store driver: %s", driver)
	}
}

// generateCode samples a uniform zero-padded 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
