package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class names an operation class with its own independent buckets.
type Class string

const (
	ClassLogin              Class = "LOGIN"
	ClassOtp                Class = "OTP"
	ClassMfaVerification    Class = "MFA_VERIFICATION"
	ClassMfaSetup           Class = "MFA_SETUP"
	ClassMfaPreferredMethod Class = "MFA_PREFERRED_METHOD"
	ClassPasswordReset      Class = "PASSWORD_RESET"
	ClassAPI                Class = "API"
)

// Bucket holds the token-bucket parameters for one class.
type Bucket struct {
	Capacity     int
	RefillTokens int
	RefillPeriod time.Duration
}

// DefaultBuckets returns the built-in per-class parameters. Config can
// override individual classes.
func DefaultBuckets() map[Class]Bucket {
	return map[Class]Bucket{
		ClassLogin:              {Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
		ClassOtp:                {Capacity: 3, RefillTokens: 3, RefillPeriod: time.Minute},
		ClassMfaVerification:    {Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
		ClassMfaSetup:           {Capacity: 10, RefillTokens: 10, RefillPeriod: time.Minute},
		ClassMfaPreferredMethod: {Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
		ClassPasswordReset:      {Capacity: 3, RefillTokens: 3, RefillPeriod: 5 * time.Minute},
		ClassAPI:                {Capacity: 100, RefillTokens: 100, RefillPeriod: time.Minute},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	Capacity  int
	// RetryAfter is the time until the next refill; zero when allowed.
	RetryAfter time.Duration
}

// Info is a read-only bucket snapshot for response headers.
type Info struct {
	Remaining       int
	Capacity        int
	TimeUntilRefill time.Duration
}

// Limiter is the admission-control contract. Buckets are created lazily per
// (identifier, class) on first use.
type Limiter interface {
	// Allow atomically consumes tokens from the bucket. tokens <= 0 means 1.
	// A refusal has no side effect beyond a monitoring violation counter.
	Allow(ctx context.Context, identifier string, class Class, tokens int) (Decision, error)
	Info(ctx context.Context, identifier string, class Class) (Info, error)
	// Violations reports how many refusals the key accumulated in the
	// monitoring window.
	Violations(ctx context.Context, identifier string, class Class) (int64, error)
	Reset(ctx context.Context, identifier string, class Class) error
	ResetAll(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config describes limiter selection and per-class overrides.
type Config struct {
	Driver  string
	Prefix  string
	Classes map[Class]Bucket
}

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	Redis *redis.Client
}

// Driver identifiers supported by the ratelimit domain.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// New creates a limiter based on the configuration.
func New(cfg Config, deps Dependencies) (Limiter, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return newMemoryLimiter(cfg), nil
	case DriverRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis driver requires a client")
		}
		return newRedisLimiter(cfg, deps.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported rate limiter driver: %s", driver)
	}
}

// bucketFor resolves the class parameters, falling back to the API class for
// unknown classes so callers never run unlimited.
func bucketFor(classes map[Class]Bucket, class Class) Bucket {
	if bucket, ok := classes[class]; ok {
		return bucket
	}
	if bucket, ok := classes[ClassAPI]; ok {
		return bucket
	}
	return DefaultBuckets()[ClassAPI]
}

// mergeClasses overlays configured overrides on the built-in defaults.
func mergeClasses(overrides map[Class]Bucket) map[Class]Bucket {
	classes := DefaultBuckets()
	for class, bucket := range overrides {
		if bucket.Capacity <= 0 || bucket.RefillTokens <= 0 || bucket.RefillPeriod <= 0 {
			continue
		}
		classes[class] = bucket
	}
	return classes
}
