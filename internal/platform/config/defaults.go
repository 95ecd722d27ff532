package config

import "time"

// DefaultConfig returns the configuration used when no file overrides exist.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Storage: StorageConfig{
			DSN: "data/identity.db",
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "idsvr:",
		},
		Token: TokenConfig{
			AccessTTL:     24 * time.Hour,
			RefreshTTL:    7 * 24 * time.Hour,
			MfaPendingTTL: 5 * time.Minute,
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			WarnAfterAttempts: 3,
			LockDuration:      time.Hour,
		},
		Otp: OtpConfig{
			Driver:      "redis",
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
		},
		WebAuthn: WebAuthnConfig{
			Driver:           "redis",
			RelyingPartyID:   "localhost",
			RelyingPartyName: "Identity Server",
			ChallengeTTL:     5 * time.Minute,
			Timeout:          time.Minute,
		},
		RateLimit: RateLimitConfig{
			Driver: "redis",
		},
		Audit: AuditConfig{
			AsyncWorkers: 4,
			AsyncBuffer:  1024,
		},
		Notify: NotifyConfig{
			Workers:    4,
			MaxRetries: 2,
		},
	}
}
