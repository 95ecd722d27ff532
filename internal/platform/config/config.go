package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Token     TokenConfig     `yaml:"token"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	Otp       OtpConfig       `yaml:"otp"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type TokenConfig struct {
	Secret string `yaml:"secret"`
	// AccessTTL defaults to 24h. That is long for an access token; kept as a
	// tuning knob rather than hard-coded.
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	MfaPendingTTL time.Duration `yaml:"mfa_pending_ttl"`
}

type LockoutConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	WarnAfterAttempts int           `yaml:"warn_after_attempts"`
	LockDuration      time.Duration `yaml:"lock_duration"`
}

type OtpConfig struct {
	Driver      string        `yaml:"driver"`
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type WebAuthnConfig struct {
	Driver           string        `yaml:"driver"`
	RelyingPartyID   string        `yaml:"rp_id"`
	RelyingPartyName string        `yaml:"rp_name"`
	ChallengeTTL     time.Duration `yaml:"challenge_ttl"`
	Timeout          time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Driver  string                     `yaml:"driver"`
	Classes map[string]RateClassConfig `yaml:"classes,omitempty"`
}

// RateClassConfig overrides the built-in bucket defaults for one operation class.
type RateClassConfig struct {
	Capacity     int           `yaml:"capacity"`
	RefillTokens int           `yaml:"refill_tokens"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

type AuditConfig struct {
	AsyncWorkers int `yaml:"async_workers"`
	AsyncBuffer  int `yaml:"async_buffer"`
}

type NotifyConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
}
