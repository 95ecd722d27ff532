package identity

import "time"

// Status enumerates account lifecycle states.
type Status string

const (
	StatusActive              Status = "ACTIVE"
	StatusInactive            Status = "INACTIVE"
	StatusLocked              Status = "LOCKED"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
)

// MfaMethod enumerates the supported second factors. The set is closed;
// dispatch switches on the value rather than going through a hierarchy.
type MfaMethod string

const (
	MethodOtpEmail MfaMethod = "OTP_EMAIL"
	MethodOtpSms   MfaMethod = "OTP_SMS"
	MethodWebAuthn MfaMethod = "WEBAUTHN"
)

// ValidMethod reports whether raw names a known MFA method.
func ValidMethod(raw string) bool {
	switch MfaMethod(raw) {
	case MethodOtpEmail, MethodOtpSms, MethodWebAuthn:
		return true
	}
	return false
}

// Identity is the account record the authentication core decides over.
// Security fields (Status, FailedAttempts, LockedUntil, LastLoginAt,
// PreferredMfaMethod) are mutated only by the credential verifier and the
// MFA orchestrator.
type Identity struct {
	ID                 string
	Email              string
	Username           string
	PasswordHash       string
	Phone              string
	Status             Status
	MfaEnabled         bool
	PreferredMfaMethod MfaMethod
	FailedAttempts     int
	LockedUntil        *time.Time
	LastLoginAt        *time.Time
	Roles              []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Locked reports whether the account is administratively or automatically
// locked as of now. An expired LockedUntil does not count as locked; the
// verifier repairs such records on the next attempt.
func (i *Identity) Locked(now time.Time) bool {
	return i.Status == StatusLocked && i.LockedUntil != nil && i.LockedUntil.After(now)
}
