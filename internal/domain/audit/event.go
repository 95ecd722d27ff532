package audit

import "time"

// Kind identifies a security-relevant event class.
type Kind string

const (
	KindLoginSuccess          Kind = "LOGIN_SUCCESS"
	KindLoginFailure          Kind = "LOGIN_FAILURE"
	KindAccountLocked         Kind = "ACCOUNT_LOCKED"
	KindSuspiciousActivity    Kind = "SUSPICIOUS_ACTIVITY"
	KindMfaSuccess            Kind = "MFA_SUCCESS"
	KindMfaFailure            Kind = "MFA_FAILURE"
	KindMfaMethodUpdated      Kind = "MFA_METHOD_UPDATED"
	KindTokenRefresh          Kind = "TOKEN_REFRESH"
	KindLogout                Kind = "LOGOUT"
	KindPasswordChanged       Kind = "PASSWORD_CHANGED"
	KindOtpSent               Kind = "OTP_SENT"
	KindWebAuthnRegistered    Kind = "WEBAUTHN_REGISTERED"
	KindCredentialDeactivated Kind = "WEBAUTHN_CREDENTIAL_DEACTIVATED"
)

// Event is one append-only record of a security decision. The core writes
// events and never reads them back.
type Event struct {
	ID          string
	SubjectID   string
	Kind        Kind
	Description string
	IP          string
	UserAgent   string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// critical lists the kinds that must reach the sink before the surrounding
// operation returns, so a crash cannot lose evidence of a completed decision.
var critical = map[Kind]bool{
	KindLoginSuccess:    true,
	KindLoginFailure:    true,
	KindAccountLocked:   true,
	KindMfaSuccess:      true,
	KindMfaFailure:      true,
	KindTokenRefresh:    true,
	KindLogout:          true,
	KindPasswordChanged: true,
}

// Critical reports whether the kind requires a synchronous append.
func (k Kind) Critical() bool {
	return critical[k]
}
