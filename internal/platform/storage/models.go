package storage

import (
	"time"

	"gorm.io/datatypes"
)

// IdentityModel is the GORM representation of an account.
type IdentityModel struct {
	ID                 string `gorm:"primaryKey;type:varchar(36)"`
	Email              string `gorm:"uniqueIndex;not null"`
	Username           string `gorm:"uniqueIndex;not null"`
	PasswordHash       string `gorm:"not null"`
	Phone              string `gorm:"index"`
	Status             string `gorm:"not null;default:'ACTIVE'"`
	MfaEnabled         bool   `gorm:"not null;default:false"`
	PreferredMfaMethod string `gorm:"not null;default:'OTP_EMAIL'"`
	FailedAttempts     int    `gorm:"not null;default:0"`
	LockedUntil        *time.Time
	LastLoginAt        *time.Time
	Roles              datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (IdentityModel) TableName() string {
	return "identities"
}

// WebAuthnCredentialModel stores registered public-key credentials.
// Deactivated credentials stay in the table; Active is flipped instead of
// deleting the row.
type WebAuthnCredentialModel struct {
	ID                 string `gorm:"primaryKey;type:varchar(36)"`
	SubjectID          string `gorm:"index;not null"`
	CredentialID       string `gorm:"uniqueIndex;not null"`
	PublicKeyReference string `gorm:"not null"`
	SignatureCount     uint32 `gorm:"not null;default:0"`
	Nickname           string
	Active             bool `gorm:"not null;default:true"`
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (WebAuthnCredentialModel) TableName() string {
	return "webauthn_credentials"
}

// AuditEventModel is the append-only audit record. Rows are never updated
// or deleted by the core.
type AuditEventModel struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	SubjectID   string `gorm:"index"`
	Kind        string `gorm:"index;not null"`
	Description string `gorm:"type:text"`
	IP          string
	UserAgent   string
	Metadata    datatypes.JSON
	CreatedAt   time.Time `gorm:"index;not null"`
}

func (AuditEventModel) TableName() string {
	return "audit_events"
}
