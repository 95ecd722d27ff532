package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates the core tables and their indexes. AutoMigrate
// covers the columns; the raw statements here pin down the indexes we rely
// on for the hot lookups.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create identity, webauthn credential and audit event tables"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			username VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			phone VARCHAR(64),
			status VARCHAR(32) NOT NULL DEFAULT 'ACTIVE',
			mfa_enabled BOOLEAN NOT NULL DEFAULT 0,
			preferred_mfa_method VARCHAR(32) NOT NULL DEFAULT 'OTP_EMAIL',
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until DATETIME,
			last_login_at DATETIME,
			roles JSON NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS webauthn_credentials (
			id VARCHAR(36) PRIMARY KEY,
			subject_id VARCHAR(36) NOT NULL,
			credential_id VARCHAR(512) NOT NULL UNIQUE,
			public_key_reference TEXT NOT NULL,
			signature_count INTEGER NOT NULL DEFAULT 0,
			nickname VARCHAR(255),
			active BOOLEAN NOT NULL DEFAULT 1,
			last_used_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(36) PRIMARY KEY,
			subject_id VARCHAR(36),
			kind VARCHAR(64) NOT NULL,
			description TEXT,
			ip VARCHAR(64),
			user_agent VARCHAR(512),
			metadata JSON,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webauthn_credentials_subject ON webauthn_credentials(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	for _, table := range []string{"audit_events", "webauthn_credentials", "identities"} {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			return err
		}
	}
	return nil
}
