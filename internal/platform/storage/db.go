package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"identity-server-go/internal/platform/storage/migrations"
)

// Open initialises the SQLite database at the given path and applies the
// schema. A DSN of ":memory:" yields an ephemeral database for tests.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = filepath.Join("data", "identity.db")
	}
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&IdentityModel{}, &WebAuthnCredentialModel{}, &AuditEventModel{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Initial{})
	if err := manager.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}
