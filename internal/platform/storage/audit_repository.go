package storage

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/platform/errors"
)

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a GORM-backed audit sink. Events are inserted
// and never updated or deleted through this type.
func NewAuditRepository(db *gorm.DB) audit.Sink {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, event audit.Event) error {
	var metadata datatypes.JSON
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return errors.Wrap(errors.KindStorage, "audit.append", "failed to encode metadata", err)
		}
		metadata = datatypes.JSON(raw)
	}

	model := &AuditEventModel{
		ID:          event.ID,
		SubjectID:   event.SubjectID,
		Kind:        string(event.Kind),
		Description: event.Description,
		IP:          event.IP,
		UserAgent:   event.UserAgent,
		Metadata:    metadata,
		CreatedAt:   event.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "audit.append", "failed to append audit event", err)
	}
	return nil
}
