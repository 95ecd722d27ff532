package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"identity-server-go/internal/domain/webauthn"
	"identity-server-go/internal/platform/errors"
)

type webauthnCredentialRepository struct {
	db *gorm.DB
}

// NewWebAuthnCredentialRepository creates the GORM-backed credential repository.
func NewWebAuthnCredentialRepository(db *gorm.DB) webauthn.CredentialRepository {
	return &webauthnCredentialRepository{db: db}
}

func (r *webauthnCredentialRepository) Save(ctx context.Context, credential *webauthn.Credential) error {
	if credential.ID == "" {
		credential.ID = uuid.New().String()
	}
	model := r.toModel(credential)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "webauthn_credential.save", "failed to save credential", err)
	}
	return nil
}

func (r *webauthnCredentialRepository) Update(ctx context.Context, credential *webauthn.Credential) error {
	model := r.toModel(credential)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "webauthn_credential.update", "failed to update credential", err)
	}
	return nil
}

func (r *webauthnCredentialRepository) FindBySubject(ctx context.Context, subjectID string) ([]*webauthn.Credential, error) {
	var models []WebAuthnCredentialModel
	if err := r.db.WithContext(ctx).Where("subject_id = ?", subjectID).Find(&models).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "webauthn_credential.find_by_subject", "failed to find credentials", err)
	}

	credentials := make([]*webauthn.Credential, len(models))
	for i := range models {
		credentials[i] = r.fromModel(&models[i])
	}
	return credentials, nil
}

func (r *webauthnCredentialRepository) FindByCredentialID(ctx context.Context, credentialID string) (*webauthn.Credential, error) {
	var model WebAuthnCredentialModel
	if err := r.db.WithContext(ctx).Where("credential_id = ?", credentialID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "webauthn_credential.find_by_credential_id", "failed to find credential", err)
	}
	return r.fromModel(&model), nil
}

func (r *webauthnCredentialRepository) toModel(credential *webauthn.Credential) *WebAuthnCredentialModel {
	now := time.Now()
	createdAt := credential.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &WebAuthnCredentialModel{
		ID:                 credential.ID,
		SubjectID:          credential.SubjectID,
		CredentialID:       credential.CredentialID,
		PublicKeyReference: credential.PublicKeyReference,
		SignatureCount:     credential.SignatureCount,
		Nickname:           credential.Nickname,
		Active:             credential.Active,
		LastUsedAt:         credential.LastUsedAt,
		CreatedAt:          createdAt,
		UpdatedAt:          now,
	}
}

func (r *webauthnCredentialRepository) fromModel(model *WebAuthnCredentialModel) *webauthn.Credential {
	return &webauthn.Credential{
		ID:                 model.ID,
		SubjectID:          model.SubjectID,
		CredentialID:       model.CredentialID,
		PublicKeyReference: model.PublicKeyReference,
		SignatureCount:     model.SignatureCount,
		Nickname:           model.Nickname,
		Active:             model.Active,
		LastUsedAt:         model.LastUsedAt,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}
}
