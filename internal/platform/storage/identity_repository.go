package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"identity-server-go/internal/domain/identity"
	"identity-server-go/internal/platform/errors"
)

type identityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository creates the GORM-backed identity repository.
func NewIdentityRepository(db *gorm.DB) identity.Repository {
	return &identityRepository{db: db}
}

func (r *identityRepository) FindByID(ctx context.Context, id string) (*identity.Identity, error) {
	var model IdentityModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "identity.find_by_id", "failed to find identity", err)
	}
	return r.fromModel(&model), nil
}

func (r *identityRepository) FindByIdentifier(ctx context.Context, identifier string) (*identity.Identity, error) {
	var model IdentityModel
	err := r.db.WithContext(ctx).
		Where("username = ? OR email = ?", identifier, identifier).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindStorage, "identity.find_by_identifier", "failed to find identity", err)
	}
	return r.fromModel(&model), nil
}

func (r *identityRepository) Save(ctx context.Context, ident *identity.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	model, err := r.toModel(ident)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "identity.save", "failed to save identity", err)
	}
	return nil
}

func (r *identityRepository) toModel(ident *identity.Identity) (*IdentityModel, error) {
	roles := ident.Roles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "identity.to_model", "failed to encode roles", err)
	}

	now := time.Now()
	createdAt := ident.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return &IdentityModel{
		ID:                 ident.ID,
		Email:              ident.Email,
		Username:           ident.Username,
		PasswordHash:       ident.PasswordHash,
		Phone:              ident.Phone,
		Status:             string(ident.Status),
		MfaEnabled:         ident.MfaEnabled,
		PreferredMfaMethod: string(ident.PreferredMfaMethod),
		FailedAttempts:     ident.FailedAttempts,
		LockedUntil:        ident.LockedUntil,
		LastLoginAt:        ident.LastLoginAt,
		Roles:              datatypes.JSON(rolesJSON),
		CreatedAt:          createdAt,
		UpdatedAt:          now,
	}, nil
}

func (r *identityRepository) fromModel(model *IdentityModel) *identity.Identity {
	var roles []string
	if len(model.Roles) > 0 {
		_ = json.Unmarshal(model.Roles, &roles)
	}

	return &identity.Identity{
		ID:                 model.ID,
		Email:              model.Email,
		Username:           model.Username,
		PasswordHash:       model.PasswordHash,
		Phone:              model.Phone,
		Status:             identity.Status(model.Status),
		MfaEnabled:         model.MfaEnabled,
		PreferredMfaMethod: identity.MfaMethod(model.PreferredMfaMethod),
		FailedAttempts:     model.FailedAttempts,
		LockedUntil:        model.LockedUntil,
		LastLoginAt:        model.LastLoginAt,
		Roles:              roles,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}
}
