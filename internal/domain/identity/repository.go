package identity

import "context"

// Repository is the persistence contract the authentication core consumes.
// Account CRUD beyond these lookups belongs to the surrounding service.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
	// FindByIdentifier resolves a login identifier that may be either a
	// username or an email address.
	FindByIdentifier(ctx context.Context, identifier string) (*Identity, error)
	Save(ctx context.Context, identity *Identity) error
}
