package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/identity"
)

// Kind distinguishes the three token classes. Each endpoint accepts exactly
// one kind; a token of the wrong kind fails validation the same way a forged
// one does.
type Kind string

const (
	KindAccess     Kind = "access"
	KindRefresh    Kind = "refresh"
	KindMfaPending Kind = "mfa_pending"
)

// ErrInvalidToken is the single failure returned for any validation problem.
// Callers never learn whether the signature, expiry or kind was wrong.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the decoded, validated content of a token.
type Claims struct {
	SubjectID string
	Username  string
	Roles     []string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair bundles a freshly minted access/refresh pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
}

// Issuer signs and validates the service's JWT tokens.
type Issuer struct {
	secretKey     []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	mfaPendingTTL time.Duration
	trail         *audit.Trail
}

// Options configures an Issuer.
type Options struct {
	Secret        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MfaPendingTTL time.Duration
	Trail         *audit.Trail
}

// NewIssuer builds a token issuer using the provided secret.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	mfaTTL := opts.MfaPendingTTL
	if mfaTTL <= 0 {
		mfaTTL = 5 * time.Minute
	}
	return &Issuer{
		secretKey:     []byte(opts.Secret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		mfaPendingTTL: mfaTTL,
		trail:         opts.Trail,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// IssueAccessAndRefresh mints a full token pair for an authenticated identity.
// The access token carries id, username and role claims; the refresh token
// carries only the subject.
func (i *Issuer) IssueAccessAndRefresh(ident *identity.Identity) (*Pair, error) {
	access, err := i.sign(ident, KindAccess, i.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := i.sign(ident, KindRefresh, i.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessTTL:    i.accessTTL,
	}, nil
}

// IssueMfaPending mints the narrow-scope token accepted only by the MFA
// verification endpoint.
func (i *Issuer) IssueMfaPending(ident *identity.Identity) (string, error) {
	return i.sign(ident, KindMfaPending, i.mfaPendingTTL)
}

func (i *Issuer) sign(ident *identity.Identity, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": ident.ID,
		// iat/exp are second-granular; the jti makes every mint unique so
		// rotation always yields a different token even within one second.
		"jti":  uuid.New().String(),
		"kind": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if kind == KindAccess {
		claims["username"] = ident.Username
		roles := ident.Roles
		if roles == nil {
			roles = []string{}
		}
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}

// Validate checks signature, expiry and kind. Any violation collapses to
// ErrInvalidToken.
func (i *Issuer) Validate(tokenString string, expected Kind) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secretKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	kind, _ := mapClaims["kind"].(string)
	if Kind(kind) != expected {
		return nil, ErrInvalidToken
	}
	subject, _ := mapClaims["sub"].(string)
	if subject == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{
		SubjectID: subject,
		Kind:      Kind(kind),
	}
	if username, ok := mapClaims["username"].(string); ok {
		claims.Username = username
	}
	if rawRoles, ok := mapClaims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, role)
			}
		}
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return claims, nil
}

// Refresh validates a refresh token and rotates both tokens. The old refresh
// token stays cryptographically valid until its expiry; there is no
// server-side blacklist in this design. Every attempt, success or failure,
// is audited synchronously before this function returns.
func (i *Issuer) Refresh(ctx context.Context, tokenString string, lookup func(ctx context.Context, subjectID string) (*identity.Identity, error)) (*Pair, error) {
	claims, err := i.Validate(tokenString, KindRefresh)
	if err != nil {
		i.auditRefresh(ctx, "", false, "token validation failed")
		return nil, ErrInvalidToken
	}

	ident, err := lookup(ctx, claims.SubjectID)
	if err != nil || ident == nil {
		i.auditRefresh(ctx, claims.SubjectID, false, "subject lookup failed")
		return nil, ErrInvalidToken
	}
	if ident.Status != identity.StatusActive {
		i.auditRefresh(ctx, claims.SubjectID, false, "subject not active")
		return nil, ErrInvalidToken
	}

	pair, err := i.IssueAccessAndRefresh(ident)
	if err != nil {
		i.auditRefresh(ctx, claims.SubjectID, false, "token signing failed")
		return nil, ErrInvalidToken
	}

	i.auditRefresh(ctx, claims.SubjectID, true, "tokens rotated")
	return pair, nil
}

func (i *Issuer) auditRefresh(ctx context.Context, subjectID string, success bool, detail string) {
	if i.trail == nil {
		return
	}
	_ = i.trail.Record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindTokenRefresh,
		Description: detail,
		Metadata:    map[string]any{"success": success},
	}, true)
}
