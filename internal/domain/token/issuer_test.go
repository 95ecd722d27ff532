package token

import (
	"context"
	"testing"
	"time"

	"identity-server-go/internal/domain/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testIdentity() *identity.Identity {
	return &identity.Identity{
		ID:       "subject-1",
		Username: "alice",
		Email:    "alice@example.com",
		Status:   identity.StatusActive,
		Roles:    []string{"user", "admin"},
	}
}

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewIssuer error: %v", err)
	}
	return issuer
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	issuer := newTestIssuer(t)

	pair, err := issuer.IssueAccessAndRefresh(testIdentity())
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}

	claims, err := issuer.Validate(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if claims.SubjectID != "subject-1" {
		t.Fatalf("unexpected subject: %s", claims.SubjectID)
	}
	if claims.Username != "alice" {
		t.Fatalf("unexpected username: %s", claims.Username)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "user" || claims.Roles[1] != "admin" {
		t.Fatalf("unexpected roles: %v", claims.Roles)
	}
}

func TestValidateRejectsWrongKind(t *testing.T) {
	issuer := newTestIssuer(t)
	ident := testIdentity()

	pair, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}
	mfaToken, err := issuer.IssueMfaPending(ident)
	if err != nil {
		t.Fatalf("IssueMfaPending error: %v", err)
	}

	cases := []struct {
		name     string
		token    string
		expected Kind
	}{
		{"access token on mfa endpoint", pair.AccessToken, KindMfaPending},
		{"access token on refresh endpoint", pair.AccessToken, KindRefresh},
		{"refresh token on access endpoint", pair.RefreshToken, KindAccess},
		{"mfa token on access endpoint", mfaToken, KindAccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := issuer.Validate(tc.token, tc.expected); err != ErrInvalidToken {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	issuer := newTestIssuer(t)
	pair, err := issuer.IssueAccessAndRefresh(testIdentity())
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := issuer.Validate(tampered, KindAccess); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuer, err := NewIssuer(Options{Secret: testSecret, MfaPendingTTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("NewIssuer error: %v", err)
	}
	mfaToken, err := issuer.IssueMfaPending(testIdentity())
	if err != nil {
		t.Fatalf("IssueMfaPending error: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := issuer.Validate(mfaToken, KindMfaPending); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRotatesBothTokens(t *testing.T) {
	issuer := newTestIssuer(t)
	ident := testIdentity()

	pair, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}

	lookup := func(_ context.Context, subjectID string) (*identity.Identity, error) {
		if subjectID != ident.ID {
			t.Fatalf("unexpected lookup subject: %s", subjectID)
		}
		return ident, nil
	}

	rotated, err := issuer.Refresh(context.Background(), pair.RefreshToken, lookup)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if rotated.AccessToken == pair.AccessToken {
		t.Fatal("access token was not rotated")
	}

	claims, err := issuer.Validate(rotated.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("Validate rotated access token: %v", err)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("rotated token lost role claims: %v", claims.Roles)
	}
}

func TestEveryMintIsUnique(t *testing.T) {
	issuer := newTestIssuer(t)
	ident := testIdentity()

	// Back-to-back mints land in the same wall-clock second; the jti claim
	// must still make each token distinct.
	first, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}
	second, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}
	if first.AccessToken == second.AccessToken {
		t.Fatal("access tokens minted in the same second are identical")
	}
	if first.RefreshToken == second.RefreshToken {
		t.Fatal("refresh tokens minted in the same second are identical")
	}
	if first.AccessToken == first.RefreshToken {
		t.Fatal("access and refresh tokens are identical")
	}
}

func TestRefreshRejectsNonRefreshTokens(t *testing.T) {
	issuer := newTestIssuer(t)
	ident := testIdentity()
	pair, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}

	lookup := func(_ context.Context, _ string) (*identity.Identity, error) {
		return ident, nil
	}
	if _, err := issuer.Refresh(context.Background(), pair.AccessToken, lookup); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRejectsInactiveSubject(t *testing.T) {
	issuer := newTestIssuer(t)
	ident := testIdentity()
	pair, err := issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		t.Fatalf("IssueAccessAndRefresh error: %v", err)
	}

	ident.Status = identity.StatusInactive
	lookup := func(_ context.Context, _ string) (*identity.Identity, error) {
		return ident, nil
	}
	if _, err := issuer.Refresh(context.Background(), pair.RefreshToken, lookup); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
