package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/credential"
	"identity-server-go/internal/domain/identity"
	"identity-server-go/internal/domain/mfa"
	"identity-server-go/internal/domain/notify"
	"identity-server-go/internal/domain/otp"
	"identity-server-go/internal/domain/ratelimit"
	"identity-server-go/internal/domain/token"
	"identity-server-go/internal/domain/webauthn"
	"identity-server-go/internal/platform/logging"
)

// RateLimitedError carries the refusal metadata the transport layer turns
// into 429 headers.
type RateLimitedError struct {
	Class      ratelimit.Class
	Capacity   int
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry in %s", e.Class, e.RetryAfter)
}

// AuthServiceConfig wires the auth service's collaborators.
type AuthServiceConfig struct {
	Identities   identity.Repository
	Verifier     *credential.Verifier
	Orchestrator *mfa.Orchestrator
	Issuer       *token.Issuer
	Limiter      ratelimit.Limiter
	Ceremony     *webauthn.Ceremony
	Trail        *audit.Trail
	Dispatcher   *notify.Dispatcher
	Logger       *logging.Logger
}

// AuthService stitches rate limiting, password verification, MFA and token
// issuance into the operations the transport layer exposes.
type AuthService struct {
	identities   identity.Repository
	verifier     *credential.Verifier
	orchestrator *mfa.Orchestrator
	issuer       *token.Issuer
	limiter      ratelimit.Limiter
	ceremony     *webauthn.Ceremony
	trail        *audit.Trail
	dispatcher   *notify.Dispatcher
	logger       *logging.Logger
}

// NewAuthService builds the auth service.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	return &AuthService{
		identities:   cfg.Identities,
		verifier:     cfg.Verifier,
		orchestrator: cfg.Orchestrator,
		issuer:       cfg.Issuer,
		limiter:      cfg.Limiter,
		ceremony:     cfg.Ceremony,
		trail:        cfg.Trail,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
	}
}

// Meta carries per-request caller context into audit events and rate keys.
type Meta struct {
	IP        string
	UserAgent string
}

// LoginRequest is the credentials presented to Login.
type LoginRequest struct {
	Identifier string
	Password   string
	Meta       Meta
}

// LoginResult is either a completed login (Pair set) or a pending one
// (MfaRequired true, MfaToken set).
type LoginResult struct {
	MfaRequired bool
	MfaToken    string
	Pair        *token.Pair
}

// Login verifies credentials and either completes the login or parks it
// behind an MFA challenge.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := s.admit(ctx, req.Meta.IP, ratelimit.ClassLogin); err != nil {
		return nil, err
	}

	ident, err := s.verifier.Authenticate(ctx, credential.Request{
		Identifier: req.Identifier,
		Password:   req.Password,
		IP:         req.Meta.IP,
		UserAgent:  req.Meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	if s.orchestrator.IsRequired(ident) {
		pending, err := s.issuer.IssueMfaPending(ident)
		if err != nil {
			return nil, fmt.Errorf("issue mfa token: %w", err)
		}
		return &LoginResult{MfaRequired: true, MfaToken: pending}, nil
	}

	pair, err := s.issuer.IssueAccessAndRefresh(ident)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	return &LoginResult{Pair: pair}, nil
}

// VerifyMfa completes a pending login. The rate key is the pending subject
// when the token decodes, the caller IP otherwise, so forged tokens cannot
// burn a victim's budget.
func (s *AuthService) VerifyMfa(ctx context.Context, mfaToken string, response mfa.Response, meta Meta) (*token.Pair, error) {
	key := meta.IP
	if claims, err := s.issuer.Validate(mfaToken, token.KindMfaPending); err == nil {
		key = claims.SubjectID
	}
	if err := s.admit(ctx, key, ratelimit.ClassMfaVerification); err != nil {
		return nil, err
	}
	return s.orchestrator.Verify(ctx, mfaToken, response, mfa.RequestMeta{IP: meta.IP, UserAgent: meta.UserAgent})
}

// Refresh rotates a refresh token into a new access/refresh pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	return s.issuer.Refresh(ctx, refreshToken, s.identities.FindByID)
}

// Logout records the logout. Tokens stay cryptographically valid until
// expiry; the event exists for the audit trail, not for revocation.
func (s *AuthService) Logout(ctx context.Context, accessToken string, meta Meta) error {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return err
	}
	return s.trail.Record(ctx, audit.Event{
		SubjectID:   claims.SubjectID,
		Kind:        audit.KindLogout,
		Description: "logout",
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	}, true)
}

// SendOtp issues and delivers a code over the chosen channel. Accepted with
// either an access token (re-verification flows) or an mfa-pending token
// (login flows).
func (s *AuthService) SendOtp(ctx context.Context, tokenString string, channel otp.Channel, meta Meta) error {
	claims, err := s.issuer.Validate(tokenString, token.KindAccess)
	if err != nil {
		claims, err = s.issuer.Validate(tokenString, token.KindMfaPending)
	}
	if err != nil {
		return err
	}

	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassOtp); err != nil {
		return err
	}

	ident, err := s.identities.FindByID(ctx, claims.SubjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	if ident == nil {
		return token.ErrInvalidToken
	}

	var method identity.MfaMethod
	switch channel {
	case otp.ChannelEmail:
		method = identity.MethodOtpEmail
	case otp.ChannelSms:
		method = identity.MethodOtpSms
	default:
		return &mfa.ValidationError{Reason: fmt.Sprintf("unknown otp channel %q", channel)}
	}
	return s.orchestrator.SendChallenge(ctx, ident, method, mfa.RequestMeta{IP: meta.IP, UserAgent: meta.UserAgent})
}

// UpdatePreferredMethod changes the caller's preferred second factor.
func (s *AuthService) UpdatePreferredMethod(ctx context.Context, accessToken string, method identity.MfaMethod, meta Meta) error {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassMfaPreferredMethod); err != nil {
		return err
	}
	return s.orchestrator.UpdatePreferredMethod(ctx, claims.SubjectID, method, mfa.RequestMeta{IP: meta.IP, UserAgent: meta.UserAgent})
}

// StartWebAuthnRegistration begins credential enrollment for the caller.
func (s *AuthService) StartWebAuthnRegistration(ctx context.Context, accessToken string) (*webauthn.ChallengePayload, error) {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassMfaSetup); err != nil {
		return nil, err
	}
	return s.ceremony.StartRegistration(ctx, claims.SubjectID)
}

// FinishWebAuthnRegistration completes credential enrollment.
func (s *AuthService) FinishWebAuthnRegistration(ctx context.Context, accessToken string, response webauthn.RegistrationResponse, nickname string) (*webauthn.Credential, error) {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassMfaSetup); err != nil {
		return nil, err
	}
	return s.ceremony.FinishRegistration(ctx, claims.SubjectID, response, nickname)
}

// StartWebAuthnAuthentication begins an assertion ceremony for a pending
// login.
func (s *AuthService) StartWebAuthnAuthentication(ctx context.Context, mfaToken string) (*webauthn.ChallengePayload, error) {
	claims, err := s.issuer.Validate(mfaToken, token.KindMfaPending)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassMfaVerification); err != nil {
		return nil, err
	}
	return s.ceremony.StartAuthentication(ctx, claims.SubjectID)
}

// FinishWebAuthnAuthentication settles a pending login with an assertion. It
// is the named front door for the assertion path of VerifyMfa and carries the
// same rate class.
func (s *AuthService) FinishWebAuthnAuthentication(ctx context.Context, mfaToken string, assertion webauthn.AssertionResponse, meta Meta) (*token.Pair, error) {
	return s.VerifyMfa(ctx, mfaToken, mfa.Response{Assertion: &assertion}, meta)
}

// DeactivateWebAuthnCredential disables one of the caller's credentials.
func (s *AuthService) DeactivateWebAuthnCredential(ctx context.Context, accessToken, credentialID string) error {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassMfaSetup); err != nil {
		return err
	}
	return s.ceremony.DeactivateCredential(ctx, claims.SubjectID, credentialID)
}

// RegisterRequest seeds a new identity. Profile management beyond this
// belongs to a different service; this exists so deployments can be
// bootstrapped and exercised end to end.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
	Phone    string
	Meta     Meta
}

// Register creates an ACTIVE identity with a hashed password. The welcome
// notification is fire-and-forget: a delivery failure never fails
// registration.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*identity.Identity, error) {
	if req.Email == "" || req.Username == "" {
		return nil, &mfa.ValidationError{Reason: "email and username are required"}
	}
	if len(req.Password) < 8 {
		return nil, &mfa.ValidationError{Reason: "password must be at least 8 characters"}
	}
	if existing, err := s.identities.FindByIdentifier(ctx, req.Username); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	} else if existing != nil {
		return nil, &mfa.ValidationError{Reason: "username already taken"}
	}
	if existing, err := s.identities.FindByIdentifier(ctx, req.Email); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	} else if existing != nil {
		return nil, &mfa.ValidationError{Reason: "email already registered"}
	}

	hash, err := credential.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	ident := &identity.Identity{
		Email:              req.Email,
		Username:           req.Username,
		PasswordHash:       hash,
		Phone:              req.Phone,
		Status:             identity.StatusActive,
		PreferredMfaMethod: identity.MethodOtpEmail,
		Roles:              []string{"user"},
	}
	if err := s.identities.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(string(otp.ChannelEmail), ident.Email, "Welcome, "+ident.Username+". Your account is ready.")
	}
	return ident, nil
}

// ChangePassword swaps the caller's password after re-proving the current
// one. The audit event is written synchronously before the call returns.
func (s *AuthService) ChangePassword(ctx context.Context, accessToken, currentPassword, newPassword string, meta Meta) error {
	claims, err := s.issuer.Validate(accessToken, token.KindAccess)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, claims.SubjectID, ratelimit.ClassPasswordReset); err != nil {
		return err
	}
	if len(newPassword) < 8 {
		return &mfa.ValidationError{Reason: "password must be at least 8 characters"}
	}

	ident, err := s.identities.FindByID(ctx, claims.SubjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	if ident == nil {
		return token.ErrInvalidToken
	}
	if !credential.ComparePassword(ident.PasswordHash, currentPassword) {
		return credential.ErrInvalidCredentials
	}

	hash, err := credential.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	ident.PasswordHash = hash
	// A successful reset clears the lockout counter along with the hash.
	ident.FailedAttempts = 0
	if err := s.identities.Save(ctx, ident); err != nil {
		return fmt.Errorf("save subject: %w", err)
	}

	return s.trail.Record(ctx, audit.Event{
		SubjectID:   ident.ID,
		Kind:        audit.KindPasswordChanged,
		Description: "password changed",
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	}, true)
}

// AdminUnlock clears a lockout ahead of its expiry.
func (s *AuthService) AdminUnlock(ctx context.Context, subjectID string, meta Meta) error {
	ident, err := s.identities.FindByID(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	if ident == nil {
		return &mfa.ValidationError{Reason: "unknown subject"}
	}
	if ident.Status != identity.StatusLocked && ident.FailedAttempts == 0 {
		return nil
	}

	ident.Status = identity.StatusActive
	ident.LockedUntil = nil
	ident.FailedAttempts = 0
	if err := s.identities.Save(ctx, ident); err != nil {
		return fmt.Errorf("save subject: %w", err)
	}

	return s.trail.Record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindAccountLocked,
		Description: "lockout cleared by administrator",
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Metadata:    map[string]any{"unlocked": true},
	}, true)
}

// RateInfo exposes the current bucket snapshot for response headers.
func (s *AuthService) RateInfo(ctx context.Context, identifier string, class ratelimit.Class) (ratelimit.Info, error) {
	return s.limiter.Info(ctx, identifier, class)
}

// admit consumes one token from the class bucket and converts a refusal
// into a RateLimitedError.
func (s *AuthService) admit(ctx context.Context, identifier string, class ratelimit.Class) error {
	decision, err := s.limiter.Allow(ctx, identifier, class, 1)
	if err != nil {
		// A broken limiter backend must not take logins down with it.
		if s.logger != nil {
			s.logger.Error("rate limiter unavailable for %s/%s: %v", identifier, class, err)
		}
		return nil
	}
	if decision.Allowed {
		return nil
	}
	return &RateLimitedError{
		Class:      class,
		Capacity:   decision.Capacity,
		Remaining:  decision.Remaining,
		RetryAfter: decision.RetryAfter,
	}
}

// IsRateLimited reports whether err is a rate-limit refusal.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited, true
	}
	return nil, false
}
