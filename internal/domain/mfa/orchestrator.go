package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/identity"
	"identity-server-go/internal/domain/notify"
	"identity-server-go/internal/domain/otp"
	"identity-server-go/internal/domain/token"
	"identity-server-go/internal/domain/webauthn"
)

// ErrInvalidMfa is the single failure returned to callers for any
// verification problem. Wrong code, expired code, exhausted attempts and bad
// assertions all look the same at the boundary; the audit trail keeps the
// distinction.
var ErrInvalidMfa = errors.New("invalid mfa verification")

// ValidationError reports a non-security input problem with its reason,
// such as selecting an MFA method the identity cannot actually use.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Logger is the minimal logging contract used by the orchestrator.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Response is the caller's answer to an MFA challenge. Exactly one field is
// set; the orchestrator dispatches on which one.
type Response struct {
	OtpCode   string                      `json:"otp_code,omitempty"`
	Assertion *webauthn.AssertionResponse `json:"assertion,omitempty"`
}

// RequestMeta carries caller metadata into audit events.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Options configures an Orchestrator.
type Options struct {
	Identities  identity.Repository
	Issuer      *token.Issuer
	Codes       otp.Store
	Ceremony    *webauthn.Ceremony
	Credentials webauthn.CredentialRepository
	Dispatcher  *notify.Dispatcher
	Trail       *audit.Trail
	Logger      Logger
}

// Orchestrator decides whether a second factor is required, sends OTP
// challenges and verifies second-factor responses.
type Orchestrator struct {
	identities  identity.Repository
	issuer      *token.Issuer
	codes       otp.Store
	ceremony    *webauthn.Ceremony
	credentials webauthn.CredentialRepository
	dispatcher  *notify.Dispatcher
	trail       *audit.Trail
	logger      Logger
}

// NewOrchestrator builds an Orchestrator from its collaborators.
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		identities:  opts.Identities,
		issuer:      opts.Issuer,
		codes:       opts.Codes,
		ceremony:    opts.Ceremony,
		credentials: opts.Credentials,
		dispatcher:  opts.Dispatcher,
		trail:       opts.Trail,
		logger:      opts.Logger,
	}
}

// IsRequired reports whether the identity must present a second factor.
func (o *Orchestrator) IsRequired(ident *identity.Identity) bool {
	return ident.MfaEnabled
}

// SendChallenge issues and delivers an OTP for the chosen method. WEBAUTHN is
// a no-op here: the client drives that ceremony directly. Delivery is
// fire-and-forget; only issuing the code can fail.
func (o *Orchestrator) SendChallenge(ctx context.Context, ident *identity.Identity, method identity.MfaMethod, meta RequestMeta) error {
	var channel otp.Channel
	var address string

	switch method {
	case identity.MethodOtpEmail:
		if ident.Email == "" {
			return &ValidationError{Reason: "no email address configured"}
		}
		channel, address = otp.ChannelEmail, ident.Email
	case identity.MethodOtpSms:
		if ident.Phone == "" {
			return &ValidationError{Reason: "no phone number configured"}
		}
		channel, address = otp.ChannelSms, ident.Phone
	case identity.MethodWebAuthn:
		return nil
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown mfa method %q", method)}
	}

	code, err := o.codes.Issue(ctx, ident.ID, channel)
	if err != nil {
		return fmt.Errorf("issue otp: %w", err)
	}

	if o.dispatcher != nil {
		o.dispatcher.Dispatch(string(channel), address, "Your verification code is "+code)
	}
	o.record(ctx, audit.Event{
		SubjectID:   ident.ID,
		Kind:        audit.KindOtpSent,
		Description: "otp challenge sent",
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Metadata:    map[string]any{"channel": string(channel)},
	}, false)
	return nil
}

// Verify checks an MFA response against a pending login and, on success,
// completes it with a full token pair.
func (o *Orchestrator) Verify(ctx context.Context, mfaToken string, response Response, meta RequestMeta) (*token.Pair, error) {
	claims, err := o.issuer.Validate(mfaToken, token.KindMfaPending)
	if err != nil {
		o.auditFailure(ctx, "", "mfa token rejected", meta)
		return nil, ErrInvalidMfa
	}

	ident, err := o.identities.FindByID(ctx, claims.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if ident == nil || ident.Status != identity.StatusActive {
		o.auditFailure(ctx, claims.SubjectID, "subject not active", meta)
		return nil, ErrInvalidMfa
	}

	ok, detail, err := o.checkFactor(ctx, ident, response)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.auditFailure(ctx, ident.ID, detail, meta)
		return nil, ErrInvalidMfa
	}

	now := time.Now().UTC()
	ident.LastLoginAt = &now
	if err := o.identities.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save subject: %w", err)
	}

	if err := o.record(ctx, audit.Event{
		SubjectID:   ident.ID,
		Kind:        audit.KindMfaSuccess,
		Description: detail,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	}, true); err != nil {
		return nil, err
	}
	return o.issuer.IssueAccessAndRefresh(ident)
}

// checkFactor dispatches on the response shape. The detail string is for the
// audit trail only and never reaches the caller.
func (o *Orchestrator) checkFactor(ctx context.Context, ident *identity.Identity, response Response) (bool, string, error) {
	switch {
	case response.OtpCode != "":
		ok, err := o.codes.Verify(ctx, ident.ID, response.OtpCode)
		if err != nil {
			return false, "", fmt.Errorf("verify otp: %w", err)
		}
		if !ok {
			return false, "otp rejected", nil
		}
		return true, "otp verified", nil

	case response.Assertion != nil:
		_, err := o.ceremony.FinishAuthentication(ctx, ident.ID, *response.Assertion)
		if err != nil {
			if errors.Is(err, webauthn.ErrNoLiveChallenge) || errors.Is(err, webauthn.ErrAssertionRejected) {
				return false, "webauthn assertion rejected", nil
			}
			return false, "", err
		}
		return true, "webauthn assertion verified", nil

	default:
		return false, "empty mfa response", nil
	}
}

// UpdatePreferredMethod changes the subject's preferred second factor after
// checking the method is actually usable for this identity.
func (o *Orchestrator) UpdatePreferredMethod(ctx context.Context, subjectID string, method identity.MfaMethod, meta RequestMeta) error {
	if !identity.ValidMethod(string(method)) {
		return &ValidationError{Reason: fmt.Sprintf("unknown mfa method %q", method)}
	}

	ident, err := o.identities.FindByID(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	if ident == nil {
		return &ValidationError{Reason: "unknown subject"}
	}

	switch method {
	case identity.MethodOtpEmail:
		if ident.Email == "" {
			return &ValidationError{Reason: "no email address configured"}
		}
	case identity.MethodOtpSms:
		if ident.Phone == "" {
			return &ValidationError{Reason: "no phone number configured"}
		}
	case identity.MethodWebAuthn:
		active, err := o.activeCredentialCount(ctx, subjectID)
		if err != nil {
			return err
		}
		if active == 0 {
			return &ValidationError{Reason: "no active webauthn credentials"}
		}
	}

	previous := ident.PreferredMfaMethod
	if previous == method {
		return nil
	}
	ident.PreferredMfaMethod = method
	if err := o.identities.Save(ctx, ident); err != nil {
		return fmt.Errorf("save subject: %w", err)
	}

	o.record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindMfaMethodUpdated,
		Description: "preferred mfa method updated",
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Metadata:    map[string]any{"from": string(previous), "to": string(method)},
	}, false)
	return nil
}

func (o *Orchestrator) activeCredentialCount(ctx context.Context, subjectID string) (int, error) {
	credentials, err := o.credentials.FindBySubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("inspect credentials: %w", err)
	}
	count := 0
	for _, credential := range credentials {
		if credential.Active {
			count++
		}
	}
	return count, nil
}

func (o *Orchestrator) auditFailure(ctx context.Context, subjectID, detail string, meta RequestMeta) {
	o.record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindMfaFailure,
		Description: detail,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	}, true)
}

func (o *Orchestrator) record(ctx context.Context, event audit.Event, sync bool) error {
	if o.trail == nil {
		return nil
	}
	if err := o.trail.Record(ctx, event, sync); err != nil {
		if o.logger != nil {
			o.logger.Error("audit record failed: %s: %v", event.Kind, err)
		}
		return err
	}
	return nil
}
