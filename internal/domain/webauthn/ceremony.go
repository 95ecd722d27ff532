package webauthn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/identity"
)

var (
	// ErrNoLiveChallenge is returned when a finish call arrives without a
	// matching challenge having been started (or after it expired).
	ErrNoLiveChallenge = errors.New("no live webauthn challenge")
	// ErrCredentialTaken is returned when a registration reuses a credential
	// id that is already stored, for any subject.
	ErrCredentialTaken = errors.New("credential id is already registered")
	// ErrCredentialNotFound is returned when a credential id does not resolve
	// to an active credential owned by the subject.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrAssertionRejected is returned when an assertion does not name an
	// active credential of the subject.
	ErrAssertionRejected = errors.New("assertion rejected")
)

// Logger is the minimal logging contract used by the ceremony.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// CeremonyOptions configures a Ceremony.
type CeremonyOptions struct {
	Credentials CredentialRepository
	Identities  identity.Repository
	Challenges  ChallengeStore
	Trail       *audit.Trail
	Logger      Logger

	RelyingPartyID   string
	RelyingPartyName string
	Timeout          time.Duration
}

// Ceremony runs the registration and authentication flows for public-key
// credentials. Possession is attested by the client answering a live
// challenge with a credential id the server knows; the signature bytes in
// the assertion are carried but not cryptographically verified, so
// SignatureCount is informational only.
type Ceremony struct {
	credentials CredentialRepository
	identities  identity.Repository
	challenges  ChallengeStore
	trail       *audit.Trail
	logger      Logger

	rpID    string
	rpName  string
	timeout time.Duration
}

// Supported COSE algorithm identifiers advertised to authenticators
// (ES256, RS256).
var supportedAlgorithms = []int{-7, -257}

// NewCeremony builds a Ceremony from its collaborators.
func NewCeremony(opts CeremonyOptions) *Ceremony {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Ceremony{
		credentials: opts.Credentials,
		identities:  opts.Identities,
		challenges:  opts.Challenges,
		trail:       opts.Trail,
		logger:      opts.Logger,
		rpID:        opts.RelyingPartyID,
		rpName:      opts.RelyingPartyName,
		timeout:     timeout,
	}
}

// StartRegistration issues a fresh REGISTER challenge for the subject,
// replacing any prior one.
func (c *Ceremony) StartRegistration(ctx context.Context, subjectID string) (*ChallengePayload, error) {
	subject, err := c.identities.FindByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, ErrCredentialNotFound
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	if err := c.challenges.Put(ctx, subjectID, PurposeRegister, challenge); err != nil {
		return nil, fmt.Errorf("store registration challenge: %w", err)
	}

	return &ChallengePayload{
		Challenge:        challenge,
		RelyingPartyID:   c.rpID,
		RelyingPartyName: c.rpName,
		SubjectID:        subjectID,
		Username:         subject.Username,
		Algorithms:       supportedAlgorithms,
		TimeoutMillis:    c.timeout.Milliseconds(),
	}, nil
}

// FinishRegistration completes a REGISTER ceremony. The credential id must be
// new across all subjects; a collision is a hard failure, never an overwrite.
func (c *Ceremony) FinishRegistration(ctx context.Context, subjectID string, response RegistrationResponse, nickname string) (*Credential, error) {
	if response.CredentialID == "" || response.PublicKey == "" {
		return nil, ErrAssertionRejected
	}

	challenge, err := c.challenges.Get(ctx, subjectID, PurposeRegister)
	if err != nil {
		return nil, err
	}
	if challenge == "" {
		return nil, ErrNoLiveChallenge
	}

	existing, err := c.credentials.FindByCredentialID(ctx, response.CredentialID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrCredentialTaken
	}

	credential := &Credential{
		SubjectID:          subjectID,
		CredentialID:       response.CredentialID,
		PublicKeyReference: response.PublicKey,
		Nickname:           nickname,
		Active:             true,
	}
	if err := c.credentials.Save(ctx, credential); err != nil {
		return nil, err
	}

	if err := c.challenges.Delete(ctx, subjectID, PurposeRegister); err != nil && c.logger != nil {
		c.logger.Warn("failed to delete consumed registration challenge for %s: %v", subjectID, err)
	}

	c.record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindWebAuthnRegistered,
		Description: "webauthn credential registered",
		Metadata:    map[string]any{"credential_id": credential.CredentialID, "nickname": nickname},
	})
	return credential, nil
}

// StartAuthentication issues a fresh AUTHENTICATE challenge. A subject with no
// active credentials still gets a challenge; the finish call will then fail.
func (c *Ceremony) StartAuthentication(ctx context.Context, subjectID string) (*ChallengePayload, error) {
	credentials, err := c.credentials.FindBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	allow := make([]string, 0, len(credentials))
	for _, credential := range credentials {
		if credential.Active {
			allow = append(allow, credential.CredentialID)
		}
	}
	if len(allow) == 0 && c.logger != nil {
		c.logger.Warn("authentication challenge issued for subject %s with no active credentials", subjectID)
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	if err := c.challenges.Put(ctx, subjectID, PurposeAuthenticate, challenge); err != nil {
		return nil, fmt.Errorf("store authentication challenge: %w", err)
	}

	return &ChallengePayload{
		Challenge:        challenge,
		RelyingPartyID:   c.rpID,
		RelyingPartyName: c.rpName,
		SubjectID:        subjectID,
		AllowCredentials: allow,
		TimeoutMillis:    c.timeout.Milliseconds(),
	}, nil
}

// FinishAuthentication completes an AUTHENTICATE ceremony. The assertion must
// name an active credential of the subject while a challenge is live; the
// challenge is consumed only on success, so a mistyped assertion does not
// force a restart.
func (c *Ceremony) FinishAuthentication(ctx context.Context, subjectID string, response AssertionResponse) (*Credential, error) {
	challenge, err := c.challenges.Get(ctx, subjectID, PurposeAuthenticate)
	if err != nil {
		return nil, err
	}
	if challenge == "" {
		return nil, ErrNoLiveChallenge
	}

	if response.CredentialID == "" {
		return nil, ErrAssertionRejected
	}
	credential, err := c.credentials.FindByCredentialID(ctx, response.CredentialID)
	if err != nil {
		return nil, err
	}
	if credential == nil || credential.SubjectID != subjectID || !credential.Active {
		return nil, ErrAssertionRejected
	}

	now := time.Now().UTC()
	credential.SignatureCount++
	credential.LastUsedAt = &now
	if err := c.credentials.Update(ctx, credential); err != nil {
		return nil, err
	}

	if err := c.challenges.Delete(ctx, subjectID, PurposeAuthenticate); err != nil && c.logger != nil {
		c.logger.Warn("failed to delete consumed authentication challenge for %s: %v", subjectID, err)
	}
	return credential, nil
}

// DeactivateCredential flips a credential inactive. Deactivating the last
// active credential of a subject whose preferred MFA method is WEBAUTHN
// falls the preference back to OTP_EMAIL so MFA stays completable.
func (c *Ceremony) DeactivateCredential(ctx context.Context, subjectID, credentialID string) error {
	credential, err := c.credentials.FindByCredentialID(ctx, credentialID)
	if err != nil {
		return err
	}
	if credential == nil || credential.SubjectID != subjectID || !credential.Active {
		return ErrCredentialNotFound
	}

	credential.Active = false
	if err := c.credentials.Update(ctx, credential); err != nil {
		return err
	}

	c.record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindCredentialDeactivated,
		Description: "webauthn credential deactivated",
		Metadata:    map[string]any{"credential_id": credentialID},
	})

	remaining, err := c.credentials.FindBySubject(ctx, subjectID)
	if err != nil {
		return err
	}
	for _, other := range remaining {
		if other.Active {
			return nil
		}
	}

	subject, err := c.identities.FindByID(ctx, subjectID)
	if err != nil {
		return err
	}
	if subject == nil || subject.PreferredMfaMethod != identity.MethodWebAuthn {
		return nil
	}

	subject.PreferredMfaMethod = identity.MethodOtpEmail
	if err := c.identities.Save(ctx, subject); err != nil {
		return err
	}
	c.record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindMfaMethodUpdated,
		Description: "preferred mfa method reset after last webauthn credential was deactivated",
		Metadata:    map[string]any{"method": string(identity.MethodOtpEmail), "forced": true},
	})
	return nil
}

func (c *Ceremony) record(ctx context.Context, event audit.Event) {
	if c.trail == nil {
		return
	}
	if err := c.trail.Record(ctx, event, false); err != nil && c.logger != nil {
		c.logger.Error("audit record failed: %s: %v", event.Kind, err)
	}
}

func newChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
