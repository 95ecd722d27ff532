package webauthn

import (
	"context"
	"sync"
	"testing"
	"time"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/identity"
)

type fakeCredentialRepo struct {
	mu          sync.Mutex
	nextID      int
	credentials map[string]*Credential
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{credentials: make(map[string]*Credential)}
}

func (r *fakeCredentialRepo) Save(_ context.Context, credential *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if credential.ID == "" {
		r.nextID++
		credential.ID = string(rune('a' + r.nextID))
	}
	clone := *credential
	r.credentials[credential.CredentialID] = &clone
	return nil
}

func (r *fakeCredentialRepo) Update(_ context.Context, credential *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *credential
	r.credentials[credential.CredentialID] = &clone
	return nil
}

func (r *fakeCredentialRepo) FindBySubject(_ context.Context, subjectID string) ([]*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Credential
	for _, credential := range r.credentials {
		if credential.SubjectID == subjectID {
			clone := *credential
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *fakeCredentialRepo) FindByCredentialID(_ context.Context, credentialID string) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if credential, ok := r.credentials[credentialID]; ok {
		clone := *credential
		return &clone, nil
	}
	return nil, nil
}

type fakeIdentityRepo struct {
	mu   sync.Mutex
	byID map[string]*identity.Identity
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{byID: make(map[string]*identity.Identity)}
}

func (r *fakeIdentityRepo) add(ident *identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *ident
	r.byID[ident.ID] = &clone
}

func (r *fakeIdentityRepo) FindByID(_ context.Context, id string) (*identity.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ident, ok := r.byID[id]; ok {
		clone := *ident
		return &clone, nil
	}
	return nil, nil
}

func (r *fakeIdentityRepo) FindByIdentifier(_ context.Context, identifier string) (*identity.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ident := range r.byID {
		if ident.Username == identifier || ident.Email == identifier {
			clone := *ident
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakeIdentityRepo) Save(_ context.Context, ident *identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *ident
	r.byID[ident.ID] = &clone
	return nil
}

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memorySink) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]audit.Kind, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func setupCeremony(t *testing.T) (*Ceremony, *fakeCredentialRepo, *fakeIdentityRepo, *memorySink, *audit.Trail) {
	t.Helper()
	credentials := newFakeCredentialRepo()
	identities := newFakeIdentityRepo()
	sink := &memorySink{}
	trail := audit.NewTrail(audit.Options{Sink: sink, Workers: 1, Buffer: 16})
	t.Cleanup(trail.Close)

	challenges, err := NewChallengeStore(ChallengeConfig{Driver: DriverMemory, TTL: time.Minute}, ChallengeDependencies{})
	if err != nil {
		t.Fatalf("NewChallengeStore: %v", err)
	}

	ceremony := NewCeremony(CeremonyOptions{
		Credentials:      credentials,
		Identities:       identities,
		Challenges:       challenges,
		Trail:            trail,
		RelyingPartyID:   "localhost",
		RelyingPartyName: "Identity Server",
		Timeout:          time.Minute,
	})
	return ceremony, credentials, identities, sink, trail
}

func activeSubject(id string) *identity.Identity {
	return &identity.Identity{
		ID:       id,
		Username: "user-" + id,
		Email:    "user-" + id + "@example.com",
		Status:   identity.StatusActive,
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	ceremony, credentials, identities, sink, trail := setupCeremony(t)
	identities.add(activeSubject("s1"))
	ctx := context.Background()

	payload, err := ceremony.StartRegistration(ctx, "s1")
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	if payload.Challenge == "" || payload.RelyingPartyID != "localhost" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Username != "user-s1" {
		t.Fatalf("expected username in payload, got %q", payload.Username)
	}

	credential, err := ceremony.FinishRegistration(ctx, "s1", RegistrationResponse{
		CredentialID: "cred-1",
		PublicKey:    "pk-ref-1",
	}, "laptop key")
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if !credential.Active || credential.SignatureCount != 0 {
		t.Fatalf("unexpected credential state: %+v", credential)
	}

	stored, err := credentials.FindByCredentialID(ctx, "cred-1")
	if err != nil || stored == nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if stored.Nickname != "laptop key" {
		t.Fatalf("expected nickname persisted, got %q", stored.Nickname)
	}

	// The challenge was consumed; finishing again must fail.
	if _, err := ceremony.FinishRegistration(ctx, "s1", RegistrationResponse{
		CredentialID: "cred-2",
		PublicKey:    "pk-ref-2",
	}, ""); err != ErrNoLiveChallenge {
		t.Fatalf("expected ErrNoLiveChallenge, got %v", err)
	}

	trail.Close()
	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindWebAuthnRegistered {
		t.Fatalf("expected one WEBAUTHN_REGISTERED event, got %v", kinds)
	}
}

func TestRegistrationWithoutChallenge(t *testing.T) {
	ceremony, _, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))

	_, err := ceremony.FinishRegistration(context.Background(), "s1", RegistrationResponse{
		CredentialID: "cred-1",
		PublicKey:    "pk-ref-1",
	}, "")
	if err != ErrNoLiveChallenge {
		t.Fatalf("expected ErrNoLiveChallenge, got %v", err)
	}
}

func TestRegistrationRejectsDuplicateCredentialID(t *testing.T) {
	ceremony, _, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))
	identities.add(activeSubject("s2"))
	ctx := context.Background()

	if _, err := ceremony.StartRegistration(ctx, "s1"); err != nil {
		t.Fatalf("StartRegistration s1: %v", err)
	}
	if _, err := ceremony.FinishRegistration(ctx, "s1", RegistrationResponse{
		CredentialID: "shared-cred",
		PublicKey:    "pk-1",
	}, ""); err != nil {
		t.Fatalf("FinishRegistration s1: %v", err)
	}

	// A different subject reusing the same credential id is a hard failure.
	if _, err := ceremony.StartRegistration(ctx, "s2"); err != nil {
		t.Fatalf("StartRegistration s2: %v", err)
	}
	if _, err := ceremony.FinishRegistration(ctx, "s2", RegistrationResponse{
		CredentialID: "shared-cred",
		PublicKey:    "pk-2",
	}, ""); err != ErrCredentialTaken {
		t.Fatalf("expected ErrCredentialTaken, got %v", err)
	}
}

func TestStartReplacesLiveChallenge(t *testing.T) {
	ceremony, _, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))
	ctx := context.Background()

	first, err := ceremony.StartRegistration(ctx, "s1")
	if err != nil {
		t.Fatalf("first StartRegistration: %v", err)
	}
	second, err := ceremony.StartRegistration(ctx, "s1")
	if err != nil {
		t.Fatalf("second StartRegistration: %v", err)
	}
	if first.Challenge == second.Challenge {
		t.Fatal("expected a fresh challenge per start call")
	}
}

func TestAuthenticationRoundTrip(t *testing.T) {
	ceremony, credentials, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))
	ctx := context.Background()

	seed := &Credential{
		SubjectID:          "s1",
		CredentialID:       "cred-1",
		PublicKeyReference: "pk-1",
		Active:             true,
	}
	if err := credentials.Save(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	inactive := &Credential{
		SubjectID:          "s1",
		CredentialID:       "cred-old",
		PublicKeyReference: "pk-old",
		Active:             false,
	}
	if err := credentials.Save(ctx, inactive); err != nil {
		t.Fatalf("seed inactive credential: %v", err)
	}

	payload, err := ceremony.StartAuthentication(ctx, "s1")
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	if len(payload.AllowCredentials) != 1 || payload.AllowCredentials[0] != "cred-1" {
		t.Fatalf("expected only active credentials in allow list, got %v", payload.AllowCredentials)
	}

	used, err := ceremony.FinishAuthentication(ctx, "s1", AssertionResponse{CredentialID: "cred-1"})
	if err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
	if used.SignatureCount != 1 || used.LastUsedAt == nil {
		t.Fatalf("expected usage bookkeeping, got %+v", used)
	}

	// The challenge was consumed on success.
	if _, err := ceremony.FinishAuthentication(ctx, "s1", AssertionResponse{CredentialID: "cred-1"}); err != ErrNoLiveChallenge {
		t.Fatalf("expected ErrNoLiveChallenge after consumption, got %v", err)
	}
}

func TestAuthenticationRejectsForeignAndInactiveCredentials(t *testing.T) {
	ceremony, credentials, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))
	identities.add(activeSubject("s2"))
	ctx := context.Background()

	if err := credentials.Save(ctx, &Credential{
		SubjectID: "s2", CredentialID: "cred-other", PublicKeyReference: "pk", Active: true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := credentials.Save(ctx, &Credential{
		SubjectID: "s1", CredentialID: "cred-dead", PublicKeyReference: "pk", Active: false,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := ceremony.StartAuthentication(ctx, "s1"); err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}

	cases := []AssertionResponse{
		{CredentialID: "cred-unknown"},
		{CredentialID: "cred-other"},
		{CredentialID: "cred-dead"},
		{},
	}
	for _, assertion := range cases {
		if _, err := ceremony.FinishAuthentication(ctx, "s1", assertion); err != ErrAssertionRejected {
			t.Fatalf("assertion %+v: expected ErrAssertionRejected, got %v", assertion, err)
		}
	}

	// Rejections do not consume the challenge; a valid follow-up assertion
	// cannot exist here, but the challenge must still be live.
	if err := credentials.Save(ctx, &Credential{
		SubjectID: "s1", CredentialID: "cred-live", PublicKeyReference: "pk", Active: true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := ceremony.FinishAuthentication(ctx, "s1", AssertionResponse{CredentialID: "cred-live"}); err != nil {
		t.Fatalf("expected challenge to survive rejected assertions, got %v", err)
	}
}

func TestDeactivateLastCredentialResetsPreferredMethod(t *testing.T) {
	ceremony, credentials, identities, sink, trail := setupCeremony(t)
	subject := activeSubject("s1")
	subject.MfaEnabled = true
	subject.PreferredMfaMethod = identity.MethodWebAuthn
	identities.add(subject)
	ctx := context.Background()

	if err := credentials.Save(ctx, &Credential{
		SubjectID: "s1", CredentialID: "cred-1", PublicKeyReference: "pk", Active: true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := ceremony.DeactivateCredential(ctx, "s1", "cred-1"); err != nil {
		t.Fatalf("DeactivateCredential: %v", err)
	}

	stored, _ := credentials.FindByCredentialID(ctx, "cred-1")
	if stored.Active {
		t.Fatal("expected credential deactivated")
	}
	updated, _ := identities.FindByID(ctx, "s1")
	if updated.PreferredMfaMethod != identity.MethodOtpEmail {
		t.Fatalf("expected preferred method reset to OTP_EMAIL, got %s", updated.PreferredMfaMethod)
	}

	trail.Close()
	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != audit.KindCredentialDeactivated || kinds[1] != audit.KindMfaMethodUpdated {
		t.Fatalf("unexpected audit kinds: %v", kinds)
	}
}

func TestDeactivateKeepsPreferenceWhileOthersRemain(t *testing.T) {
	ceremony, credentials, identities, _, _ := setupCeremony(t)
	subject := activeSubject("s1")
	subject.PreferredMfaMethod = identity.MethodWebAuthn
	identities.add(subject)
	ctx := context.Background()

	for _, id := range []string{"cred-1", "cred-2"} {
		if err := credentials.Save(ctx, &Credential{
			SubjectID: "s1", CredentialID: id, PublicKeyReference: "pk", Active: true,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := ceremony.DeactivateCredential(ctx, "s1", "cred-1"); err != nil {
		t.Fatalf("DeactivateCredential: %v", err)
	}
	updated, _ := identities.FindByID(ctx, "s1")
	if updated.PreferredMfaMethod != identity.MethodWebAuthn {
		t.Fatalf("expected preference untouched, got %s", updated.PreferredMfaMethod)
	}
}

func TestDeactivateUnknownCredential(t *testing.T) {
	ceremony, _, identities, _, _ := setupCeremony(t)
	identities.add(activeSubject("s1"))

	if err := ceremony.DeactivateCredential(context.Background(), "s1", "missing"); err != ErrCredentialNotFound {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}
