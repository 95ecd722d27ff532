package webauthn

import (
	"context"
	"time"
)

// Purpose distinguishes the two challenge ceremonies.
type Purpose string

const (
	PurposeRegister     Purpose = "REGISTER"
	PurposeAuthenticate Purpose = "AUTHENTICATE"
)

// Credential is a registered public-key credential bound to a subject.
// SignatureCount is informational; it is incremented on use but not enforced.
type Credential struct {
	ID                 string
	SubjectID          string
	CredentialID       string
	PublicKeyReference string
	SignatureCount     uint32
	Nickname           string
	Active             bool
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CredentialRepository persists registered credentials.
type CredentialRepository interface {
	Save(ctx context.Context, credential *Credential) error
	Update(ctx context.Context, credential *Credential) error
	FindBySubject(ctx context.Context, subjectID string) ([]*Credential, error)
	// FindByCredentialID looks a credential up across all subjects;
	// credential ids are globally unique.
	FindByCredentialID(ctx context.Context, credentialID string) (*Credential, error)
}

// RegistrationResponse is the authenticator's answer to a REGISTER challenge.
type RegistrationResponse struct {
	CredentialID string `json:"credential_id"`
	PublicKey    string `json:"public_key"`
	ClientData   string `json:"client_data,omitempty"`
}

// AssertionResponse is the authenticator's answer to an AUTHENTICATE challenge.
type AssertionResponse struct {
	CredentialID string `json:"credential_id"`
	Signature    string `json:"signature,omitempty"`
	ClientData   string `json:"client_data,omitempty"`
}

// ChallengePayload describes what the client authenticator should do next.
type ChallengePayload struct {
	Challenge        string   `json:"challenge"`
	RelyingPartyID   string   `json:"rp_id"`
	RelyingPartyName string   `json:"rp_name"`
	SubjectID        string   `json:"subject_id"`
	Username         string   `json:"username,omitempty"`
	Algorithms       []int    `json:"algorithms,omitempty"`
	AllowCredentials []string `json:"allow_credentials,omitempty"`
	TimeoutMillis    int64    `json:"timeout_ms"`
}
