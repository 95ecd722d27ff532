package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/identity"
)

var (
	// ErrInvalidCredentials covers unknown identifier, wrong password and
	// non-active status alike; callers get one generic message so the
	// response cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is reported explicitly; the locked state is not a
	// secret and the caller can act on it.
	ErrAccountLocked = errors.New("account temporarily locked")
)

// Logger is the minimal logging contract used by the verifier.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Options configures a Verifier.
type Options struct {
	Repository        identity.Repository
	Trail             *audit.Trail
	Logger            Logger
	MaxFailedAttempts int
	WarnAfterAttempts int
	LockDuration      time.Duration
}

// Verifier checks passwords and drives the per-identity lockout state
// machine: ACTIVE <-> LOCKED, with INACTIVE and PENDING_VERIFICATION as
// reject-immediately states.
type Verifier struct {
	repo         identity.Repository
	trail        *audit.Trail
	logger       Logger
	maxAttempts  int
	warnAttempts int
	lockDuration time.Duration
}

// NewVerifier wires a Verifier using the supplied options.
func NewVerifier(opts Options) (*Verifier, error) {
	if opts.Repository == nil {
		return nil, errors.New("credential verifier requires a repository")
	}
	if opts.Trail == nil {
		return nil, errors.New("credential verifier requires an audit trail")
	}
	maxAttempts := opts.MaxFailedAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	warnAttempts := opts.WarnAfterAttempts
	if warnAttempts <= 0 {
		warnAttempts = 3
	}
	lockDuration := opts.LockDuration
	if lockDuration <= 0 {
		lockDuration = time.Hour
	}
	return &Verifier{
		repo:         opts.Repository,
		trail:        opts.Trail,
		logger:       opts.Logger,
		maxAttempts:  maxAttempts,
		warnAttempts: warnAttempts,
		lockDuration: lockDuration,
	}, nil
}

// Request carries the caller context an authentication attempt is judged in.
type Request struct {
	Identifier string
	Password   string
	IP         string
	UserAgent  string
}

// Authenticate runs the full password check including lockout handling.
// On success it returns the identity; routing between MFA and direct token
// issuance is the caller's concern.
func (v *Verifier) Authenticate(ctx context.Context, req Request) (*identity.Identity, error) {
	ident, err := v.repo.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if ident == nil {
		// Unknown identifier gets the same response as a bad password.
		v.auditFailure(ctx, "", req, "unknown identifier")
		return nil, ErrInvalidCredentials
	}

	now := time.Now()

	if ident.Locked(now) {
		v.auditFailure(ctx, ident.ID, req, "account locked")
		return nil, ErrAccountLocked
	}

	if ident.Status == identity.StatusLocked {
		// Lock window elapsed: repair the record before evaluating the
		// password so the unlocked state is visible to every reader, not
		// just this request.
		ident.Status = identity.StatusActive
		ident.LockedUntil = nil
		ident.FailedAttempts = 0
		if err := v.repo.Save(ctx, ident); err != nil {
			return nil, fmt.Errorf("auto-unlock identity: %w", err)
		}
		if v.logger != nil {
			v.logger.Info("auto-unlocked identity after lock window: %s", ident.ID)
		}
	}

	if ident.Status != identity.StatusActive {
		v.auditFailure(ctx, ident.ID, req, "status "+string(ident.Status))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(req.Password)); err != nil {
		// The failure event is written before the lockout mutation so a
		// crash in between still leaves evidence of the attempt.
		v.auditFailure(ctx, ident.ID, req, "password mismatch")
		if err := v.recordFailedAttempt(ctx, ident, req); err != nil && v.logger != nil {
			v.logger.Error("failed to record login failure for %s: %v", ident.ID, err)
		}
		return nil, ErrInvalidCredentials
	}

	ident.FailedAttempts = 0
	ident.LastLoginAt = &now
	if err := v.repo.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save identity after login: %w", err)
	}

	_ = v.trail.Record(ctx, audit.Event{
		SubjectID:   ident.ID,
		Kind:        audit.KindLoginSuccess,
		Description: "password accepted",
		IP:          req.IP,
		UserAgent:   req.UserAgent,
	}, true)

	return ident, nil
}

func (v *Verifier) recordFailedAttempt(ctx context.Context, ident *identity.Identity, req Request) error {
	ident.FailedAttempts++

	if ident.FailedAttempts >= v.maxAttempts {
		lockedUntil := time.Now().Add(v.lockDuration)
		ident.Status = identity.StatusLocked
		ident.LockedUntil = &lockedUntil
		if err := v.repo.Save(ctx, ident); err != nil {
			return err
		}
		return v.trail.Record(ctx, audit.Event{
			SubjectID:   ident.ID,
			Kind:        audit.KindAccountLocked,
			Description: fmt.Sprintf("locked after %d failed attempts", ident.FailedAttempts),
			IP:          req.IP,
			UserAgent:   req.UserAgent,
			Metadata:    map[string]any{"locked_until": lockedUntil},
		}, true)
	}

	if err := v.repo.Save(ctx, ident); err != nil {
		return err
	}

	if ident.FailedAttempts >= v.warnAttempts {
		// Early warning well before the hard lock triggers.
		return v.trail.Record(ctx, audit.Event{
			SubjectID:   ident.ID,
			Kind:        audit.KindSuspiciousActivity,
			Description: fmt.Sprintf("%d consecutive failed login attempts", ident.FailedAttempts),
			IP:          req.IP,
			UserAgent:   req.UserAgent,
		}, false)
	}
	return nil
}

func (v *Verifier) auditFailure(ctx context.Context, subjectID string, req Request, reason string) {
	_ = v.trail.Record(ctx, audit.Event{
		SubjectID:   subjectID,
		Kind:        audit.KindLoginFailure,
		Description: reason,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
	}, true)
}

// HashPassword produces a bcrypt hash for seeding and password changes.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

// ComparePassword reports whether password matches the stored hash.
func ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
