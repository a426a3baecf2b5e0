package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/events"
)

var (
	// ErrRoleNotAllowed is returned when self-registration asks for a role
	// that only an operator may grant.
	ErrRoleNotAllowed = errors.New("role cannot be self-assigned")
	// ErrSelfDeactivation is returned when an admin targets their own account.
	ErrSelfDeactivation = errors.New("cannot deactivate own account")
)

// Revocation scopes recorded when account changes end sessions.
const (
	scopeDeactivated    = "account"
	scopeAdmin          = "admin"
	scopePasswordChange = "password_change"
)

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, ownerID uuid.UUID, scope string) (int64, error)
}

type Service struct {
	repo      Repository
	hasher    auth.PasswordHasher
	sessions  SessionRevoker
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, hasher auth.PasswordHasher, sessions SessionRevoker) *Service {
	return &Service{
		repo:     repo,
		hasher:   hasher,
		sessions: sessions,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "account").Logger()
}

type accountEvent struct {
	Role   string `json:"role,omitempty"`
	Active bool   `json:"active"`
	By     string `json:"by,omitempty"`
	Count  int64  `json:"revoked_sessions,omitempty"`
}

func (s *Service) emit(ctx context.Context, eventType string, u *User, data accountEvent) {
	data.Role = u.Role.String()
	data.Active = u.Active
	events.Emit(ctx, s.publisher, s.logger, eventType, u.ID.String(), events.AggregateAccount, data)
}

// RegisterInput is a self-service sign-up.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        auth.Role
}

// Register creates a patient or doctor account. Patients can sign in right
// away; doctors start inactive until an admin approves them.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	switch in.Role {
	case auth.RolePatient, auth.RoleDoctor:
	default:
		return nil, ErrRoleNotAllowed
	}
	u, err := s.create(ctx, in, in.Role == auth.RolePatient)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", u.Role.String()).Bool("active", u.Active).Msg("account registered")
	s.emit(ctx, events.AccountRegistered, u, accountEvent{})
	return u, nil
}

// Provision creates an account with any role, for operator bootstrap.
func (s *Service) Provision(ctx context.Context, in RegisterInput, active bool) (*User, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", in.Role)
	}
	u, err := s.create(ctx, in, active)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", u.Role.String()).Msg("account provisioned")
	s.emit(ctx, events.AccountRegistered, u, accountEvent{By: "operator"})
	return u, nil
}

func (s *Service) create(ctx context.Context, in RegisterInput, active bool) (*User, error) {
	email := auth.NormalizeIdentifier(in.Email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	digest, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	u := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: digest,
		Role:         in.Role,
		Active:       active,
		DisplayName:  in.DisplayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*User, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// ListPending returns doctors awaiting approval, oldest first.
func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*User, int, error) {
	role, active := auth.RoleDoctor, false
	return s.repo.List(ctx, Filter{Role: &role, Active: &active}, limit, offset)
}

// Approve activates an account. Approving an active account is a no-op.
func (s *Service) Approve(ctx context.Context, id, by uuid.UUID) (*User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Active {
		return u, nil
	}
	if err := s.repo.Approve(ctx, id, by, s.now().UTC()); err != nil {
		return nil, err
	}
	if u, err = s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", id.String()).Str("approved_by", by.String()).Msg("account approved")
	s.emit(ctx, events.AccountApproved, u, accountEvent{By: by.String()})
	return u, nil
}

// Deactivate disables sign-in for an account and ends all of its sessions.
// Access tokens already issued lapse with their TTL.
func (s *Service) Deactivate(ctx context.Context, id, by uuid.UUID) (*User, error) {
	if id == by {
		return nil, ErrSelfDeactivation
	}
	if err := s.repo.SetActive(ctx, id, false, s.now().UTC()); err != nil {
		return nil, err
	}
	n, err := s.sessions.RevokeAll(ctx, id, scopeDeactivated)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions of deactivated account: %w", err)
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", id.String()).Str("deactivated_by", by.String()).Int64("revoked_sessions", n).Msg("account deactivated")
	s.emit(ctx, events.AccountDeactivated, u, accountEvent{By: by.String(), Count: n})
	return u, nil
}

// RevokeSessions ends every session of the account on an admin's request.
func (s *Service) RevokeSessions(ctx context.Context, id uuid.UUID) (int64, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return 0, err
	}
	return s.sessions.RevokeAll(ctx, id, scopeAdmin)
}

// ChangePassword replaces the password after checking the current one, then
// ends every session so other devices must sign in again.
func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Compare(ctx, current, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		return auth.ErrInvalidCredentials
	}
	digest, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, id, digest, s.now().UTC()); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, id, scopePasswordChange); err != nil {
		return fmt.Errorf("revoke sessions after password change: %w", err)
	}
	s.logger.Info().Str("user_id", id.String()).Msg("password changed")
	return nil
}

// Identities adapts the repository to auth.IdentityLookup.
type Identities struct {
	repo Repository
}

var _ auth.IdentityLookup = (*Identities)(nil)

func NewIdentities(repo Repository) *Identities {
	return &Identities{repo: repo}
}

func (i *Identities) LookupByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	u, err := i.repo.GetByEmail(ctx, auth.NormalizeIdentifier(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrIdentityNotFound
		}
		return nil, err
	}
	return u.Identity(), nil
}

func (i *Identities) LookupByID(ctx context.Context, id uuid.UUID) (*auth.Identity, error) {
	u, err := i.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrIdentityNotFound
		}
		return nil, err
	}
	return u.Identity(), nil
}
