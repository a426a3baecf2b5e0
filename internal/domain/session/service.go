package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/events"
	"github.com/ehr/medportal/internal/platform/metrics"
)

// Config holds the session lifetimes and I/O bounds.
type Config struct {
	RefreshTTL   time.Duration
	StoreTimeout time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Revocation scopes, used for metrics and audit events.
const (
	ScopeSingle   = "single"
	ScopeAll      = "all"
	ScopeTargeted = "targeted"
	ScopeAdmin    = "admin"
	ScopeAccount  = "account"
)

// Manager orchestrates login, refresh rotation and revocation. It holds no
// per-request state; everything durable lives in the Store.
type Manager struct {
	store      Store
	verifier   *auth.CredentialVerifier
	identities auth.IdentityLookup
	tokens     *auth.TokenIssuer
	cfg        Config

	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewManager(
	store Store,
	verifier *auth.CredentialVerifier,
	identities auth.IdentityLookup,
	tokens *auth.TokenIssuer,
	cfg Config,
) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	return &Manager{
		store:      store,
		verifier:   verifier,
		identities: identities,
		tokens:     tokens,
		cfg:        cfg,
		logger:     zerolog.Nop(),
	}
}

// SetPublisher attaches the audit event publisher.
func (m *Manager) SetPublisher(p events.Publisher) { m.publisher = p }

// SetMetrics attaches the prometheus collectors.
func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

func (m *Manager) SetLogger(l zerolog.Logger) {
	m.logger = l.With().Str("component", "session").Logger()
}

// RefreshTTL returns the lifetime of a refresh token.
func (m *Manager) RefreshTTL() time.Duration { return m.cfg.RefreshTTL }

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

type sessionEvent struct {
	SessionID         string `json:"session_id,omitempty"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	OwnerID           string `json:"owner_id,omitempty"`
	Role              string `json:"role,omitempty"`
	Device            string `json:"device,omitempty"`
	IP                string `json:"ip,omitempty"`
	Scope             string `json:"scope,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Count             int64  `json:"count,omitempty"`
}

func (m *Manager) emit(ctx context.Context, eventType, aggregateID string, data sessionEvent) {
	events.Emit(ctx, m.publisher, m.logger, eventType, aggregateID, events.AggregateSession, data)
}

// newSession builds a session for owner with a fresh refresh token and a
// full window starting at now.
func (m *Manager) newSession(owner uuid.UUID, md Metadata, now time.Time) (*Session, string, error) {
	raw, err := m.tokens.IssueRefreshToken()
	if err != nil {
		return nil, "", err
	}
	return &Session{
		ID:               uuid.New(),
		OwnerID:          owner,
		RefreshTokenHash: auth.HashRefreshToken(raw),
		Device:           md.Device,
		UserAgent:        md.UserAgent,
		IP:               md.IP,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.RefreshTTL),
	}, raw, nil
}

func pair(s *Session, raw string, access auth.AccessToken, role auth.Role) *TokenPair {
	return &TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		AccessExpiresIn:  access.ExpiresAt.Sub(access.IssuedAt),
		RefreshToken:     raw,
		RefreshExpiresAt: s.ExpiresAt,
		SessionID:        s.ID,
		UserID:           s.OwnerID,
		Role:             role,
	}
}

// Login verifies credentials and opens a new session for the device.
// Existing sessions of the user are left alone.
func (m *Manager) Login(ctx context.Context, identifier, password string, md Metadata) (*TokenPair, error) {
	ident, err := m.verifier.Verify(ctx, identifier, password)
	if err != nil {
		m.metrics.Login(loginResult(err))
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrAccountNotActive) {
			m.emitLoginFailed(ctx, identifier, md, auth.Code(err))
			return nil, err
		}
		m.logger.Error().Err(err).Msg("credential verification failed")
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	now := m.cfg.Now().UTC()
	access, err := m.tokens.IssueAccessToken(ident.UserID, ident.Role)
	if err != nil {
		m.metrics.Login("error")
		return nil, err
	}
	s, raw, err := m.newSession(ident.UserID, md, now)
	if err != nil {
		m.metrics.Login("error")
		return nil, err
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Create(sctx, s); err != nil {
		m.metrics.Login("error")
		m.logger.Error().Err(err).Str("user_id", ident.UserID.String()).Msg("create session failed")
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.metrics.Login("success")
	m.logger.Info().
		Str("user_id", ident.UserID.String()).
		Str("session_id", s.ID.String()).
		Str("role", ident.Role.String()).
		Str("ip", md.IP).
		Msg("session created")
	m.emit(ctx, events.SessionCreated, s.OwnerID.String(), sessionEvent{
		SessionID: s.ID.String(), OwnerID: s.OwnerID.String(), Role: ident.Role.String(),
		Device: s.Device, IP: s.IP,
	})
	return pair(s, raw, access, ident.Role), nil
}

func (m *Manager) emitLoginFailed(ctx context.Context, identifier string, md Metadata, reason string) {
	events.Emit(ctx, m.publisher, m.logger, events.LoginFailed,
		auth.NormalizeIdentifier(identifier), events.AggregateAccount,
		sessionEvent{Reason: reason, IP: md.IP, Device: md.Device})
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, auth.ErrAccountNotActive):
		return "account_not_active"
	default:
		return "error"
	}
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed whatever the outcome except storage failure: a replay of a
// rotated token, or a token that lost a concurrent rotation, yields
// ErrSessionNotFound.
//
// The account is re-read so that role changes and deactivation take effect
// at the next rotation. The new session inherits the device metadata of the
// old one; md only describes the caller for the audit trail.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, md Metadata) (*TokenPair, error) {
	if refreshToken == "" {
		m.metrics.Refresh("not_found")
		return nil, auth.ErrSessionNotFound
	}
	hash := auth.HashRefreshToken(refreshToken)
	now := m.cfg.Now().UTC()

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	cur, err := m.store.FindByToken(sctx, hash)
	if err != nil {
		return nil, m.refreshFailure(err)
	}

	var ident *auth.Identity
	var access auth.AccessToken
	if cur.ActiveAt(now) {
		ident, err = m.identities.LookupByID(sctx, cur.OwnerID)
		if err != nil && !errors.Is(err, auth.ErrIdentityNotFound) {
			return nil, m.refreshFailure(fmt.Errorf("lookup identity: %w", err))
		}
		if ident == nil || !ident.Active {
			return nil, m.revokeInactive(ctx, sctx, cur, ident == nil)
		}
		if access, err = m.tokens.IssueAccessToken(ident.UserID, ident.Role); err != nil {
			return nil, m.refreshFailure(err)
		}
	}

	var raw string
	next, err := m.store.Rotate(sctx, hash, now, func(old *Session) (*Session, error) {
		s, r, err := m.newSession(old.OwnerID, Metadata{Device: old.Device, UserAgent: old.UserAgent, IP: old.IP}, now)
		raw = r
		return s, err
	})
	switch {
	case errors.Is(err, ErrExpired):
		m.metrics.Refresh("expired")
		m.logger.Info().Str("user_id", cur.OwnerID.String()).Str("session_id", cur.ID.String()).Msg("expired session presented")
		m.emit(ctx, events.SessionExpired, cur.OwnerID.String(), sessionEvent{
			SessionID: cur.ID.String(), OwnerID: cur.OwnerID.String(), IP: md.IP,
		})
		return nil, auth.ErrSessionExpired
	case err != nil:
		return nil, m.refreshFailure(err)
	}

	m.metrics.Refresh("rotated")
	m.logger.Info().
		Str("user_id", next.OwnerID.String()).
		Str("session_id", next.ID.String()).
		Str("previous_session_id", cur.ID.String()).
		Msg("session rotated")
	m.emit(ctx, events.SessionRotated, next.OwnerID.String(), sessionEvent{
		SessionID: next.ID.String(), PreviousSessionID: cur.ID.String(), OwnerID: next.OwnerID.String(),
		Role: ident.Role.String(), Device: next.Device, IP: md.IP,
	})
	return pair(next, raw, access, ident.Role), nil
}

func (m *Manager) refreshFailure(err error) error {
	if errors.Is(err, ErrNotFound) {
		m.metrics.Refresh("not_found")
		return auth.ErrSessionNotFound
	}
	m.metrics.Refresh("error")
	m.logger.Error().Err(err).Msg("refresh failed")
	return fmt.Errorf("refresh session: %w", err)
}

// revokeInactive deletes a session whose owner may no longer sign in.
func (m *Manager) revokeInactive(ctx, sctx context.Context, s *Session, gone bool) error {
	if _, err := m.store.DeleteByToken(sctx, s.RefreshTokenHash); err != nil && !errors.Is(err, ErrNotFound) {
		return m.refreshFailure(err)
	}
	reason := "account_not_active"
	if gone {
		reason = "account_removed"
	}
	m.metrics.Refresh(reason)
	m.metrics.Logout(ScopeAccount, 1)
	m.emit(ctx, events.SessionRevoked, s.OwnerID.String(), sessionEvent{
		SessionID: s.ID.String(), OwnerID: s.OwnerID.String(), Scope: ScopeAccount, Reason: reason,
	})
	if gone {
		return auth.ErrSessionNotFound
	}
	return auth.ErrAccountNotActive
}

// Logout revokes the session holding refreshToken. Unknown, already
// consumed and empty tokens are not an error.
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	s, err := m.store.DeleteByToken(sctx, auth.HashRefreshToken(refreshToken))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("logout failed")
		return fmt.Errorf("logout: %w", err)
	}

	m.metrics.Logout(ScopeSingle, 1)
	m.logger.Info().Str("user_id", s.OwnerID.String()).Str("session_id", s.ID.String()).Msg("session revoked")
	m.emit(ctx, events.SessionRevoked, s.OwnerID.String(), sessionEvent{
		SessionID: s.ID.String(), OwnerID: s.OwnerID.String(), Scope: ScopeSingle,
	})
	return nil
}

// LogoutAll revokes every session of ownerID, the caller's own included.
func (m *Manager) LogoutAll(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	return m.RevokeAll(ctx, ownerID, ScopeAll)
}

// RevokeAll removes every session of ownerID and records scope as the
// reason. Account administration uses it with ScopeAdmin or ScopeAccount.
func (m *Manager) RevokeAll(ctx context.Context, ownerID uuid.UUID, scope string) (int64, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	n, err := m.store.DeleteAllByOwner(sctx, ownerID)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", ownerID.String()).Msg("revoke all sessions failed")
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}

	m.metrics.Logout(scope, n)
	m.logger.Info().Str("user_id", ownerID.String()).Int64("count", n).Str("scope", scope).Msg("sessions revoked")
	m.emit(ctx, events.SessionRevokedAll, ownerID.String(), sessionEvent{
		OwnerID: ownerID.String(), Scope: scope, Count: n,
	})
	return n, nil
}

// ListSessions returns the owner's active sessions. currentRefreshToken, if
// given, marks the caller's own session.
func (m *Manager) ListSessions(ctx context.Context, ownerID uuid.UUID, currentRefreshToken string) ([]View, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	items, err := m.store.ListByOwner(sctx, ownerID, m.cfg.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var current string
	if currentRefreshToken != "" {
		current = auth.HashRefreshToken(currentRefreshToken)
	}
	views := make([]View, 0, len(items))
	for _, s := range items {
		views = append(views, s.View(current))
	}
	return views, nil
}

// RevokeSession deletes one of the caller's sessions by id. A session owned
// by someone else yields ErrForbidden and is left untouched.
func (m *Manager) RevokeSession(ctx context.Context, ownerID, sessionID uuid.UUID) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	s, err := m.store.GetByID(sctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return auth.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if !s.ActiveAt(m.cfg.Now().UTC()) {
		return auth.ErrSessionNotFound
	}
	if s.OwnerID != ownerID {
		m.logger.Warn().
			Str("user_id", ownerID.String()).
			Str("session_id", sessionID.String()).
			Msg("attempt to revoke a session owned by another user")
		return auth.ErrForbidden
	}

	if err := m.store.Delete(sctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Rotated or revoked concurrently.
			return auth.ErrSessionNotFound
		}
		return fmt.Errorf("delete session: %w", err)
	}

	m.metrics.Logout(ScopeTargeted, 1)
	m.logger.Info().Str("user_id", ownerID.String()).Str("session_id", sessionID.String()).Msg("session revoked")
	m.emit(ctx, events.SessionRevoked, ownerID.String(), sessionEvent{
		SessionID: sessionID.String(), OwnerID: ownerID.String(), Scope: ScopeTargeted,
	})
	return nil
}
