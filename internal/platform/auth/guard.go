package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const principalKey contextKey = "auth_principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    uuid.UUID
	Role      Role
	TokenID   string
	ExpiresAt time.Time
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal stored by the guard.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Policy holds the authorization decisions that apply to every guarded
// operation.
type Policy struct {
	// AdminOverride lets RoleAdmin pass every role check. It is applied here
	// and only here so that all operations agree.
	AdminOverride bool
}

// Decision results reported to the observer.
const (
	DecisionAllowed         = "allowed"
	DecisionForbidden       = "forbidden"
	DecisionUnauthenticated = "unauthenticated"
)

// Guard authorizes requests from their access token and the role set
// declared for the operation.
type Guard struct {
	tokens  *TokenIssuer
	policy  Policy
	observe func(result string)
}

func NewGuard(tokens *TokenIssuer, policy Policy) *Guard {
	return &Guard{tokens: tokens, policy: policy, observe: func(string) {}}
}

// SetDecisionObserver installs a callback invoked with the outcome of every
// authorization decision.
func (g *Guard) SetDecisionObserver(fn func(result string)) {
	if fn != nil {
		g.observe = fn
	}
}

// Authorize verifies the access token and checks the caller's role against
// allowed. An empty set admits any authenticated role.
func (g *Guard) Authorize(accessToken string, allowed RoleSet) (Principal, error) {
	claims, err := g.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		g.observe(DecisionUnauthenticated)
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		g.observe(DecisionUnauthenticated)
		return Principal{}, ErrUnauthenticated
	}
	p := Principal{UserID: uid, Role: claims.Role, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}

	if !g.permits(p.Role, allowed) {
		g.observe(DecisionForbidden)
		return p, fmt.Errorf("%w: role %s, required %s", ErrForbidden, p.Role, allowed)
	}
	g.observe(DecisionAllowed)
	return p, nil
}

func (g *Guard) permits(role Role, allowed RoleSet) bool {
	if allowed.Any() || allowed.Contains(role) {
		return true
	}
	return g.policy.AdminOverride && role == RoleAdmin
}

// Require returns echo middleware that admits callers holding one of roles.
// With no roles it only requires authentication.
func (g *Guard) Require(roles ...Role) echo.MiddlewareFunc {
	allowed := Roles(roles...)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				g.observe(DecisionUnauthenticated)
				return err
			}
			p, err := g.Authorize(token, allowed)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			c.Set("user_id", p.UserID.String())
			return next(c)
		}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization format", ErrUnauthenticated)
	}
	return strings.TrimSpace(parts[1]), nil
}

// MustPrincipal returns the principal of a guarded request. A missing
// principal means the route was wired without the guard.
func MustPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		return Principal{}, errors.New("no principal on request: route is not guarded")
	}
	return p, nil
}
