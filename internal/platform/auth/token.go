package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// refreshTokenBytes gives refresh tokens 256 bits of entropy.
const refreshTokenBytes = 32

// MinSigningKeyBytes is the shortest HMAC key accepted for access tokens.
const MinSigningKeyBytes = 32

// Claims is the payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// AccessToken is a signed access token with its validity window.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	Issuer     string
	SigningKey []byte
	AccessTTL  time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenIssuer mints and verifies HS256 access tokens and mints opaque
// refresh tokens. Access tokens are never stored and cannot be revoked
// individually; they lapse with their TTL.
type TokenIssuer struct {
	issuer    string
	key       []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyBytes, len(cfg.SigningKey))
	}
	if cfg.AccessTTL <= 0 {
		return nil, fmt.Errorf("access token ttl must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		issuer:    cfg.Issuer,
		key:       cfg.SigningKey,
		accessTTL: cfg.AccessTTL,
		now:       now,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccessToken signs a token carrying the user id and role.
func (t *TokenIssuer) IssueAccessToken(userID uuid.UUID, role Role) (AccessToken, error) {
	if !role.Valid() {
		return AccessToken{}, fmt.Errorf("issue access token: invalid role %d", role)
	}
	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{Token: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// VerifyAccessToken checks signature, issuer and expiry. It returns
// ErrTokenExpired for an otherwise valid token past its expiry and
// ErrInvalidToken for anything else.
func (t *TokenIssuer) VerifyAccessToken(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueRefreshToken returns a new opaque refresh token, base64url encoded.
func (t *TokenIssuer) IssueRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken returns the hex SHA-256 digest under which a refresh
// token is stored. Raw refresh tokens are never persisted.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
