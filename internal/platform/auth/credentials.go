package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrIdentityNotFound is returned by an IdentityLookup when no account
// matches the identifier.
var ErrIdentityNotFound = errors.New("identity not found")

// Identity is the view of an account the auth subsystem needs: who it is,
// what it may do, whether it may sign in, and its password digest.
type Identity struct {
	UserID       uuid.UUID
	Email        string
	Role         Role
	Active       bool
	PasswordHash string
}

// IdentityLookup resolves accounts by login identifier or id.
type IdentityLookup interface {
	LookupByEmail(ctx context.Context, email string) (*Identity, error)
	LookupByID(ctx context.Context, id uuid.UUID) (*Identity, error)
}

// fallbackDummyDigest stands in when the hasher cannot produce a dummy
// digest at construction.
const fallbackDummyDigest = "$2a$12$C6UzMDM.H6dfI/f/IKcEeO3tjvJHnN6Zp4xmVPzZ2Yp9mSL2zV6uS"

// CredentialVerifier checks an identifier and password against stored
// digests. It is stateless and never issues tokens.
type CredentialVerifier struct {
	lookup IdentityLookup
	hasher PasswordHasher
	// dummy is compared against when the identifier is unknown so that both
	// failure paths cost one comparison at the hasher's own cost.
	dummy string
}

func NewCredentialVerifier(lookup IdentityLookup, hasher PasswordHasher) *CredentialVerifier {
	dummy, err := hasher.Hash(context.Background(), "no account has this password")
	if err != nil {
		dummy = fallbackDummyDigest
	}
	return &CredentialVerifier{lookup: lookup, hasher: hasher, dummy: dummy}
}

// NormalizeIdentifier trims and lower-cases an email identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Verify returns the identity for a valid identifier and password.
//
// Unknown identifiers and wrong passwords both yield ErrInvalidCredentials.
// ErrAccountNotActive is only reported once the password has matched.
func (v *CredentialVerifier) Verify(ctx context.Context, identifier, password string) (*Identity, error) {
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	id, err := v.lookup.LookupByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			if _, cmpErr := v.hasher.Compare(ctx, password, v.dummy); isTimeout(cmpErr) {
				return nil, cmpErr
			}
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	ok, err := v.hasher.Compare(ctx, password, id.PasswordHash)
	if err != nil && isTimeout(err) {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !id.Active {
		return nil, ErrAccountNotActive
	}
	return id, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
