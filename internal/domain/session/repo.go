package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no session matches.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned by Rotate when the consumed session was past
	// its expiry.
	ErrExpired = errors.New("session expired")
)

// BuildFunc derives the replacement session from the one being rotated out.
type BuildFunc func(old *Session) (*Session, error)

// Store persists sessions. Implementations must make Rotate, Delete and
// DeleteByToken on the same token serialize so that exactly one caller
// observes the row.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByToken(ctx context.Context, tokenHash string) (*Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// ListByOwner returns the owner's sessions active at now, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, now time.Time) ([]*Session, error)
	// Delete removes the session with id, or returns ErrNotFound.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteByToken removes and returns the session holding tokenHash, or
	// returns ErrNotFound.
	DeleteByToken(ctx context.Context, tokenHash string) (*Session, error)
	DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// Rotate removes the session holding oldTokenHash. If none exists it
	// returns ErrNotFound. If the removed session was expired at now it is
	// returned together with ErrExpired and stays removed. Otherwise the
	// session produced by build is stored and returned. When a logout or an
	// owner-wide delete consumes the old session first, Rotate returns
	// ErrNotFound and stores nothing; a failed build keeps the old session.
	Rotate(ctx context.Context, oldTokenHash string, now time.Time, build BuildFunc) (*Session, error)
}
