package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*User, int, error)
	// Approve activates the account and records who approved it.
	Approve(ctx context.Context, id, approvedBy uuid.UUID, at time.Time) error
	SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string, at time.Time) error
}
