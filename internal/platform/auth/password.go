package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher is the password digest primitive.
type PasswordHasher interface {
	Hash(ctx context.Context, plain string) (string, error)
	Compare(ctx context.Context, plain, digest string) (bool, error)
}

// BcryptHasher implements PasswordHasher with bcrypt. Each call runs under
// its own deadline so a saturated CPU surfaces as an error instead of a hang.
type BcryptHasher struct {
	cost    int
	timeout time.Duration
}

// NewBcryptHasher returns a hasher with the given cost and per-call timeout.
// Out-of-range costs fall back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int, timeout time.Duration) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BcryptHasher{cost: cost, timeout: timeout}
}

func (h *BcryptHasher) Hash(ctx context.Context, plain string) (string, error) {
	type result struct {
		digest []byte
		err    error
	}
	out, err := h.run(ctx, func() any {
		d, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
		return result{d, err}
	})
	if err != nil {
		return "", err
	}
	r := out.(result)
	if r.err != nil {
		return "", fmt.Errorf("hash password: %w", r.err)
	}
	return string(r.digest), nil
}

func (h *BcryptHasher) Compare(ctx context.Context, plain, digest string) (bool, error) {
	out, err := h.run(ctx, func() any {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain))
	})
	if err != nil {
		return false, err
	}
	cmpErr, _ := out.(error)
	switch {
	case cmpErr == nil:
		return true, nil
	case errors.Is(cmpErr, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		// Malformed digests are treated as a mismatch by callers but still
		// reported so they can be logged.
		return false, fmt.Errorf("compare password: %w", cmpErr)
	}
}

// run executes fn in a goroutine and waits for it or the deadline,
// whichever comes first.
func (h *BcryptHasher) run(ctx context.Context, fn func() any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan any, 1)
	go func() { done <- fn() }()

	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("password hashing: %w", ctx.Err())
	}
}
