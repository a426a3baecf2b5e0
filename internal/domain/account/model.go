package account

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medportal/internal/platform/auth"
)

// User maps to the user_account table.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         auth.Role  `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	DisplayName  string     `db:"display_name" json:"displayName"`
	ApprovedAt   *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	ApprovedBy   *uuid.UUID `db:"approved_by" json:"approvedBy,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Identity projects the user onto what the auth layer needs.
func (u *User) Identity() *auth.Identity {
	return &auth.Identity{
		UserID:       u.ID,
		Email:        u.Email,
		Role:         u.Role,
		Active:       u.Active,
		PasswordHash: u.PasswordHash,
	}
}

// Pending reports whether the account is a doctor awaiting approval.
func (u *User) Pending() bool {
	return u.Role == auth.RoleDoctor && !u.Active && u.ApprovedAt == nil
}

// Filter narrows account listings. Nil fields match everything.
type Filter struct {
	Role   *auth.Role
	Active *bool
}
