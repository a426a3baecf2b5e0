package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medportal/internal/platform/auth"
)

// Session maps to the auth_session table. One row exists per refresh token
// that can still be exchanged; rows are immutable once written.
type Session struct {
	ID               uuid.UUID `db:"id" json:"id"`
	OwnerID          uuid.UUID `db:"owner_id" json:"owner_id"`
	RefreshTokenHash string    `db:"refresh_token_hash" json:"refresh_token_hash"`
	Device           string    `db:"device" json:"device"`
	UserAgent        string    `db:"user_agent" json:"user_agent"`
	IP               string    `db:"ip" json:"ip"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	ExpiresAt        time.Time `db:"expires_at" json:"expires_at"`
}

// ActiveAt reports whether the session can still be used at now.
func (s *Session) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Metadata describes the device a session was opened from.
type Metadata struct {
	Device    string
	UserAgent string
	IP        string
}

// View is the client-facing projection of a session. It never carries the
// refresh token or its digest.
type View struct {
	ID        uuid.UUID `json:"id"`
	Device    string    `json:"device"`
	UserAgent string    `json:"userAgent"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsCurrent bool      `json:"isCurrent"`
}

func (s *Session) View(currentHash string) View {
	return View{
		ID:        s.ID,
		Device:    s.Device,
		UserAgent: s.UserAgent,
		IP:        s.IP,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		IsCurrent: currentHash != "" && s.RefreshTokenHash == currentHash,
	}
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	AccessExpiresIn  time.Duration
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        uuid.UUID
	UserID           uuid.UUID
	Role             auth.Role
}
