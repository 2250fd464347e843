package model

import "time"

// RefreshToken models an entry in the `refresh_tokens` table. Each row is
// one login session. The signed token itself is not stored, only its
// SHA-256 hex digest. Rows are revoked, never deleted.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	Revoked   bool       // refresh_tokens.revoked
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}

// ExpiredAt reports whether the token is past its expiry at t.
func (r RefreshToken) ExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// PasswordResetToken models a single-use row in `password_reset_tokens`.
type PasswordResetToken struct {
	ID        uint64     // password_reset_tokens.id
	UserID    uint64     // password_reset_tokens.user_id
	TokenHash string     // password_reset_tokens.token_hash
	ExpiresAt time.Time  // password_reset_tokens.expires_at
	Used      bool       // password_reset_tokens.used
	UsedAt    *time.Time // password_reset_tokens.used_at (nullable)
	CreatedAt time.Time  // password_reset_tokens.created_at
}

// ExpiredAt reports whether the reset token is past its expiry at t.
func (r PasswordResetToken) ExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// Session is the snapshot written to the session cache under
// user_session:{userId} on every login.
type Session struct {
	UserID       uint64    `json:"userId"`
	Email        string    `json:"email"`
	UserType     Role      `json:"userType"`
	LastActivity time.Time `json:"lastActivity"`
}
