package model

import (
	"strings"
	"time"
)

// Role is the marketplace user type carried in the users.user_type column
// and in the userType claim of every signed token.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleFreelancer Role = "FREELANCER"
	RoleAdmin      Role = "ADMIN"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleClient, RoleFreelancer, RoleAdmin:
		return r, true
	}
	return "", false
}

// NormalizeEmail lower-cases and trims an address the way it is stored in
// users.email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User represents an account record as stored in the `users` table.
// PasswordHash never leaves the process: it is excluded from JSON and
// Sanitized clears it before a user is handed to a caller.
//
// Fields:
//
//	ID            – primary key identifier of the user.
//	Email         – unique, lower-cased email address.
//	PasswordHash  – bcrypt hash of the password.
//	FirstName     – profile first name.
//	LastName      – profile last name.
//	UserType      – CLIENT, FREELANCER or ADMIN.
//	IsActive      – deactivated accounts cannot log in.
//	EmailVerified – whether the address has been confirmed.
//	LastLoginAt   – time of the last successful login (nil before the first).
type User struct {
	ID            uint64     `json:"id"`            // users.id
	Email         string     `json:"email"`         // users.email
	PasswordHash  string     `json:"-"`             // users.password_hash
	FirstName     string     `json:"firstName"`     // users.first_name
	LastName      string     `json:"lastName"`      // users.last_name
	UserType      Role       `json:"userType"`      // users.user_type
	IsActive      bool       `json:"isActive"`      // users.is_active
	EmailVerified bool       `json:"emailVerified"` // users.email_verified
	LastLoginAt   *time.Time `json:"lastLoginAt"`   // users.last_login_at (nullable)
	CreatedAt     time.Time  `json:"createdAt"`     // users.created_at
	UpdatedAt     time.Time  `json:"updatedAt"`     // users.updated_at
}

// Sanitized returns a copy of u without the password hash.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	return u
}

// NewUser carries the fields needed to create a user together with its
// role-specific auxiliary rows.
type NewUser struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	UserType     Role
}

// UserUpdate lists the mutable user columns. Nil fields are left untouched.
type UserUpdate struct {
	PasswordHash  *string
	LastLoginAt   *time.Time
	IsActive      *bool
	EmailVerified *bool
}

// Empty reports whether the update would change nothing.
func (u UserUpdate) Empty() bool {
	return u.PasswordHash == nil && u.LastLoginAt == nil && u.IsActive == nil && u.EmailVerified == nil
}

// Wallet is the zero-balance wallet created for every new account.
type Wallet struct {
	ID           uint64    // wallets.id
	UserID       uint64    // wallets.user_id
	BalanceCents int64     // wallets.balance_cents
	Currency     string    // wallets.currency
	CreatedAt    time.Time // wallets.created_at
}

// FreelancerProfile is created alongside FREELANCER accounts only.
type FreelancerProfile struct {
	ID              uint64    // freelancer_profiles.id
	UserID          uint64    // freelancer_profiles.user_id
	Headline        string    // freelancer_profiles.headline
	HourlyRateCents int64     // freelancer_profiles.hourly_rate_cents
	CreatedAt       time.Time // freelancer_profiles.created_at
}

// DefaultCurrency is the currency of wallets opened at registration.
const DefaultCurrency = "USD"
