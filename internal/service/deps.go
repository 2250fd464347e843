package service

import (
	"context"
	"time"

	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/password"
	"github.com/iliyamo/marketplace-auth/internal/token"
)

// CredentialStore persists users, refresh tokens and password reset tokens.
// Lookups return (nil, nil) when no row matches. Token arguments are always
// SHA-256 digests, never the raw token.
type CredentialStore interface {
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserByID(ctx context.Context, id uint64) (*model.User, error)
	// CreateUserWithAuxiliary inserts the user, its wallet and, for
	// freelancers, its profile in one transaction. Returns
	// model.ErrEmailExists on a duplicate email.
	CreateUserWithAuxiliary(ctx context.Context, u model.NewUser) (*model.User, error)
	UpdateUser(ctx context.Context, id uint64, upd model.UserUpdate) error

	CreateRefreshToken(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) error
	FindRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	RevokeAllRefreshTokens(ctx context.Context, userID uint64) error

	CreatePasswordResetToken(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) error
	FindPasswordResetToken(ctx context.Context, tokenHash string) (*model.PasswordResetToken, error)
	MarkPasswordResetTokenUsed(ctx context.Context, id uint64) error
	// AtomicUpdatePasswordAndConsumeResetToken sets the password hash and
	// marks the reset token used in one transaction. Returns
	// model.ErrResetTokenConsumed when the token was already used.
	AtomicUpdatePasswordAndConsumeResetToken(ctx context.Context, userID uint64, passwordHash string, resetTokenID uint64) error
}

// SessionCache is the key/value store holding session markers and the
// refresh-token blacklist. A zero ttl means no expiry.
type SessionCache interface {
	SetSession(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteKey(ctx context.Context, key string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) bool
}

// PasswordResetMail is what the mailer needs to send a reset link.
type PasswordResetMail struct {
	UserID    uint64
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Mailer delivers outbound email. Delivery failures never fail the
// operation that triggered them.
type Mailer interface {
	SendPasswordReset(ctx context.Context, m PasswordResetMail) error
}

// PasswordPolicy is the subset of *password.Policy used by the service.
type PasswordPolicy interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) bool
	VerifyDummy(plain string)
	ValidateStrength(plain string) error
}

// TokenIssuer is the subset of *token.Issuer used by the service.
type TokenIssuer interface {
	IssueAccessToken(p token.Payload) (token.Signed, error)
	IssueRefreshToken(p token.Payload) (token.Signed, error)
	VerifyRefreshToken(tok string) (*token.Payload, error)
}

var (
	_ PasswordPolicy = (*password.Policy)(nil)
	_ TokenIssuer    = (*token.Issuer)(nil)
)
