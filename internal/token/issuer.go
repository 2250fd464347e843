// Package token mints and verifies the signed access and refresh tokens and
// generates the opaque random tokens used for password reset and session
// handles.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iliyamo/marketplace-auth/internal/model"
)

// Default lifetimes and opaque token size.
const (
	DefaultAccessTTL   = 15 * time.Minute
	DefaultRefreshTTL  = 7 * 24 * time.Hour
	DefaultOpaqueBytes = 32
)

var (
	// ErrInvalid is returned for any structural, signature or expiry
	// failure. The cause is deliberately not reported.
	ErrInvalid = errors.New("invalid token")
	// ErrIssuance wraps a signing failure.
	ErrIssuance = errors.New("token issuance failed")
)

// Payload is the set of claims carried by access and refresh tokens.
type Payload struct {
	UserID    uint64
	Email     string
	UserType  model.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// Signed is a serialized token with its expiry.
type Signed struct {
	Token     string
	ExpiresAt time.Time
}

// claims is the JWT body: sub, email, userType, iat, exp, jti.
type claims struct {
	Email    string `json:"email"`
	UserType string `json:"userType"`
	jwt.RegisteredClaims
}

// Config holds the signing keys and lifetimes for both token families.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Issuer signs and verifies tokens. It is safe for concurrent use.
type Issuer struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer returns an Issuer. Both secrets are required and must differ so
// a refresh token can never pass as an access token.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Issuer{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock returns a copy of the issuer that reads time from now. Used to
// mint tokens with a fixed issue time.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// AccessTTL returns the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs p with the access secret and lifetime. The
// IssuedAt, ExpiresAt and ID fields of p are ignored.
func (i *Issuer) IssueAccessToken(p Payload) (Signed, error) {
	return i.issue(p, i.accessKey, i.accessTTL)
}

// IssueRefreshToken signs p with the refresh secret and lifetime.
func (i *Issuer) IssueRefreshToken(p Payload) (Signed, error) {
	return i.issue(p, i.refreshKey, i.refreshTTL)
}

func (i *Issuer) issue(p Payload, key []byte, ttl time.Duration) (Signed, error) {
	now := i.now()
	exp := now.Add(ttl)
	c := claims{
		Email:    p.Email,
		UserType: string(p.UserType),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
	if err != nil {
		return Signed{}, fmt.Errorf("%w: %w", ErrIssuance, err)
	}
	// NumericDate truncates to seconds; report what the token carries.
	return Signed{Token: signed, ExpiresAt: c.ExpiresAt.Time}, nil
}

// VerifyAccessToken checks signature and expiry against the access secret.
func (i *Issuer) VerifyAccessToken(tok string) (*Payload, error) {
	return i.verify(tok, i.accessKey)
}

// VerifyRefreshToken checks signature and expiry against the refresh
// secret. A nil error does not mean the token is usable: its stored row
// must still be checked for revocation.
func (i *Issuer) VerifyRefreshToken(tok string) (*Payload, error) {
	return i.verify(tok, i.refreshKey)
}

func (i *Issuer) verify(tok string, key []byte) (*Payload, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tok, &c, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalid
	}
	p, ok := toPayload(&c)
	if !ok {
		return nil, ErrInvalid
	}
	return p, nil
}

// Decode parses tok without verifying its signature or expiry. The result
// is for display only and must never authorize anything.
func (i *Issuer) Decode(tok string) (*Payload, bool) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &c); err != nil {
		return nil, false
	}
	return toPayload(&c)
}

// RemainingSeconds reports how long tok has left. ok is false when the
// token cannot be decoded or carries no expiry; an expired token reports 0.
func (i *Issuer) RemainingSeconds(tok string) (secs int64, ok bool) {
	p, ok := i.Decode(tok)
	if !ok || p.ExpiresAt.IsZero() {
		return 0, false
	}
	left := int64(p.ExpiresAt.Sub(i.now()) / time.Second)
	if left < 0 {
		left = 0
	}
	return left, true
}

func toPayload(c *claims) (*Payload, bool) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return nil, false
	}
	p := &Payload{
		UserID:   id,
		Email:    c.Email,
		UserType: model.Role(c.UserType),
		ID:       c.ID,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p, true
}

// GenerateOpaqueToken returns n cryptographically random bytes as hex.
// n <= 0 uses DefaultOpaqueBytes.
func GenerateOpaqueToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultOpaqueBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the SHA-256 hex digest stored in place of a token.
func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// CompareTokenHash reports, in constant time, whether tok hashes to digest.
func CompareTokenHash(tok, digest string) bool {
	if tok == "" || digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(tok)), []byte(digest)) == 1
}
