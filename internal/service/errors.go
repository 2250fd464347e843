package service

import (
	"errors"
	"net/http"
)

// Kind classifies the failures AuthService reports to its callers.
type Kind uint8

const (
	KindInternal Kind = iota
	KindDuplicateAccount
	KindPolicyViolation
	KindInvalidCredentials
	KindInvalidRefreshToken
	KindInvalidOrExpiredToken
	KindNotFound
	KindRegistrationFailed
	KindLogoutFailed
	KindInvalidInput
)

var kindNames = map[Kind]string{
	KindInternal:              "Internal",
	KindDuplicateAccount:      "DuplicateAccount",
	KindPolicyViolation:       "PolicyViolation",
	KindInvalidCredentials:    "InvalidCredentials",
	KindInvalidRefreshToken:   "InvalidRefreshToken",
	KindInvalidOrExpiredToken: "InvalidOrExpiredToken",
	KindNotFound:              "NotFound",
	KindRegistrationFailed:    "RegistrationFailed",
	KindLogoutFailed:          "LogoutFailed",
	KindInvalidInput:          "InvalidInput",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Status is the HTTP status the transport layer should answer with.
func (k Kind) Status() int {
	switch k {
	case KindDuplicateAccount:
		return http.StatusConflict
	case KindPolicyViolation, KindInvalidOrExpiredToken, KindRegistrationFailed, KindLogoutFailed, KindInvalidInput:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindInvalidRefreshToken, KindNotFound:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Error is the only error type returned by AuthService. Message is stable
// per kind (PolicyViolation and InvalidInput carry the specific reason) and
// safe to show to end users. Two Errors match under errors.Is when their
// kinds are equal.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Kind so callers can write errors.Is(err, ErrInvalidCredentials).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Public failures. The authorization messages are intentionally the same
// for every underlying cause.
var (
	ErrDuplicateAccount      = &Error{Kind: KindDuplicateAccount, Message: "an account with this email already exists"}
	ErrPolicyViolation       = &Error{Kind: KindPolicyViolation, Message: "password does not meet the security requirements"}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrInvalidRefreshToken   = &Error{Kind: KindInvalidRefreshToken, Message: "invalid refresh token"}
	ErrInvalidOrExpiredToken = &Error{Kind: KindInvalidOrExpiredToken, Message: "invalid or expired reset token"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "user not found"}
	ErrRegistrationFailed    = &Error{Kind: KindRegistrationFailed, Message: "registration failed"}
	ErrLogoutFailed          = &Error{Kind: KindLogoutFailed, Message: "logout failed"}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrInternal              = &Error{Kind: KindInternal, Message: "internal error"}
)

func policyViolation(msg string) *Error {
	return &Error{Kind: KindPolicyViolation, Message: msg}
}

func invalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	return KindOf(err).Status()
}

// Refresh-token rejection causes reported by CheckRevocation. Refresh turns
// all of them into ErrInvalidRefreshToken.
var (
	ErrRefreshNotFound      = errors.New("refresh token not found")
	ErrRefreshRevoked       = errors.New("refresh token revoked")
	ErrRefreshExpired       = errors.New("refresh token expired")
	ErrRefreshOwnerMismatch = errors.New("refresh token belongs to another user")
	ErrRefreshBlacklisted   = errors.New("refresh token blacklisted")
)
