package model

import "errors"

// ErrEmailExists is returned by a credential store when a user with the
// same normalized email already exists.
var ErrEmailExists = errors.New("email already exists")

// ErrResetTokenConsumed is returned when a password reset token was already
// marked used, typically by a concurrent reset racing on the same token.
var ErrResetTokenConsumed = errors.New("reset token already used")

// ErrNotFound is returned by store mutations addressing a row that does not
// exist. Lookups return a nil record instead.
var ErrNotFound = errors.New("not found")
