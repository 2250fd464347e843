package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/marketplace-auth/internal/model"
)

// Context keys set by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextEmail  = "email"
	ContextRole   = "role"
)

// UserID returns the authenticated user id, if any.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ContextUserID).(uint64)
	return id, ok && id != 0
}

// Email returns the authenticated user's email claim.
func Email(c echo.Context) string {
	s, _ := c.Get(ContextEmail).(string)
	return s
}

// Role returns the authenticated user's role claim.
func Role(c echo.Context) model.Role {
	r, _ := c.Get(ContextRole).(model.Role)
	return r
}
