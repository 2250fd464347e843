package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/marketplace-auth/internal/token"
)

// AccessVerifier is satisfied by *token.Issuer.
type AccessVerifier interface {
	VerifyAccessToken(tok string) (*token.Payload, error)
}

// JWTAuth validates the Bearer access token and stores its claims in the
// echo context under ContextUserID, ContextEmail and ContextRole. Refresh
// tokens are rejected because they are signed with a different secret.
func JWTAuth(v AccessVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, found := strings.CutPrefix(auth, "Bearer ")
			if !found || strings.TrimSpace(raw) == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			p, err := v.VerifyAccessToken(strings.TrimSpace(raw))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(ContextUserID, p.UserID)
			c.Set(ContextEmail, p.Email)
			c.Set(ContextRole, p.UserType)
			return next(c)
		}
	}
}
