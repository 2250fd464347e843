// Package router registers the HTTP routes of the auth API.
package router

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/marketplace-auth/internal/config"
	"github.com/iliyamo/marketplace-auth/internal/handler"
	"github.com/iliyamo/marketplace-auth/internal/middleware"
	"github.com/iliyamo/marketplace-auth/internal/model"
)

// Deps carries what the routes need. Redis may be left unset (not a typed
// nil client), in which case rate limiting is off. Gatherer may be nil to
// skip /metrics.
type Deps struct {
	Auth      *handler.AuthHandler
	Health    *handler.HealthHandler
	Verifier  middleware.AccessVerifier
	RateLimit config.RateLimitConfig
	Redis     redis.Scripter
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// RegisterRoutes registers routes that do not require authentication and
// are not part of the versioned API.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health.Health)
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
}

// RegisterAuth registers the /v1/auth group plus the authenticated /v1
// routes. Only the unauthenticated credential endpoints are rate limited.
func RegisterAuth(e *echo.Echo, d Deps) {
	a := d.Auth
	jwt := middleware.JWTAuth(d.Verifier)

	g := e.Group("/v1/auth")
	limited := g.Group("", middleware.RateLimit(d.RateLimit, d.Redis, d.Logger))
	limited.POST("/register", a.Register)
	limited.POST("/login", a.Login)
	limited.POST("/refresh", a.Refresh)
	limited.POST("/forgot-password", a.ForgotPassword)
	limited.POST("/reset-password", a.ResetPassword)

	g.POST("/password-strength", a.PasswordStrength)
	g.POST("/generate-password", a.GeneratePassword)
	g.POST("/logout", a.Logout, jwt)
	g.POST("/change-password", a.ChangePassword, jwt)

	v1 := e.Group("/v1", jwt)
	v1.GET("/me", a.Me)

	admin := v1.Group("/admin", middleware.RequireRole(model.RoleAdmin))
	admin.PATCH("/users/:id/status", a.SetUserStatus)
}
