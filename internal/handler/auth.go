// Package handler exposes the auth service over HTTP with echo.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/marketplace-auth/internal/middleware"
	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/password"
	"github.com/iliyamo/marketplace-auth/internal/service"
)

const requestTimeout = 5 * time.Second

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	svc       *service.AuthService
	passwords *password.Policy
}

func NewAuthHandler(svc *service.AuthService, passwords *password.Policy) *AuthHandler {
	return &AuthHandler{svc: svc, passwords: passwords}
}

// ----- DTOs -----

type registerReq struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	UserType  string `json:"userType"` // CLIENT | FREELANCER
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordReq struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type forgotPasswordReq struct {
	Email string `json:"email"`
}

type resetPasswordReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type strengthReq struct {
	Password string `json:"password"`
}

type generateReq struct {
	Length int `json:"length"`
}

type statusReq struct {
	Active *bool `json:"active"`
}

type authResp struct {
	User                  model.User `json:"user"`
	AccessToken           string     `json:"accessToken"`
	AccessTokenExpiresAt  time.Time  `json:"accessTokenExpiresAt"`
	RefreshToken          string     `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time  `json:"refreshTokenExpiresAt"`
}

type refreshResp struct {
	AccessToken          string    `json:"accessToken"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

func toAuthResp(r *service.AuthResult) authResp {
	return authResp{
		User:                  r.User,
		AccessToken:           r.AccessToken.Token,
		AccessTokenExpiresAt:  r.AccessToken.ExpiresAt,
		RefreshToken:          r.RefreshToken.Token,
		RefreshTokenExpiresAt: r.RefreshToken.ExpiresAt,
	}
}

func fail(c echo.Context, err error) error {
	return c.JSON(service.StatusOf(err), echo.Map{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

func requestCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// Register: create the account and return a token pair immediately.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return badRequest(c, "email and password are required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	res, err := h.svc.Register(ctx, service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		UserType:  req.UserType,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, toAuthResp(res))
}

// Login: verify credentials and return a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return badRequest(c, "email and password are required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	res, err := h.svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toAuthResp(res))
}

// Refresh: exchange a refresh token for a new access token.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "refreshToken is required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	res, err := h.svc.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, refreshResp{
		AccessToken:          res.AccessToken.Token,
		AccessTokenExpiresAt: res.AccessToken.ExpiresAt,
	})
}

// Logout: revoke every session of the caller. The body is optional; when it
// carries the refresh token, that token is also blacklisted.
func (h *AuthHandler) Logout(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req refreshReq
	_ = c.Bind(&req)

	ctx, cancel := requestCtx(c)
	defer cancel()
	if err := h.svc.Logout(ctx, uid, req.RefreshToken); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

// ChangePassword: requires the current password; ends every session.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req changePasswordReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return badRequest(c, "currentPassword and newPassword are required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.svc.ChangePassword(ctx, uid, req.CurrentPassword, req.NewPassword); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password changed"})
}

// ForgotPassword always answers 200 with the same message.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req forgotPasswordReq
	_ = c.Bind(&req)
	ctx, cancel := requestCtx(c)
	defer cancel()
	return c.JSON(http.StatusOK, echo.Map{"message": h.svc.RequestPasswordReset(ctx, req.Email)})
}

// ResetPassword: consume a reset token and set a new password.
func (h *AuthHandler) ResetPassword(c echo.Context) error {
	var req resetPasswordReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.NewPassword == "" {
		return badRequest(c, "newPassword is required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.svc.ResetPassword(ctx, req.Token, req.NewPassword); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password has been reset"})
}

// Me returns the caller's account.
func (h *AuthHandler) Me(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	u, err := h.svc.Profile(ctx, uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

// PasswordStrength scores a candidate password. Advisory only.
func (h *AuthHandler) PasswordStrength(c echo.Context) error {
	var req strengthReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	s := h.passwords.Score(req.Password)
	resp := echo.Map{"score": s.Score, "level": s.Level, "feedback": s.Feedback, "valid": true}
	if v := h.passwords.ValidateStrength(req.Password); v != nil {
		resp["valid"] = false
		resp["violation"] = v.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// GeneratePassword returns a random password that passes the policy.
func (h *AuthHandler) GeneratePassword(c echo.Context) error {
	var req generateReq
	_ = c.Bind(&req)
	if req.Length > 128 {
		return badRequest(c, "length must be at most 128")
	}
	pw, err := h.passwords.Generate(req.Length)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"password": pw})
}

// SetUserStatus activates or deactivates an account. Admin only.
func (h *AuthHandler) SetUserStatus(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid user id")
	}
	var req statusReq
	if err := c.Bind(&req); err != nil || req.Active == nil {
		return badRequest(c, "active is required")
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.svc.SetActive(ctx, id, *req.Active); err != nil {
		if service.KindOf(err) == service.KindNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "active": *req.Active})
}
