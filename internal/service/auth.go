// Package service implements the authentication and credential-lifecycle
// core: registration, login, token refresh, logout, password change and
// password reset.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/iliyamo/marketplace-auth/internal/metrics"
	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/token"
)

// Cache key prefixes and default lifetimes.
const (
	SessionKeyPrefix   = "user_session:"
	BlacklistKeyPrefix = "blacklist:"

	DefaultSessionTTL    = 24 * time.Hour
	DefaultBlacklistTTL  = 7 * 24 * time.Hour
	DefaultResetTokenTTL = time.Hour

	// DefaultDispatchTimeout bounds the background work behind one
	// RequestPasswordReset call.
	DefaultDispatchTimeout = 30 * time.Second
)

// ResetRequestedMessage is returned by RequestPasswordReset whether or not
// the address belongs to an account.
const ResetRequestedMessage = "If an account with that email exists, a password reset link has been sent."

// SessionKey is the cache key of the session marker for userID.
func SessionKey(userID uint64) string {
	return SessionKeyPrefix + strconv.FormatUint(userID, 10)
}

// BlacklistKey is the cache key marking a refresh token digest as
// blacklisted.
func BlacklistKey(tokenHash string) string {
	return BlacklistKeyPrefix + tokenHash
}

// Options tunes cache and reset-token lifetimes. Zero values use the
// defaults.
type Options struct {
	SessionTTL    time.Duration
	BlacklistTTL  time.Duration
	ResetTokenTTL time.Duration
	// DispatchTimeout bounds reset token creation and mail hand-off, which
	// run after RequestPasswordReset has returned.
	DispatchTimeout time.Duration
}

// Deps are the collaborators of AuthService. Store, Cache, Passwords,
// Tokens and Mailer are required.
type Deps struct {
	Store     CredentialStore
	Cache     SessionCache
	Passwords PasswordPolicy
	Tokens    TokenIssuer
	Mailer    Mailer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Options   Options
	Now       func() time.Time
}

// AuthService orchestrates the credential lifecycle. It is safe for
// concurrent use. The only state it owns tracks in-flight reset dispatches;
// call Wait before shutting down.
type AuthService struct {
	store     CredentialStore
	cache     SessionCache
	passwords PasswordPolicy
	tokens    TokenIssuer
	mailer    Mailer
	log       *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time

	dispatches sync.WaitGroup
}

// New validates d and returns an AuthService.
func New(d Deps) (*AuthService, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("service: credential store is required")
	case d.Cache == nil:
		return nil, errors.New("service: session cache is required")
	case d.Passwords == nil:
		return nil, errors.New("service: password policy is required")
	case d.Tokens == nil:
		return nil, errors.New("service: token issuer is required")
	case d.Mailer == nil:
		return nil, errors.New("service: mailer is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Options.SessionTTL <= 0 {
		d.Options.SessionTTL = DefaultSessionTTL
	}
	if d.Options.BlacklistTTL <= 0 {
		d.Options.BlacklistTTL = DefaultBlacklistTTL
	}
	if d.Options.ResetTokenTTL <= 0 {
		d.Options.ResetTokenTTL = DefaultResetTokenTTL
	}
	if d.Options.DispatchTimeout <= 0 {
		d.Options.DispatchTimeout = DefaultDispatchTimeout
	}
	return &AuthService{
		store:     d.Store,
		cache:     d.Cache,
		passwords: d.Passwords,
		tokens:    d.Tokens,
		mailer:    d.Mailer,
		log:       d.Logger,
		metrics:   d.Metrics,
		opts:      d.Options,
		now:       d.Now,
	}, nil
}

// RegisterInput is the registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	// UserType is CLIENT or FREELANCER; empty means CLIENT.
	UserType string
}

// AuthResult is returned by Register and Login. User never carries the
// password hash.
type AuthResult struct {
	User         model.User
	AccessToken  token.Signed
	RefreshToken token.Signed
}

// RefreshResult is returned by Refresh. The refresh token is not rotated.
type RefreshResult struct {
	AccessToken token.Signed
}

// Register creates an account with its auxiliary rows and starts a session.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (res *AuthResult, err error) {
	const op = "register"
	defer func() { s.record(op, err) }()

	email := model.NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, invalidInput("a valid email address is required")
	}
	role := model.RoleClient
	if strings.TrimSpace(in.UserType) != "" {
		r, ok := model.ParseRole(in.UserType)
		if !ok || r == model.RoleAdmin {
			return nil, invalidInput("userType must be CLIENT or FREELANCER")
		}
		role = r
	}

	existing, lookupErr := s.store.FindUserByEmail(ctx, email)
	if lookupErr != nil {
		s.infraFailure(ctx, op, "FindUserByEmail", "store", lookupErr)
		return nil, ErrRegistrationFailed
	}
	if existing != nil {
		return nil, ErrDuplicateAccount
	}

	if v := s.passwords.ValidateStrength(in.Password); v != nil {
		return nil, policyViolation(v.Error())
	}
	hash, hashErr := s.passwords.Hash(in.Password)
	if hashErr != nil {
		s.infraFailure(ctx, op, "Hash", "password", hashErr)
		return nil, ErrRegistrationFailed
	}

	user, createErr := s.store.CreateUserWithAuxiliary(ctx, model.NewUser{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		UserType:     role,
	})
	if errors.Is(createErr, model.ErrEmailExists) {
		return nil, ErrDuplicateAccount
	}
	if createErr != nil {
		s.infraFailure(ctx, op, "CreateUserWithAuxiliary", "store", createErr)
		return nil, ErrRegistrationFailed
	}

	res, sessErr := s.startSession(ctx, op, user)
	if sessErr != nil {
		return nil, ErrRegistrationFailed
	}
	s.log.InfoContext(ctx, "user registered", "user_id", user.ID, "user_type", user.UserType)
	return res, nil
}

// Login authenticates email and password and starts a new session. Unknown,
// inactive and wrong-password accounts fail identically.
func (s *AuthService) Login(ctx context.Context, email, password string) (res *AuthResult, err error) {
	const op = "login"
	defer func() { s.record(op, err) }()

	user := s.ValidateUser(ctx, email, password)
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if updErr := s.store.UpdateUser(ctx, user.ID, model.UserUpdate{LastLoginAt: &now}); updErr != nil {
		s.infraFailure(ctx, op, "UpdateUser", "store", updErr)
	} else {
		user.LastLoginAt = &now
	}

	res, sessErr := s.startSession(ctx, op, user)
	if sessErr != nil {
		return nil, ErrInternal
	}
	return res, nil
}

// ValidateUser returns the active user matching email and password, or nil
// on any failure. It never returns an error.
func (s *AuthService) ValidateUser(ctx context.Context, email, password string) *model.User {
	u, err := s.store.FindUserByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		s.infraFailure(ctx, "login", "FindUserByEmail", "store", err)
		s.passwords.VerifyDummy(password)
		return nil
	}
	if u == nil || !u.IsActive {
		s.passwords.VerifyDummy(password)
		return nil
	}
	if !s.passwords.Verify(password, u.PasswordHash) {
		return nil
	}
	return u
}

// Refresh exchanges a valid, unrevoked refresh token for a new access token
// carrying the user's current claims.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (res *RefreshResult, err error) {
	const op = "refresh"
	defer func() { s.record(op, err) }()

	p, verifyErr := s.tokens.VerifyRefreshToken(refreshToken)
	if verifyErr != nil {
		return nil, ErrInvalidRefreshToken
	}
	if revErr := s.CheckRevocation(ctx, p.UserID, refreshToken); revErr != nil {
		if isRefreshRejection(revErr) {
			s.log.DebugContext(ctx, "refresh rejected", "user_id", p.UserID, "reason", revErr.Error())
			return nil, ErrInvalidRefreshToken
		}
		s.infraFailure(ctx, op, "FindRefreshToken", "store", revErr)
		return nil, ErrInternal
	}

	user, findErr := s.store.FindUserByID(ctx, p.UserID)
	if findErr != nil {
		s.infraFailure(ctx, op, "FindUserByID", "store", findErr)
		return nil, ErrInternal
	}
	if user == nil || !user.IsActive {
		return nil, ErrInvalidRefreshToken
	}

	access, issueErr := s.tokens.IssueAccessToken(payloadFor(user))
	if issueErr != nil {
		s.infraFailure(ctx, op, "IssueAccessToken", "token", issueErr)
		return nil, ErrInternal
	}
	return &RefreshResult{AccessToken: access}, nil
}

// CheckRevocation is the storage half of refresh-token verification. It
// must be called after VerifyRefreshToken succeeded. It returns nil when
// the stored row exists, belongs to userID, is neither revoked nor expired
// and the token is not blacklisted; one of the ErrRefresh* errors when the
// token must be rejected; any other error is a store failure.
func (s *AuthService) CheckRevocation(ctx context.Context, userID uint64, refreshToken string) error {
	digest := token.HashToken(refreshToken)
	rec, err := s.store.FindRefreshToken(ctx, digest)
	if err != nil {
		return oops.Code("REFRESH_LOOKUP_FAILED").With("user_id", userID).Wrap(err)
	}
	switch {
	case rec == nil || !token.CompareTokenHash(refreshToken, rec.TokenHash):
		return ErrRefreshNotFound
	case rec.Revoked:
		return ErrRefreshRevoked
	case rec.ExpiredAt(s.now()):
		return ErrRefreshExpired
	case rec.UserID != userID:
		return ErrRefreshOwnerMismatch
	}

	blacklisted, cacheErr := s.cache.Exists(ctx, BlacklistKey(digest))
	if cacheErr != nil {
		s.cacheFailure(ctx, "refresh", "Exists", cacheErr)
		return nil
	}
	if blacklisted {
		return ErrRefreshBlacklisted
	}
	return nil
}

func isRefreshRejection(err error) bool {
	return errors.Is(err, ErrRefreshNotFound) ||
		errors.Is(err, ErrRefreshRevoked) ||
		errors.Is(err, ErrRefreshExpired) ||
		errors.Is(err, ErrRefreshOwnerMismatch) ||
		errors.Is(err, ErrRefreshBlacklisted)
}

// Logout revokes every refresh token of userID, removes the session marker
// and, when refreshToken is given, blacklists it. Only the store revocation
// is authoritative; cache failures are logged and tolerated.
func (s *AuthService) Logout(ctx context.Context, userID uint64, refreshToken string) (err error) {
	const op = "logout"
	defer func() { s.record(op, err) }()

	if revErr := s.store.RevokeAllRefreshTokens(ctx, userID); revErr != nil {
		s.infraFailure(ctx, op, "RevokeAllRefreshTokens", "store", revErr)
		return ErrLogoutFailed
	}
	if delErr := s.cache.DeleteKey(ctx, SessionKey(userID)); delErr != nil {
		s.cacheFailure(ctx, op, "DeleteKey", delErr)
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		key := BlacklistKey(token.HashToken(refreshToken))
		if setErr := s.cache.SetWithTTL(ctx, key, "1", s.opts.BlacklistTTL); setErr != nil {
			s.cacheFailure(ctx, op, "SetWithTTL", setErr)
		}
	}
	return nil
}

// ChangePassword replaces the password of userID after checking the
// current one, then revokes every refresh token of the user and removes the
// session marker.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint64, currentPassword, newPassword string) (err error) {
	const op = "change_password"
	defer func() { s.record(op, err) }()

	user, findErr := s.store.FindUserByID(ctx, userID)
	if findErr != nil {
		s.infraFailure(ctx, op, "FindUserByID", "store", findErr)
		return ErrInternal
	}
	if user == nil {
		return ErrNotFound
	}
	if !s.passwords.Verify(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if v := s.passwords.ValidateStrength(newPassword); v != nil {
		return policyViolation(v.Error())
	}
	if newPassword == currentPassword {
		return policyViolation("new password must be different from the current password")
	}

	hash, hashErr := s.passwords.Hash(newPassword)
	if hashErr != nil {
		s.infraFailure(ctx, op, "Hash", "password", hashErr)
		return ErrInternal
	}
	if updErr := s.store.UpdateUser(ctx, userID, model.UserUpdate{PasswordHash: &hash}); updErr != nil {
		s.infraFailure(ctx, op, "UpdateUser", "store", updErr)
		return ErrInternal
	}
	if revErr := s.store.RevokeAllRefreshTokens(ctx, userID); revErr != nil {
		s.infraFailure(ctx, op, "RevokeAllRefreshTokens", "store", revErr)
		return ErrInternal
	}
	if delErr := s.cache.DeleteKey(ctx, SessionKey(userID)); delErr != nil {
		s.cacheFailure(ctx, op, "DeleteKey", delErr)
	}
	s.log.InfoContext(ctx, "password changed", "user_id", userID)
	return nil
}

// RequestPasswordReset looks up the account owning email and, when it is
// active, issues a reset token and mails it in the background. The caller
// only waits for the lookup, so the answer and its latency are the same
// whether or not such an account exists. Failures are logged and counted.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) string {
	const op = "request_reset"

	user, findErr := s.store.FindUserByEmail(ctx, model.NormalizeEmail(email))
	if findErr != nil {
		s.infraFailure(ctx, op, "FindUserByEmail", "store", findErr)
		s.metrics.Observe(op, metrics.OutcomeError)
		return ResetRequestedMessage
	}
	if user == nil || !user.IsActive {
		s.metrics.Observe(op, metrics.OutcomeRejected)
		return ResetRequestedMessage
	}

	s.dispatches.Add(1)
	go func(ctx context.Context, userID uint64, email string) {
		defer s.dispatches.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DispatchTimeout)
		defer cancel()
		s.metrics.Observe(op, s.dispatchReset(ctx, userID, email))
	}(ctx, user.ID, user.Email)
	return ResetRequestedMessage
}

// dispatchReset creates the reset token and hands it to the mailer. It
// returns the metrics outcome.
func (s *AuthService) dispatchReset(ctx context.Context, userID uint64, email string) string {
	const op = "request_reset"

	raw, genErr := token.GenerateOpaqueToken(token.DefaultOpaqueBytes)
	if genErr != nil {
		s.infraFailure(ctx, op, "GenerateOpaqueToken", "token", genErr)
		return metrics.OutcomeError
	}
	expiresAt := s.now().Add(s.opts.ResetTokenTTL)
	if createErr := s.store.CreatePasswordResetToken(ctx, userID, token.HashToken(raw), expiresAt); createErr != nil {
		s.infraFailure(ctx, op, "CreatePasswordResetToken", "store", createErr)
		return metrics.OutcomeError
	}
	if mailErr := s.mailer.SendPasswordReset(ctx, PasswordResetMail{
		UserID:    userID,
		Email:     email,
		Token:     raw,
		ExpiresAt: expiresAt,
	}); mailErr != nil {
		s.infraFailure(ctx, op, "SendPasswordReset", "mailer", mailErr)
	}
	return metrics.OutcomeSuccess
}

// Wait blocks until every reset dispatch started by RequestPasswordReset
// has finished.
func (s *AuthService) Wait() {
	s.dispatches.Wait()
}

// ResetPassword consumes a reset token and sets a new password, then
// revokes every refresh token of the user.
func (s *AuthService) ResetPassword(ctx context.Context, resetToken, newPassword string) (err error) {
	const op = "reset_password"
	defer func() { s.record(op, err) }()

	resetToken = strings.TrimSpace(resetToken)
	if resetToken == "" {
		return ErrInvalidOrExpiredToken
	}
	rec, findErr := s.store.FindPasswordResetToken(ctx, token.HashToken(resetToken))
	if findErr != nil {
		s.infraFailure(ctx, op, "FindPasswordResetToken", "store", findErr)
		return ErrInternal
	}
	if rec == nil || rec.Used || rec.ExpiredAt(s.now()) {
		return ErrInvalidOrExpiredToken
	}
	if v := s.passwords.ValidateStrength(newPassword); v != nil {
		return policyViolation(v.Error())
	}

	user, userErr := s.store.FindUserByID(ctx, rec.UserID)
	if userErr != nil {
		s.infraFailure(ctx, op, "FindUserByID", "store", userErr)
		return ErrInternal
	}
	if user == nil || !user.IsActive {
		if markErr := s.store.MarkPasswordResetTokenUsed(ctx, rec.ID); markErr != nil {
			s.infraFailure(ctx, op, "MarkPasswordResetTokenUsed", "store", markErr)
		}
		return ErrInvalidOrExpiredToken
	}

	hash, hashErr := s.passwords.Hash(newPassword)
	if hashErr != nil {
		s.infraFailure(ctx, op, "Hash", "password", hashErr)
		return ErrInternal
	}
	txErr := s.store.AtomicUpdatePasswordAndConsumeResetToken(ctx, rec.UserID, hash, rec.ID)
	if errors.Is(txErr, model.ErrResetTokenConsumed) {
		return ErrInvalidOrExpiredToken
	}
	if txErr != nil {
		s.infraFailure(ctx, op, "AtomicUpdatePasswordAndConsumeResetToken", "store", txErr)
		return ErrInternal
	}
	if revErr := s.store.RevokeAllRefreshTokens(ctx, rec.UserID); revErr != nil {
		s.infraFailure(ctx, op, "RevokeAllRefreshTokens", "store", revErr)
		return ErrInternal
	}
	if delErr := s.cache.DeleteKey(ctx, SessionKey(rec.UserID)); delErr != nil {
		s.cacheFailure(ctx, op, "DeleteKey", delErr)
	}
	s.log.InfoContext(ctx, "password reset", "user_id", rec.UserID)
	return nil
}

// Profile returns the sanitized user for userID.
func (s *AuthService) Profile(ctx context.Context, userID uint64) (*model.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		s.infraFailure(ctx, "profile", "FindUserByID", "store", err)
		return nil, ErrInternal
	}
	if user == nil {
		return nil, ErrNotFound
	}
	clean := user.Sanitized()
	return &clean, nil
}

// SetActive activates or deactivates an account. Deactivation ends every
// session of the user.
func (s *AuthService) SetActive(ctx context.Context, userID uint64, active bool) (err error) {
	const op = "set_active"
	defer func() { s.record(op, err) }()

	updErr := s.store.UpdateUser(ctx, userID, model.UserUpdate{IsActive: &active})
	if errors.Is(updErr, model.ErrNotFound) {
		return ErrNotFound
	}
	if updErr != nil {
		s.infraFailure(ctx, op, "UpdateUser", "store", updErr)
		return ErrInternal
	}
	if active {
		return nil
	}
	if revErr := s.store.RevokeAllRefreshTokens(ctx, userID); revErr != nil {
		s.infraFailure(ctx, op, "RevokeAllRefreshTokens", "store", revErr)
		return ErrInternal
	}
	if delErr := s.cache.DeleteKey(ctx, SessionKey(userID)); delErr != nil {
		s.cacheFailure(ctx, op, "DeleteKey", delErr)
	}
	s.log.InfoContext(ctx, "user deactivated", "user_id", userID)
	return nil
}

// startSession issues the token pair, persists the refresh token digest and
// writes the session marker. Failures are logged here.
func (s *AuthService) startSession(ctx context.Context, op string, user *model.User) (*AuthResult, error) {
	p := payloadFor(user)
	access, err := s.tokens.IssueAccessToken(p)
	if err != nil {
		s.infraFailure(ctx, op, "IssueAccessToken", "token", err)
		return nil, err
	}
	refresh, err := s.tokens.IssueRefreshToken(p)
	if err != nil {
		s.infraFailure(ctx, op, "IssueRefreshToken", "token", err)
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, user.ID, token.HashToken(refresh.Token), refresh.ExpiresAt); err != nil {
		s.infraFailure(ctx, op, "CreateRefreshToken", "store", err)
		return nil, err
	}

	marker := model.Session{
		UserID:       user.ID,
		Email:        user.Email,
		UserType:     user.UserType,
		LastActivity: s.now(),
	}
	if err := s.cache.SetSession(ctx, SessionKey(user.ID), marker, s.opts.SessionTTL); err != nil {
		s.cacheFailure(ctx, op, "SetSession", err)
	}
	return &AuthResult{User: user.Sanitized(), AccessToken: access, RefreshToken: refresh}, nil
}

func payloadFor(u *model.User) token.Payload {
	return token.Payload{UserID: u.ID, Email: u.Email, UserType: u.UserType}
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// infraFailure logs a collaborator failure with its cause. The cause never
// reaches the caller.
func (s *AuthService) infraFailure(ctx context.Context, op, step, component string, err error) {
	s.metrics.Failure(component)
	wrapped := oops.
		Code("AUTH_"+strings.ToUpper(op)+"_FAILED").
		With("operation", op, "step", step, "component", component).
		Wrap(err)
	s.log.ErrorContext(ctx, "auth operation failed", "operation", op, "step", step, "error", wrapped)
}

func (s *AuthService) cacheFailure(ctx context.Context, op, step string, err error) {
	s.metrics.Failure("cache")
	s.log.WarnContext(ctx, "session cache unavailable", "operation", op, "step", step, "error", err)
}

func (s *AuthService) record(op string, err error) {
	switch {
	case err == nil:
		s.metrics.Observe(op, metrics.OutcomeSuccess)
	case KindOf(err) == KindInternal, KindOf(err) == KindRegistrationFailed, KindOf(err) == KindLogoutFailed:
		s.metrics.Observe(op, metrics.OutcomeError)
	default:
		s.metrics.Observe(op, metrics.OutcomeRejected)
	}
}
