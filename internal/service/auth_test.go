package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/marketplace-auth/internal/cache"
	"github.com/iliyamo/marketplace-auth/internal/logging"
	"github.com/iliyamo/marketplace-auth/internal/metrics"
	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/password"
	"github.com/iliyamo/marketplace-auth/internal/repository"
	"github.com/iliyamo/marketplace-auth/internal/service"
	"github.com/iliyamo/marketplace-auth/internal/token"
)

const (
	strongPassword = "Str0ng!Pass"
	newPassword    = "N3w!Secure#Pw"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []service.PasswordResetMail
	err  error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, mail service.PasswordResetMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return m.err
}

func (m *captureMailer) last(t *testing.T) service.PasswordResetMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no reset mail sent")
	return m.sent[len(m.sent)-1]
}

// brokenStore fails selected calls with a driver-level error.
type brokenStore struct {
	*repository.MemoryStore
	failCreate bool
	failRevoke bool
	failLookup bool
}

var errConnReset = errors.New("connection reset by peer")

func (b *brokenStore) CreateUserWithAuxiliary(ctx context.Context, nu model.NewUser) (*model.User, error) {
	if b.failCreate {
		return nil, errConnReset
	}
	return b.MemoryStore.CreateUserWithAuxiliary(ctx, nu)
}

func (b *brokenStore) RevokeAllRefreshTokens(ctx context.Context, userID uint64) error {
	if b.failRevoke {
		return errConnReset
	}
	return b.MemoryStore.RevokeAllRefreshTokens(ctx, userID)
}

func (b *brokenStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	if b.failLookup {
		return nil, errConnReset
	}
	return b.MemoryStore.FindUserByEmail(ctx, email)
}

type fixture struct {
	svc     *service.AuthService
	store   *brokenStore
	mr      *miniredis.Miniredis
	mailer  *captureMailer
	tokens  *token.Issuer
	metrics *metrics.Metrics
	offset  time.Duration
}

func newFixture(t *testing.T, withRedis bool) *fixture {
	t.Helper()
	f := &fixture{
		store:  &brokenStore{MemoryStore: repository.NewMemoryStore()},
		mailer: &captureMailer{},
	}

	var sessions service.SessionCache = cache.Nop{}
	if withRedis {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		f.mr = mr
		sessions = cache.NewRedisSessionCache(rdb)
	}

	issuer, err := token.NewIssuer(token.Config{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
	require.NoError(t, err)
	f.tokens = issuer
	f.metrics = metrics.New(prometheus.NewRegistry())

	svc, err := service.New(service.Deps{
		Store:     f.store,
		Cache:     sessions,
		Passwords: password.New(password.DefaultMinLength, bcrypt.MinCost),
		Tokens:    issuer,
		Mailer:    f.mailer,
		Logger:    logging.Discard(),
		Metrics:   f.metrics,
		Now:       func() time.Time { return time.Now().UTC().Add(f.offset) },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, email, userType string) *service.AuthResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), service.RegisterInput{
		Email: email, Password: strongPassword, FirstName: "Ada", LastName: "Lovelace", UserType: userType,
	})
	require.NoError(t, err)
	return res
}

// requestReset asks for a reset mail and waits for the background dispatch.
func (f *fixture) requestReset(ctx context.Context, email string) string {
	msg := f.svc.RequestPasswordReset(ctx, email)
	f.svc.Wait()
	return msg
}

func requireKind(t *testing.T, err error, want service.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, service.KindOf(err), "error: %v", err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := service.New(service.Deps{})
	assert.Error(t, err)
}

func TestRegister_CreatesAccountAndSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res := f.register(t, "  Ada@Example.COM ", "")
	assert.Equal(t, "ada@example.com", res.User.Email)
	assert.Equal(t, model.RoleClient, res.User.UserType)
	assert.Empty(t, res.User.PasswordHash)
	assert.True(t, res.User.IsActive)
	assert.False(t, res.User.EmailVerified)

	access, err := f.tokens.VerifyAccessToken(res.AccessToken.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, access.UserID)
	assert.Equal(t, model.RoleClient, access.UserType)

	rec, err := f.store.FindRefreshToken(ctx, token.HashToken(res.RefreshToken.Token))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.User.ID, rec.UserID)

	wallet, ok := f.store.Wallet(res.User.ID)
	require.True(t, ok)
	assert.Equal(t, int64(0), wallet.BalanceCents)
	assert.Equal(t, model.DefaultCurrency, wallet.Currency)
	_, ok = f.store.FreelancerProfile(res.User.ID)
	assert.False(t, ok)

	key := service.SessionKey(res.User.ID)
	raw, err := f.mr.Get(key)
	require.NoError(t, err)
	var sess model.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &sess))
	assert.Equal(t, res.User.ID, sess.UserID)
	assert.Equal(t, "ada@example.com", sess.Email)
	assert.Equal(t, service.DefaultSessionTTL, f.mr.TTL(key))

	stored, err := f.store.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, strongPassword, stored.PasswordHash)
}

func TestRegister_FreelancerGetsProfile(t *testing.T) {
	f := newFixture(t, false)
	res := f.register(t, "fl@example.com", "freelancer")
	assert.Equal(t, model.RoleFreelancer, res.User.UserType)
	_, ok := f.store.FreelancerProfile(res.User.ID)
	assert.True(t, ok)
}

func TestRegister_Rejections(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "taken@example.com", "CLIENT")

	tests := []struct {
		name string
		in   service.RegisterInput
		kind service.Kind
		msg  string
	}{
		{
			name: "duplicate email differing in case",
			in:   service.RegisterInput{Email: "TAKEN@example.com", Password: strongPassword},
			kind: service.KindDuplicateAccount,
			msg:  "an account with this email already exists",
		},
		{
			name: "weak password",
			in:   service.RegisterInput{Email: "new@example.com", Password: "password"},
			kind: service.KindPolicyViolation,
		},
		{
			name: "malformed email",
			in:   service.RegisterInput{Email: "not-an-email", Password: strongPassword},
			kind: service.KindInvalidInput,
		},
		{
			name: "admin self-registration",
			in:   service.RegisterInput{Email: "boss@example.com", Password: strongPassword, UserType: "ADMIN"},
			kind: service.KindInvalidInput,
		},
		{
			name: "unknown user type",
			in:   service.RegisterInput{Email: "x@example.com", Password: strongPassword, UserType: "AGENCY"},
			kind: service.KindInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.in)
			requireKind(t, err, tt.kind)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, err.Error())
			}
		})
	}

	u, err := f.store.FindUserByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.Nil(t, u, "rejected registration must not create a user")
}

func TestRegister_PolicyMessageNamesRule(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Register(context.Background(), service.RegisterInput{Email: "a@example.com", Password: "Sh0rt!"})
	requireKind(t, err, service.KindPolicyViolation)
	assert.Contains(t, err.Error(), "8")
}

func TestRegister_StoreFailureIsOpaque(t *testing.T) {
	f := newFixture(t, false)
	f.store.failCreate = true

	_, err := f.svc.Register(context.Background(), service.RegisterInput{Email: "a@example.com", Password: strongPassword})
	requireKind(t, err, service.KindRegistrationFailed)
	assert.NotContains(t, err.Error(), "connection reset")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Infrastructure.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("register", metrics.OutcomeError)))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "ada@example.com", "")

	res, err := f.svc.Login(ctx, "ADA@example.com", strongPassword)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)
	assert.Empty(t, res.User.PasswordHash)
	require.NotNil(t, res.User.LastLoginAt)
	assert.NotEqual(t, reg.RefreshToken.Token, res.RefreshToken.Token)

	stored, _ := f.store.FindUserByID(ctx, reg.User.ID)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.register(t, "ada@example.com", "")
	inactive := f.register(t, "off@example.com", "")
	require.NoError(t, f.store.SetActive(inactive.User.ID, false))

	cases := map[string][2]string{
		"unknown email":  {"ghost@example.com", strongPassword},
		"wrong password": {"ada@example.com", "Wr0ng!Pass"},
		"inactive user":  {"off@example.com", strongPassword},
		"empty password": {"ada@example.com", ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Login(ctx, c[0], c[1])
			require.ErrorIs(t, err, service.ErrInvalidCredentials)
			assert.Equal(t, "invalid email or password", err.Error())
		})
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("login", metrics.OutcomeRejected)))
}

func TestLogin_StoreLookupFailureLooksLikeBadCredentials(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "ada@example.com", "")
	f.store.failLookup = true

	_, err := f.svc.Login(context.Background(), "ada@example.com", strongPassword)
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
}

func TestLogin_SucceedsWithCacheDown(t *testing.T) {
	f := newFixture(t, true)
	f.register(t, "ada@example.com", "")
	f.mr.Close()

	_, err := f.svc.Login(context.Background(), "ada@example.com", strongPassword)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.Infrastructure.WithLabelValues("cache")), 1.0)
}

func TestValidateUser(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.register(t, "ada@example.com", "")

	u := f.svc.ValidateUser(ctx, "ada@example.com", strongPassword)
	require.NotNil(t, u)
	assert.Equal(t, reg.User.ID, u.ID)

	assert.Nil(t, f.svc.ValidateUser(ctx, "ada@example.com", "nope"))
	assert.Nil(t, f.svc.ValidateUser(ctx, "ghost@example.com", strongPassword))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "fl@example.com", "FREELANCER")

	res, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
	require.NoError(t, err)
	p, err := f.tokens.VerifyAccessToken(res.AccessToken.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, p.UserID)
	assert.Equal(t, "fl@example.com", p.Email)
	assert.Equal(t, model.RoleFreelancer, p.UserType)

	// The refresh token is not rotated and stays usable.
	_, err = f.svc.Refresh(ctx, reg.RefreshToken.Token)
	require.NoError(t, err)
}

func TestRefresh_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("garbage", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.svc.Refresh(ctx, "not.a.jwt")
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("access token presented as refresh", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		_, err := f.svc.Refresh(ctx, reg.AccessToken.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("signed but never stored", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		forged, err := f.tokens.IssueRefreshToken(token.Payload{UserID: reg.User.ID, Email: reg.User.Email, UserType: reg.User.UserType})
		require.NoError(t, err)
		_, err = f.svc.Refresh(ctx, forged.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("revoked by logout", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		require.NoError(t, f.svc.Logout(ctx, reg.User.ID, ""))
		_, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("blacklisted only", func(t *testing.T) {
		f := newFixture(t, true)
		reg := f.register(t, "a@example.com", "")
		require.NoError(t, f.mr.Set(service.BlacklistKey(token.HashToken(reg.RefreshToken.Token)), "1"))
		_, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("stored row expired", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		f.offset = token.DefaultRefreshTTL + time.Hour
		_, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("deactivated user", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		require.NoError(t, f.store.SetActive(reg.User.ID, false))
		_, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
		require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})
}

func TestCheckRevocation_Reasons(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")
	b := f.register(t, "b@example.com", "")

	require.NoError(t, f.svc.CheckRevocation(ctx, a.User.ID, a.RefreshToken.Token))
	assert.ErrorIs(t, f.svc.CheckRevocation(ctx, b.User.ID, a.RefreshToken.Token), service.ErrRefreshOwnerMismatch)
	assert.ErrorIs(t, f.svc.CheckRevocation(ctx, a.User.ID, "unknown"), service.ErrRefreshNotFound)

	require.NoError(t, f.store.RevokeAllRefreshTokens(ctx, a.User.ID))
	assert.ErrorIs(t, f.svc.CheckRevocation(ctx, a.User.ID, a.RefreshToken.Token), service.ErrRefreshRevoked)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")
	second, err := f.svc.Login(ctx, "a@example.com", strongPassword)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, reg.User.ID, reg.RefreshToken.Token))

	assert.False(t, f.mr.Exists(service.SessionKey(reg.User.ID)))
	blKey := service.BlacklistKey(token.HashToken(reg.RefreshToken.Token))
	val, err := f.mr.Get(blKey)
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.Equal(t, service.DefaultBlacklistTTL, f.mr.TTL(blKey))

	// Every session of the user ends, not just the presented one.
	_, err = f.svc.Refresh(ctx, second.RefreshToken.Token)
	require.ErrorIs(t, err, service.ErrInvalidRefreshToken)

	// Logging out again is harmless.
	require.NoError(t, f.svc.Logout(ctx, reg.User.ID, reg.RefreshToken.Token))
}

func TestLogout_CacheDownStillRevokes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")
	f.mr.Close()

	require.NoError(t, f.svc.Logout(ctx, reg.User.ID, reg.RefreshToken.Token))
	rec, err := f.store.FindRefreshToken(ctx, token.HashToken(reg.RefreshToken.Token))
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
}

func TestLogout_StoreFailure(t *testing.T) {
	f := newFixture(t, false)
	reg := f.register(t, "a@example.com", "")
	f.store.failRevoke = true

	err := f.svc.Logout(context.Background(), reg.User.ID, reg.RefreshToken.Token)
	requireKind(t, err, service.KindLogoutFailed)
	assert.Equal(t, "logout failed", err.Error())
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")
	require.True(t, f.mr.Exists(service.SessionKey(reg.User.ID)))

	require.NoError(t, f.svc.ChangePassword(ctx, reg.User.ID, strongPassword, newPassword))
	assert.False(t, f.mr.Exists(service.SessionKey(reg.User.ID)), "session marker must be removed")

	_, err := f.svc.Login(ctx, "a@example.com", strongPassword)
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "a@example.com", newPassword)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, reg.RefreshToken.Token)
	require.ErrorIs(t, err, service.ErrInvalidRefreshToken, "sessions must be revoked")
}

func TestChangePassword_Rejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")

	err := f.svc.ChangePassword(ctx, 9999, strongPassword, newPassword)
	requireKind(t, err, service.KindNotFound)

	err = f.svc.ChangePassword(ctx, reg.User.ID, "Wr0ng!Pass", newPassword)
	requireKind(t, err, service.KindInvalidCredentials)

	err = f.svc.ChangePassword(ctx, reg.User.ID, strongPassword, "weak")
	requireKind(t, err, service.KindPolicyViolation)

	err = f.svc.ChangePassword(ctx, reg.User.ID, strongPassword, strongPassword)
	requireKind(t, err, service.KindPolicyViolation)

	_, err = f.svc.Login(ctx, "a@example.com", strongPassword)
	require.NoError(t, err, "failed changes must leave the password untouched")
}

func TestRequestPasswordReset(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")

	msg := f.requestReset(ctx, "ghost@example.com")
	assert.Equal(t, service.ResetRequestedMessage, msg)
	assert.Empty(t, f.mailer.sent)

	msg = f.requestReset(ctx, "A@Example.com")
	assert.Equal(t, service.ResetRequestedMessage, msg)
	mail := f.mailer.last(t)
	assert.Equal(t, reg.User.ID, mail.UserID)
	assert.Equal(t, "a@example.com", mail.Email)
	assert.Len(t, mail.Token, 2*token.DefaultOpaqueBytes)
	assert.WithinDuration(t, time.Now().Add(service.DefaultResetTokenTTL), mail.ExpiresAt, time.Minute)

	rec, err := f.store.FindPasswordResetToken(ctx, token.HashToken(mail.Token))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Used)

	raw, err := f.store.FindPasswordResetToken(ctx, mail.Token)
	require.NoError(t, err)
	assert.Nil(t, raw, "raw token must not be stored")
}

func TestRequestPasswordReset_FailuresAreSilent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")
	f.mailer.err = errors.New("smtp down")
	assert.Equal(t, service.ResetRequestedMessage, f.requestReset(ctx, "a@example.com"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Infrastructure.WithLabelValues("mailer")))

	require.NoError(t, f.store.SetActive(reg.User.ID, false))
	before := len(f.mailer.sent)
	assert.Equal(t, service.ResetRequestedMessage, f.requestReset(ctx, "a@example.com"))
	assert.Len(t, f.mailer.sent, before, "inactive accounts get no mail")

	f.store.failLookup = true
	assert.Equal(t, service.ResetRequestedMessage, f.requestReset(ctx, "a@example.com"))
}

// blockingMailer holds every send until release is closed.
type blockingMailer struct {
	started chan struct{}
	release chan struct{}
}

func (m *blockingMailer) SendPasswordReset(ctx context.Context, _ service.PasswordResetMail) error {
	m.started <- struct{}{}
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRequestPasswordReset_DoesNotWaitForMailer(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := repository.NewMemoryStore()
	passwords := password.New(password.DefaultMinLength, bcrypt.MinCost)
	issuer, err := token.NewIssuer(token.Config{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
	require.NoError(t, err)
	mailer := &blockingMailer{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc, err := service.New(service.Deps{
		Store:     store,
		Cache:     cache.Nop{},
		Passwords: passwords,
		Tokens:    issuer,
		Mailer:    mailer,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), service.RegisterInput{Email: "real@example.com", Password: strongPassword})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() { done <- svc.RequestPasswordReset(ctx, "real@example.com") }()

	select {
	case msg := <-done:
		assert.Equal(t, service.ResetRequestedMessage, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestPasswordReset waited for the mailer")
	}
	cancel()

	select {
	case <-mailer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("reset mail was never dispatched")
	}
	close(mailer.release)
	svc.Wait()

	user, err := store.FindUserByEmail(context.Background(), "real@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
}

func TestRequestPasswordReset_DispatchTimeout(t *testing.T) {
	store := repository.NewMemoryStore()
	issuer, err := token.NewIssuer(token.Config{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
	require.NoError(t, err)
	mailer := &blockingMailer{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	svc, err := service.New(service.Deps{
		Store:     store,
		Cache:     cache.Nop{},
		Passwords: password.New(password.DefaultMinLength, bcrypt.MinCost),
		Tokens:    issuer,
		Mailer:    mailer,
		Logger:    logging.Discard(),
		Metrics:   m,
		Options:   service.Options{DispatchTimeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), service.RegisterInput{Email: "real@example.com", Password: strongPassword})
	require.NoError(t, err)

	svc.RequestPasswordReset(context.Background(), "real@example.com")
	svc.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Infrastructure.WithLabelValues("mailer")))
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")
	f.requestReset(ctx, "a@example.com")
	mail := f.mailer.last(t)

	require.NoError(t, f.svc.ResetPassword(ctx, mail.Token, newPassword))

	_, err := f.svc.Login(ctx, "a@example.com", newPassword)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, reg.RefreshToken.Token)
	require.ErrorIs(t, err, service.ErrInvalidRefreshToken)

	err = f.svc.ResetPassword(ctx, mail.Token, "An0ther!Secret")
	require.ErrorIs(t, err, service.ErrInvalidOrExpiredToken, "reset tokens are single use")
}

func TestResetPassword_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty and unknown token", func(t *testing.T) {
		f := newFixture(t, false)
		require.ErrorIs(t, f.svc.ResetPassword(ctx, "", newPassword), service.ErrInvalidOrExpiredToken)
		require.ErrorIs(t, f.svc.ResetPassword(ctx, "deadbeef", newPassword), service.ErrInvalidOrExpiredToken)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, false)
		f.register(t, "a@example.com", "")
		f.requestReset(ctx, "a@example.com")
		f.offset = service.DefaultResetTokenTTL + time.Minute
		err := f.svc.ResetPassword(ctx, f.mailer.last(t).Token, newPassword)
		require.ErrorIs(t, err, service.ErrInvalidOrExpiredToken)
	})

	t.Run("weak password keeps token usable", func(t *testing.T) {
		f := newFixture(t, false)
		f.register(t, "a@example.com", "")
		f.requestReset(ctx, "a@example.com")
		tok := f.mailer.last(t).Token
		requireKind(t, f.svc.ResetPassword(ctx, tok, "password"), service.KindPolicyViolation)
		require.NoError(t, f.svc.ResetPassword(ctx, tok, newPassword))
	})

	t.Run("deactivated user burns token", func(t *testing.T) {
		f := newFixture(t, false)
		reg := f.register(t, "a@example.com", "")
		f.requestReset(ctx, "a@example.com")
		tok := f.mailer.last(t).Token
		require.NoError(t, f.store.SetActive(reg.User.ID, false))
		require.ErrorIs(t, f.svc.ResetPassword(ctx, tok, newPassword), service.ErrInvalidOrExpiredToken)

		rec, err := f.store.FindPasswordResetToken(ctx, token.HashToken(tok))
		require.NoError(t, err)
		assert.True(t, rec.Used)
	})
}

func TestResetPassword_ConcurrentUseSucceedsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, false)
	ctx := context.Background()
	f.register(t, "a@example.com", "")
	f.requestReset(ctx, "a@example.com")
	tok := f.mailer.last(t).Token

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		invalid atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.ResetPassword(ctx, tok, newPassword)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, service.ErrInvalidOrExpiredToken):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(5), invalid.Load())
}

func TestProfile(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")

	u, err := f.svc.Profile(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Empty(t, u.PasswordHash)

	_, err = f.svc.Profile(ctx, 404)
	requireKind(t, err, service.KindNotFound)
}

func TestSetActive_DeactivationEndsSessions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reg := f.register(t, "a@example.com", "")

	require.NoError(t, f.svc.SetActive(ctx, reg.User.ID, false))
	assert.False(t, f.mr.Exists(service.SessionKey(reg.User.ID)))
	_, err := f.svc.Refresh(ctx, reg.RefreshToken.Token)
	require.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	_, err = f.svc.Login(ctx, "a@example.com", strongPassword)
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	require.NoError(t, f.svc.SetActive(ctx, reg.User.ID, true))
	_, err = f.svc.Login(ctx, "a@example.com", strongPassword)
	require.NoError(t, err)

	requireKind(t, f.svc.SetActive(ctx, 404, false), service.KindNotFound)
}
