package repository

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/service"
)

// MemoryStore is an in-process service.CredentialStore with the same
// uniqueness and single-use guarantees as Store. Records are copied in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  uint64
	users   map[uint64]*model.User
	byEmail map[string]uint64
	wallets map[uint64]model.Wallet
	// profiles is keyed by user id.
	profiles map[uint64]model.FreelancerProfile
	refresh  map[string]*model.RefreshToken
	resets   map[string]*model.PasswordResetToken
}

var _ service.CredentialStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		users:    map[uint64]*model.User{},
		byEmail:  map[string]uint64{},
		wallets:  map[uint64]model.Wallet{},
		profiles: map[uint64]model.FreelancerProfile{},
		refresh:  map[string]*model.RefreshToken{},
		resets:   map[string]*model.PasswordResetToken{},
	}
}

func (m *MemoryStore) id() uint64 {
	m.nextID++
	return m.nextID
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) FindUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	u := *m.users[id]
	return &u, nil
}

func (m *MemoryStore) FindUserByID(_ context.Context, id uint64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUserWithAuxiliary(_ context.Context, nu model.NewUser) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := model.NormalizeEmail(nu.Email)
	if _, exists := m.byEmail[email]; exists {
		return nil, model.ErrEmailExists
	}
	now := m.now()
	u := &model.User{
		ID:           m.id(),
		Email:        email,
		PasswordHash: nu.PasswordHash,
		FirstName:    nu.FirstName,
		LastName:     nu.LastName,
		UserType:     nu.UserType,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	m.wallets[u.ID] = model.Wallet{ID: m.id(), UserID: u.ID, Currency: model.DefaultCurrency, CreatedAt: now}
	if u.UserType == model.RoleFreelancer {
		m.profiles[u.ID] = model.FreelancerProfile{ID: m.id(), UserID: u.ID, CreatedAt: now}
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, id uint64, upd model.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateUser(id, upd)
}

func (m *MemoryStore) updateUser(id uint64, upd model.UserUpdate) error {
	u, ok := m.users[id]
	if !ok {
		return model.ErrNotFound
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.LastLoginAt != nil {
		t := *upd.LastLoginAt
		u.LastLoginAt = &t
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, userID uint64, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = &model.RefreshToken{
		ID:        m.id(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: m.now(),
	}
	return nil
}

func (m *MemoryStore) FindRefreshToken(_ context.Context, tokenHash string) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) RevokeAllRefreshTokens(_ context.Context, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, t := range m.refresh {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			at := now
			t.RevokedAt = &at
		}
	}
	return nil
}

func (m *MemoryStore) CreatePasswordResetToken(_ context.Context, userID uint64, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[tokenHash] = &model.PasswordResetToken{
		ID:        m.id(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: m.now(),
	}
	return nil
}

func (m *MemoryStore) FindPasswordResetToken(_ context.Context, tokenHash string) (*model.PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.resets[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) MarkPasswordResetTokenUsed(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.resetByID(id); t != nil && !t.Used {
		m.consume(t)
	}
	return nil
}

func (m *MemoryStore) AtomicUpdatePasswordAndConsumeResetToken(_ context.Context, userID uint64, passwordHash string, resetTokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.resetByID(resetTokenID)
	if t == nil || t.Used {
		return model.ErrResetTokenConsumed
	}
	if _, ok := m.users[userID]; !ok {
		return model.ErrNotFound
	}
	m.consume(t)
	return m.updateUser(userID, model.UserUpdate{PasswordHash: &passwordHash})
}

func (m *MemoryStore) resetByID(id uint64) *model.PasswordResetToken {
	for _, t := range m.resets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) consume(t *model.PasswordResetToken) {
	now := m.now()
	t.Used = true
	t.UsedAt = &now
}

// Wallet returns the wallet opened for userID.
func (m *MemoryStore) Wallet(userID uint64) (model.Wallet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	return w, ok
}

// FreelancerProfile returns the profile opened for userID.
func (m *MemoryStore) FreelancerProfile(userID uint64) (model.FreelancerProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	return p, ok
}

// SetActive toggles the is_active flag of a user. It is used by admin
// tooling and tests.
func (m *MemoryStore) SetActive(userID uint64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateUser(userID, model.UserUpdate{IsActive: &active})
}
