package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/marketplace-auth/internal/model"
	"github.com/iliyamo/marketplace-auth/internal/service"
)

// Store is the MySQL-backed service.CredentialStore.
type Store struct {
	db     *sql.DB
	users  *UserRepo
	tokens *TokenRepo
	resets *ResetRepo
}

var _ service.CredentialStore = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		users:  NewUserRepo(db),
		tokens: NewTokenRepo(db),
		resets: NewResetRepo(db),
	}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.users.GetByEmail(ctx, email)
}

func (s *Store) FindUserByID(ctx context.Context, id uint64) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

// CreateUserWithAuxiliary inserts the user, its wallet and, for freelancers,
// its profile in one transaction, then reads the user back.
func (s *Store) CreateUserWithAuxiliary(ctx context.Context, nu model.NewUser) (*model.User, error) {
	var id uint64
	err := WithTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var err error
		id, err = NewUserRepo(tx).Create(ctx, nu)
		if err != nil {
			return err
		}
		accounts := NewAccountRepo(tx)
		if err := accounts.CreateWallet(ctx, id); err != nil {
			return err
		}
		if nu.UserType == model.RoleFreelancer {
			return accounts.CreateFreelancerProfile(ctx, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %d vanished after insert", id)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, id uint64, upd model.UserUpdate) error {
	return s.users.Update(ctx, id, upd)
}

func (s *Store) CreateRefreshToken(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) error {
	return s.tokens.Store(ctx, userID, tokenHash, expiresAt)
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	return s.tokens.Find(ctx, tokenHash)
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uint64) error {
	return s.tokens.RevokeAllForUser(ctx, userID)
}

func (s *Store) CreatePasswordResetToken(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) error {
	return s.resets.Create(ctx, userID, tokenHash, expiresAt)
}

func (s *Store) FindPasswordResetToken(ctx context.Context, tokenHash string) (*model.PasswordResetToken, error) {
	return s.resets.Find(ctx, tokenHash)
}

// MarkPasswordResetTokenUsed is idempotent: an already used token is not an
// error.
func (s *Store) MarkPasswordResetTokenUsed(ctx context.Context, id uint64) error {
	if err := s.resets.MarkUsed(ctx, id); err != nil && !errors.Is(err, model.ErrResetTokenConsumed) {
		return err
	}
	return nil
}

// AtomicUpdatePasswordAndConsumeResetToken consumes the reset token and
// stores the new hash in one transaction. The token is claimed first so a
// concurrent reset that loses the race never touches the password.
func (s *Store) AtomicUpdatePasswordAndConsumeResetToken(ctx context.Context, userID uint64, passwordHash string, resetTokenID uint64) error {
	return WithTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		if err := NewResetRepo(tx).MarkUsed(ctx, resetTokenID); err != nil {
			return err
		}
		return NewUserRepo(tx).Update(ctx, userID, model.UserUpdate{PasswordHash: &passwordHash})
	})
}
