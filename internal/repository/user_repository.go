package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/marketplace-auth/internal/model"
)

const userColumns = "id,email,password_hash,first_name,last_name,user_type,is_active,email_verified,last_login_at,created_at,updated_at"

// UserRepo reads and writes the users table.
type UserRepo struct{ db DBTX }

func NewUserRepo(db DBTX) *UserRepo { return &UserRepo{db: db} }

// GetByEmail returns the user with the given normalized email, or nil.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1",
		model.NormalizeEmail(email)))
}

// GetByID returns the user with the given id, or nil.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (*model.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

func (r *UserRepo) scanOne(row *sql.Row) (*model.User, error) {
	var (
		u        model.User
		role     string
		lastSeen sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &role,
		&u.IsActive, &u.EmailVerified, &lastSeen, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.UserType = model.Role(role)
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// Create inserts an active, unverified user and returns its id. A duplicate
// email yields model.ErrEmailExists.
func (r *UserRepo) Create(ctx context.Context, nu model.NewUser) (uint64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO users (email,password_hash,first_name,last_name,user_type,is_active,email_verified) VALUES (?,?,?,?,?,1,0)",
		model.NormalizeEmail(nu.Email), nu.PasswordHash, nu.FirstName, nu.LastName, string(nu.UserType))
	if err != nil {
		if isDuplicate(err) {
			return 0, model.ErrEmailExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return uint64(id), nil
}

// Update applies the non-nil fields of upd. Updating a missing user yields
// model.ErrNotFound.
func (r *UserRepo) Update(ctx context.Context, id uint64, upd model.UserUpdate) error {
	if upd.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if upd.PasswordHash != nil {
		sets = append(sets, "password_hash=?")
		args = append(args, *upd.PasswordHash)
	}
	if upd.LastLoginAt != nil {
		sets = append(sets, "last_login_at=?")
		args = append(args, upd.LastLoginAt.UTC())
	}
	if upd.IsActive != nil {
		sets = append(sets, "is_active=?")
		args = append(args, *upd.IsActive)
	}
	if upd.EmailVerified != nil {
		sets = append(sets, "email_verified=?")
		args = append(args, *upd.EmailVerified)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().UTC(), id)

	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(sets, ",")+" WHERE id=?", args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}
