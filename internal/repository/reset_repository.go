package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/marketplace-auth/internal/model"
)

// ResetRepo persists single-use password reset token digests.
type ResetRepo struct{ db DBTX }

func NewResetRepo(db DBTX) *ResetRepo { return &ResetRepo{db: db} }

func (r *ResetRepo) Create(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO password_reset_tokens (user_id, token_hash, expires_at) VALUES (?,?,?)",
		userID, tokenHash, exp.UTC())
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

// Find returns the row with the given digest, used or not, or nil.
func (r *ResetRepo) Find(ctx context.Context, tokenHash string) (*model.PasswordResetToken, error) {
	var (
		t      model.PasswordResetToken
		usedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, user_id, token_hash, expires_at, used, used_at, created_at FROM password_reset_tokens WHERE token_hash=? LIMIT 1",
		tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &usedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select reset token: %w", err)
	}
	if usedAt.Valid {
		at := usedAt.Time
		t.UsedAt = &at
	}
	return &t, nil
}

// MarkUsed flips the used flag only if it is still clear. A token that was
// already used, or does not exist, yields model.ErrResetTokenConsumed.
func (r *ResetRepo) MarkUsed(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE password_reset_tokens SET used=1, used_at=? WHERE id=? AND used=0",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrResetTokenConsumed
	}
	return nil
}
