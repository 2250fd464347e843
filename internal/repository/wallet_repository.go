package repository

import (
	"context"
	"fmt"

	"github.com/iliyamo/marketplace-auth/internal/model"
)

// AccountRepo writes the auxiliary rows every new account gets: a wallet,
// and a profile for freelancers.
type AccountRepo struct{ db DBTX }

func NewAccountRepo(db DBTX) *AccountRepo { return &AccountRepo{db: db} }

// CreateWallet opens an empty wallet in the default currency.
func (r *AccountRepo) CreateWallet(ctx context.Context, userID uint64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO wallets (user_id, balance_cents, currency) VALUES (?,?,?)",
		userID, 0, model.DefaultCurrency)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// CreateFreelancerProfile inserts an empty freelancer profile.
func (r *AccountRepo) CreateFreelancerProfile(ctx context.Context, userID uint64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO freelancer_profiles (user_id, headline, hourly_rate_cents) VALUES (?,?,?)",
		userID, "", 0)
	if err != nil {
		return fmt.Errorf("insert freelancer profile: %w", err)
	}
	return nil
}
