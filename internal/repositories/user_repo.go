package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trumarket/backend/internal/models"
)

const userColumns = `
	id, email, account_type, wallet_address, kyc_verified, company,
	xrpl_wallet_address, xrpl_wallet_seed_enc, created_at, last_active_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func scanUser(row dealRow) (*models.User, error) {
	var u models.User
	var company []byte
	err := row.Scan(
		&u.ID, &u.Email, &u.AccountType, &u.WalletAddress, &u.KYCVerified, &company,
		&u.XrplWalletAddress, &u.XrplWalletSeedEnc, &u.CreatedAt, &u.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	if len(company) > 0 {
		_ = json.Unmarshal(company, &u.Company)
	}
	return &u, nil
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	var company []byte
	if u.Company != nil {
		company, _ = json.Marshal(u.Company)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (email, account_type, wallet_address, kyc_verified, company,
		                   xrpl_wallet_address, xrpl_wallet_seed_enc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, last_active_at
	`, u.Email, u.AccountType, u.WalletAddress, u.KYCVerified, company,
		u.XrplWalletAddress, u.XrplWalletSeedEnc,
	).Scan(&u.ID, &u.CreatedAt, &u.LastActiveAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT`+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT`+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (r *UserRepo) GetByWalletAddress(ctx context.Context, address string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT`+userColumns+` FROM users WHERE lower(wallet_address) = lower($1)`, address))
}

func (r *UserRepo) GetByXrplAddress(ctx context.Context, address string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT`+userColumns+` FROM users WHERE xrpl_wallet_address = $1`, address))
}

func (r *UserRepo) UpdateWalletAddress(ctx context.Context, id uuid.UUID, address string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET wallet_address = $1 WHERE id = $2`, address, id)
	return err
}

func (r *UserRepo) UpdateXrplWallet(ctx context.Context, id uuid.UUID, address, sealedSeed string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET xrpl_wallet_address = $1, xrpl_wallet_seed_enc = $2 WHERE id = $3
	`, address, sealedSeed, id)
	return err
}

func (r *UserRepo) UpdateCompany(ctx context.Context, id uuid.UUID, company *models.Company) error {
	var payload []byte
	if company != nil {
		payload, _ = json.Marshal(company)
	}
	_, err := r.pool.Exec(ctx, `UPDATE users SET company = $1 WHERE id = $2`, payload, id)
	return err
}

func (r *UserRepo) SetKYCVerified(ctx context.Context, id uuid.UUID, verified bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET kyc_verified = $1 WHERE id = $2`, verified, id)
	return err
}

func (r *UserRepo) UpdateLastActive(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_active_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}
