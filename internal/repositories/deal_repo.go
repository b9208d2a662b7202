package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trumarket/backend/internal/models"
)

const dealColumns = `
	id, name, description, cover_image_url, status, settlement_kind,
	buyers, suppliers, milestones, current_milestone,
	nft_id, mint_tx_hash, vault_address,
	xrpl_vault_address, xrpl_vault_seed_enc, xrpl_borrower_address, xrpl_borrower_seed_enc,
	origin, destination, port_of_origin, port_of_destination, transport,
	quality, variety, quantity, offer_unit_price, total_value,
	shipping_start_date, expected_shipping_end_date,
	investment_amount, revenue, net_balance, roi,
	buyer_company, supplier_company, docs,
	is_published, new_documents, created_at, updated_at`

type DealRepo struct {
	pool *pgxpool.Pool
}

func NewDealRepo(pool *pgxpool.Pool) *DealRepo {
	return &DealRepo{pool: pool}
}

type dealRow interface {
	Scan(dest ...any) error
}

func scanDeal(row dealRow) (*models.Deal, error) {
	var d models.Deal
	var buyers, suppliers, milestones, docs []byte
	var buyerCompany, supplierCompany []byte
	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.CoverImageURL, &d.Status, &d.SettlementKind,
		&buyers, &suppliers, &milestones, &d.CurrentMilestone,
		&d.NftID, &d.MintTxHash, &d.VaultAddress,
		&d.XrplVaultAddress, &d.XrplVaultSeedEnc, &d.XrplBorrowerAddress, &d.XrplBorrowerSeedEnc,
		&d.Origin, &d.Destination, &d.PortOfOrigin, &d.PortOfDestination, &d.Transport,
		&d.Quality, &d.Variety, &d.Quantity, &d.OfferUnitPrice, &d.TotalValue,
		&d.ShippingStartDate, &d.ExpectedShippingEndDate,
		&d.InvestmentAmount, &d.Revenue, &d.NetBalance, &d.ROI,
		&buyerCompany, &supplierCompany, &docs,
		&d.IsPublished, &d.NewDocuments, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(buyers, &d.Buyers); err != nil {
		return nil, fmt.Errorf("decode buyers: %w", err)
	}
	if err := json.Unmarshal(suppliers, &d.Suppliers); err != nil {
		return nil, fmt.Errorf("decode suppliers: %w", err)
	}
	if err := json.Unmarshal(milestones, &d.Milestones); err != nil {
		return nil, fmt.Errorf("decode milestones: %w", err)
	}
	if err := json.Unmarshal(docs, &d.Docs); err != nil {
		return nil, fmt.Errorf("decode docs: %w", err)
	}
	if len(buyerCompany) > 0 {
		_ = json.Unmarshal(buyerCompany, &d.BuyerCompany)
	}
	if len(supplierCompany) > 0 {
		_ = json.Unmarshal(supplierCompany, &d.SupplierCompany)
	}
	return &d, nil
}

func dealArgs(d *models.Deal) ([]any, error) {
	buyers, err := json.Marshal(d.Buyers)
	if err != nil {
		return nil, err
	}
	suppliers, err := json.Marshal(d.Suppliers)
	if err != nil {
		return nil, err
	}
	milestones, err := json.Marshal(d.Milestones)
	if err != nil {
		return nil, err
	}
	docs := d.Docs
	if docs == nil {
		docs = []models.DocumentFile{}
	}
	docsJSON, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}
	var buyerCompany, supplierCompany []byte
	if d.BuyerCompany != nil {
		buyerCompany, _ = json.Marshal(d.BuyerCompany)
	}
	if d.SupplierCompany != nil {
		supplierCompany, _ = json.Marshal(d.SupplierCompany)
	}
	return []any{
		d.Name, d.Description, d.CoverImageURL, d.Status, d.SettlementKind,
		buyers, suppliers, milestones, d.CurrentMilestone,
		d.NftID, d.MintTxHash, d.VaultAddress,
		d.XrplVaultAddress, d.XrplVaultSeedEnc, d.XrplBorrowerAddress, d.XrplBorrowerSeedEnc,
		d.Origin, d.Destination, d.PortOfOrigin, d.PortOfDestination, d.Transport,
		d.Quality, d.Variety, d.Quantity, d.OfferUnitPrice, d.TotalValue,
		d.ShippingStartDate, d.ExpectedShippingEndDate,
		d.InvestmentAmount, d.Revenue, d.NetBalance, d.ROI,
		buyerCompany, supplierCompany, docsJSON,
		d.IsPublished, d.NewDocuments,
	}, nil
}

func (r *DealRepo) Create(ctx context.Context, d *models.Deal) error {
	args, err := dealArgs(d)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO deals (
			name, description, cover_image_url, status, settlement_kind,
			buyers, suppliers, milestones, current_milestone,
			nft_id, mint_tx_hash, vault_address,
			xrpl_vault_address, xrpl_vault_seed_enc, xrpl_borrower_address, xrpl_borrower_seed_enc,
			origin, destination, port_of_origin, port_of_destination, transport,
			quality, variety, quantity, offer_unit_price, total_value,
			shipping_start_date, expected_shipping_end_date,
			investment_amount, revenue, net_balance, roi,
			buyer_company, supplier_company, docs,
			is_published, new_documents
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		        $31, $32, $33, $34, $35, $36, $37)
		RETURNING id, created_at, updated_at
	`, args...).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (r *DealRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(r.pool.QueryRow(ctx, `SELECT`+dealColumns+` FROM deals WHERE id = $1`, id))
}

const updateDealSQL = `
	UPDATE deals SET
		name = $1, description = $2, cover_image_url = $3, status = $4, settlement_kind = $5,
		buyers = $6, suppliers = $7, milestones = $8, current_milestone = $9,
		nft_id = $10, mint_tx_hash = $11, vault_address = $12,
		xrpl_vault_address = $13, xrpl_vault_seed_enc = $14, xrpl_borrower_address = $15, xrpl_borrower_seed_enc = $16,
		origin = $17, destination = $18, port_of_origin = $19, port_of_destination = $20, transport = $21,
		quality = $22, variety = $23, quantity = $24, offer_unit_price = $25, total_value = $26,
		shipping_start_date = $27, expected_shipping_end_date = $28,
		investment_amount = $29, revenue = $30, net_balance = $31, roi = $32,
		buyer_company = $33, supplier_company = $34, docs = $35,
		is_published = $36, new_documents = $37,
		updated_at = now()
	WHERE id = $38`

// WithDealLocked runs fn on the deal under SELECT FOR UPDATE and persists the
// mutated row in the same transaction. Concurrent callers serialize on the
// row, so check-then-act sequences like unanimous confirmation cannot race.
func (r *DealRepo) WithDealLocked(ctx context.Context, id uuid.UUID, fn func(d *models.Deal) error) (*models.Deal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := scanDeal(tx.QueryRow(ctx, `SELECT`+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}

	args, err := dealArgs(d)
	if err != nil {
		return nil, err
	}
	args = append(args, d.ID)
	if _, err := tx.Exec(ctx, updateDealSQL, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DealRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetEVMLinkage records mint results exactly once; a second writer loses.
func (r *DealRepo) SetEVMLinkage(ctx context.Context, id uuid.UUID, nftID int64, mintTxHash, vaultAddress string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET nft_id = $1, mint_tx_hash = $2, vault_address = $3, updated_at = now()
		WHERE id = $4 AND nft_id IS NULL
	`, nftID, mintTxHash, vaultAddress, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deal %s already has settlement linkage", id)
	}
	return nil
}

// SetXRPLLinkage records ledger escrow accounts exactly once.
func (r *DealRepo) SetXRPLLinkage(ctx context.Context, id uuid.UUID, d *models.Deal) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET
			xrpl_vault_address = $1, xrpl_vault_seed_enc = $2,
			xrpl_borrower_address = $3, xrpl_borrower_seed_enc = $4,
			updated_at = now()
		WHERE id = $5 AND xrpl_vault_address = ''
	`, d.XrplVaultAddress, d.XrplVaultSeedEnc, d.XrplBorrowerAddress, d.XrplBorrowerSeedEnc, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deal %s already has settlement linkage", id)
	}
	return nil
}

type DealFilter struct {
	UserID    *string // participant id inside buyers or suppliers
	Status    *string
	Published *bool
	Limit     int
	Offset    int
}

func (r *DealRepo) List(ctx context.Context, f DealFilter) ([]models.Deal, error) {
	query := `SELECT` + dealColumns + ` FROM deals`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.UserID != nil {
		participant, _ := json.Marshal([]map[string]string{{"id": *f.UserID}})
		where = append(where, fmt.Sprintf("(buyers @> $%d OR suppliers @> $%d)", argIdx, argIdx))
		args = append(args, participant)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}
	if f.Published != nil {
		where = append(where, fmt.Sprintf("is_published = $%d", argIdx))
		args = append(args, *f.Published)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

// ListByInviteeEmail returns deals holding an unregistered participant entry
// for the email.
func (r *DealRepo) ListByInviteeEmail(ctx context.Context, email string) ([]models.Deal, error) {
	invitee, _ := json.Marshal([]map[string]string{{"email": email}})
	rows, err := r.pool.Query(ctx, `
		SELECT`+dealColumns+` FROM deals
		WHERE buyers @> $1 OR suppliers @> $1
	`, invitee)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

// ListWithEscrow returns deals whose escrow can still receive deposits.
func (r *DealRepo) ListWithEscrow(ctx context.Context) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+dealColumns+` FROM deals
		WHERE status IN ($1, $2) AND (vault_address <> '' OR xrpl_vault_address <> '')
	`, models.DealStatusConfirmed, models.DealStatusFinished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

func (r *DealRepo) Count(ctx context.Context, f DealFilter) (int64, error) {
	query := `SELECT count(*) FROM deals`
	args := []any{}
	argIdx := 1
	where := []string{}
	if f.UserID != nil {
		participant, _ := json.Marshal([]map[string]string{{"id": *f.UserID}})
		where = append(where, fmt.Sprintf("(buyers @> $%d OR suppliers @> $%d)", argIdx, argIdx))
		args = append(args, participant)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}
	if f.Published != nil {
		where = append(where, fmt.Sprintf("is_published = $%d", argIdx))
		args = append(args, *f.Published)
	}
	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}
	var n int64
	err := r.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}
