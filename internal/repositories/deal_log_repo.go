package repositories

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trumarket/backend/internal/models"
)

type DealLogRepo struct {
	pool *pgxpool.Pool
}

func NewDealLogRepo(pool *pgxpool.Pool) *DealLogRepo {
	return &DealLogRepo{pool: pool}
}

// Insert stores an ingested vault event; replays of the same tx and event are
// absorbed by the uniqueness constraint.
func (r *DealLogRepo) Insert(ctx context.Context, l *models.DealLog) error {
	args, err := json.Marshal(l.Args)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO deal_logs (deal_id, event, message, args, block_number, block_timestamp, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash, event) DO UPDATE SET message = EXCLUDED.message
		RETURNING id
	`, l.DealID, l.Event, l.Message, args, l.BlockNumber, l.BlockTimestamp, l.TxHash).Scan(&l.ID)
}

func (r *DealLogRepo) ListByDealID(ctx context.Context, dealID int64) ([]models.DealLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, event, message, args, block_number, block_timestamp, tx_hash
		FROM deal_logs WHERE deal_id = $1 ORDER BY block_number ASC, id ASC
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.DealLog
	for rows.Next() {
		var l models.DealLog
		var args []byte
		if err := rows.Scan(&l.ID, &l.DealID, &l.Event, &l.Message, &args,
			&l.BlockNumber, &l.BlockTimestamp, &l.TxHash); err != nil {
			return nil, err
		}
		if len(args) > 0 {
			_ = json.Unmarshal(args, &l.Args)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ---- Sync jobs ----

// CreateSyncJob registers a vault contract for event ingestion, starting at
// the block the escrow was created in.
func (r *DealLogRepo) CreateSyncJob(ctx context.Context, j *models.SyncLogJob) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO sync_log_jobs (contract, deal_id, last_block, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract) DO UPDATE SET active = EXCLUDED.active
		RETURNING id, created_at
	`, j.Contract, j.DealID, j.LastBlock, j.Active).Scan(&j.ID, &j.CreatedAt)
}

func (r *DealLogRepo) ListActiveSyncJobs(ctx context.Context) ([]models.SyncLogJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, contract, deal_id, last_block, active, created_at
		FROM sync_log_jobs WHERE active = true ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.SyncLogJob
	for rows.Next() {
		var j models.SyncLogJob
		if err := rows.Scan(&j.ID, &j.Contract, &j.DealID, &j.LastBlock, &j.Active, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *DealLogRepo) UpdateSyncJobBlock(ctx context.Context, id int64, lastBlock uint64) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_log_jobs SET last_block = $1 WHERE id = $2`, lastBlock, id)
	return err
}

func (r *DealLogRepo) DeactivateSyncJob(ctx context.Context, contract string) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_log_jobs SET active = false WHERE contract = $1`, contract)
	return err
}
