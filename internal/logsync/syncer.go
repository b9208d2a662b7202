package logsync

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/models"
)

const maxBlockSpan = 5000

// vault events worth surfacing on the deal timeline
var eventSignatures = map[common.Hash]string{
	crypto.Keccak256Hash([]byte("Deposit(address,uint256)")):          "Deposit",
	crypto.Keccak256Hash([]byte("Withdraw(address,uint256)")):         "Withdraw",
	crypto.Keccak256Hash([]byte("MilestoneChanged(uint256,uint256)")): "MilestoneChanged",
	crypto.Keccak256Hash([]byte("DealCompleted(uint256)")):            "DealCompleted",
}

// Chain is the node access the syncer needs.
type Chain interface {
	LastBlock(ctx context.Context) (uint64, error)
	FilterContractLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
}

// JobStore reads and advances the registered vault sync jobs.
type JobStore interface {
	ListActiveSyncJobs(ctx context.Context) ([]models.SyncLogJob, error)
	UpdateSyncJobBlock(ctx context.Context, id int64, lastBlock uint64) error
	Insert(ctx context.Context, l *models.DealLog) error
}

// Syncer ingests vault contract events into deal_logs so the API can serve a
// deal's on-chain history without touching the node.
type Syncer struct {
	chain Chain
	store JobStore
	log   *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewSyncer(chain Chain, store JobStore, log *zap.Logger) *Syncer {
	return &Syncer{chain: chain, store: store, log: log}
}

// Run executes one sync cycle over every active job, skipping the tick when
// the previous cycle is still in flight.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("log sync cycle still running, skipping tick")
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	head, err := s.chain.LastBlock(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}

	jobs, err := s.store.ListActiveSyncJobs(ctx)
	if err != nil {
		return fmt.Errorf("list sync jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.syncJob(ctx, job, head); err != nil {
			s.log.Error("sync job failed",
				zap.String("contract", job.Contract),
				zap.Int64("deal_id", job.DealID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Syncer) syncJob(ctx context.Context, job models.SyncLogJob, head uint64) error {
	if job.LastBlock >= head {
		return nil
	}
	from := job.LastBlock + 1
	to := head
	if to-from > maxBlockSpan {
		to = from + maxBlockSpan
	}

	logs, err := s.chain.FilterContractLogs(ctx, common.HexToAddress(job.Contract), from, to)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		entry := s.decode(ctx, job.DealID, lg)
		if entry == nil {
			continue
		}
		if err := s.store.Insert(ctx, entry); err != nil {
			return fmt.Errorf("insert deal log: %w", err)
		}
	}

	return s.store.UpdateSyncJobBlock(ctx, job.ID, to)
}

func (s *Syncer) decode(ctx context.Context, dealID int64, lg types.Log) *models.DealLog {
	if len(lg.Topics) == 0 {
		return nil
	}
	event, ok := eventSignatures[lg.Topics[0]]
	if !ok {
		return nil
	}

	blockTime := time.Now()
	if ts, err := s.chain.BlockTimestamp(ctx, lg.BlockNumber); err == nil {
		blockTime = time.Unix(int64(ts), 0)
	}

	args := map[string]any{}
	message := event
	switch event {
	case "Deposit", "Withdraw":
		if len(lg.Topics) > 1 {
			account := common.BytesToAddress(lg.Topics[1].Bytes()[12:])
			args["account"] = account.Hex()
			message = fmt.Sprintf("%s by %s", event, account.Hex())
		}
		if len(lg.Data) >= 32 {
			args["amount"] = new(big.Int).SetBytes(lg.Data[:32]).String()
		}
	case "MilestoneChanged":
		if len(lg.Data) >= 64 {
			milestone := new(big.Int).SetBytes(lg.Data[32:64])
			args["milestone"] = milestone.String()
			message = fmt.Sprintf("Milestone changed to %s", milestone)
		}
	case "DealCompleted":
		message = "Deal completed"
	}

	return &models.DealLog{
		DealID:         dealID,
		Event:          event,
		Message:        message,
		Args:           args,
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: blockTime,
		TxHash:         lg.TxHash.Hex(),
	}
}
