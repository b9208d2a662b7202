package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/blockchain"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/models"
)

const (
	cursorKey    = "deposit-bridge:cursor:block"
	processedKey = "deposit-bridge:log:"
	processedTTL = 7 * 24 * time.Hour
	maxBlockSpan = 2000
)

// Chain is the node access the detector needs.
type Chain interface {
	LastBlock(ctx context.Context) (uint64, error)
	FilterTokenTransfers(ctx context.Context, token common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
}

// DealSource lists deals whose escrow accepts deposits and resolves investors.
type DealSource interface {
	ListWithEscrow(ctx context.Context) ([]models.Deal, error)
}

type UserSource interface {
	GetByWalletAddress(ctx context.Context, address string) (*models.User, error)
}

type LogSink interface {
	Insert(ctx context.Context, l *models.DealLog) error
}

// Mirror credits a detected deposit into the deal's ledger escrow.
type Mirror interface {
	ProcessDeposit(ctx context.Context, deal *models.Deal, investor *models.User, amount float64) (string, error)
}

// Store persists the block cursor and per-log processing marks.
type Store interface {
	GetCursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, block uint64) error
	// MarkProcessed returns false when the key was already marked.
	MarkProcessed(ctx context.Context, key string) (bool, error)
	// Unmark releases a mark so a failed credit is retried next cycle.
	Unmark(ctx context.Context, key string) error
}

// Detector watches investment token transfers into deal vaults and credits
// the depositing investor. Each eligible log is attributed to the externally
// owned account that signed the transaction, not the immediate token sender,
// so deposits routed through contracts still land on the right user.
type Detector struct {
	chain          Chain
	deals          DealSource
	users          UserSource
	logs           LogSink
	mirror         Mirror
	store          Store
	publisher      events.Publisher
	token          common.Address
	dealsManager   common.Address
	tokenDecimals  int
	lookbackBlocks uint64
	log            *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewDetector(
	chain Chain,
	deals DealSource,
	users UserSource,
	logs LogSink,
	mirror Mirror,
	store Store,
	publisher events.Publisher,
	token, dealsManager common.Address,
	tokenDecimals int,
	lookbackBlocks uint64,
	log *zap.Logger,
) *Detector {
	return &Detector{
		chain:          chain,
		deals:          deals,
		users:          users,
		logs:           logs,
		mirror:         mirror,
		store:          store,
		publisher:      publisher,
		token:          token,
		dealsManager:   dealsManager,
		tokenDecimals:  tokenDecimals,
		lookbackBlocks: lookbackBlocks,
		log:            log,
	}
}

// Run executes one detection cycle. A cycle still in flight when the next
// tick fires is skipped rather than overlapped.
func (d *Detector) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.log.Debug("deposit cycle still running, skipping tick")
		return nil
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	return d.cycle(ctx)
}

func (d *Detector) cycle(ctx context.Context) error {
	head, err := d.chain.LastBlock(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}

	cursor, err := d.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == 0 {
		// first run: look back a bounded window instead of scanning history
		if head > d.lookbackBlocks {
			cursor = head - d.lookbackBlocks
		}
	}
	if cursor >= head {
		return nil
	}

	from := cursor + 1
	to := head
	if to-from > maxBlockSpan {
		to = from + maxBlockSpan
	}

	vaults, err := d.vaultIndex(ctx)
	if err != nil {
		return err
	}
	if len(vaults) == 0 {
		return d.store.SetCursor(ctx, to)
	}

	logs, err := d.chain.FilterTokenTransfers(ctx, d.token, from, to)
	if err != nil {
		return fmt.Errorf("filter transfers: %w", err)
	}

	for _, lg := range logs {
		if err := d.handleTransfer(ctx, lg, vaults); err != nil {
			d.log.Error("handle deposit failed",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err))
		}
	}

	return d.store.SetCursor(ctx, to)
}

func (d *Detector) vaultIndex(ctx context.Context) (map[string]models.Deal, error) {
	deals, err := d.deals.ListWithEscrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deals with escrow: %w", err)
	}
	vaults := make(map[string]models.Deal, len(deals))
	for _, deal := range deals {
		if deal.VaultAddress != "" {
			vaults[strings.ToLower(deal.VaultAddress)] = deal
		}
	}
	return vaults, nil
}

func (d *Detector) handleTransfer(ctx context.Context, lg types.Log, vaults map[string]models.Deal) error {
	from, to, value, err := blockchain.ParseTransfer(lg)
	if err != nil {
		return nil
	}
	deal, ok := vaults[strings.ToLower(to.Hex())]
	if !ok {
		return nil
	}

	dedupKey := lg.TxHash.Hex() + "-" + strconv.FormatUint(uint64(lg.Index), 10)
	fresh, err := d.store.MarkProcessed(ctx, dedupKey)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if !fresh {
		return nil
	}

	if err := d.credit(ctx, lg, from, deal, value); err != nil {
		// release the mark so the deposit is retried next cycle
		if unmarkErr := d.store.Unmark(ctx, dedupKey); unmarkErr != nil {
			d.log.Error("release processing mark failed", zap.String("key", dedupKey), zap.Error(unmarkErr))
		}
		return err
	}
	return nil
}

func (d *Detector) credit(ctx context.Context, lg types.Log, from common.Address, deal models.Deal, value *big.Int) error {
	// transfers sent by the platform's own contract are vault mechanics,
	// not investor deposits
	if from == d.dealsManager {
		return nil
	}

	sender, err := d.chain.TransactionSender(ctx, lg.TxHash)
	if err != nil {
		// attribute to the token-level source when the node cannot resolve
		// the transaction signer
		d.log.Warn("resolve transaction sender failed, using transfer source",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Error(err))
		sender = from
	}

	amount := tokenAmount(value, d.tokenDecimals)

	blockTime := time.Now()
	if ts, err := d.chain.BlockTimestamp(ctx, lg.BlockNumber); err == nil {
		blockTime = time.Unix(int64(ts), 0)
	}

	var dealID int64
	if deal.NftID != nil {
		dealID = *deal.NftID
	}
	if err := d.logs.Insert(ctx, &models.DealLog{
		DealID:  dealID,
		Event:   "Deposit",
		Message: fmt.Sprintf("Deposit of %.6f from %s", amount, sender.Hex()),
		Args: map[string]any{
			"from":   sender.Hex(),
			"amount": amount,
		},
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: blockTime,
		TxHash:         lg.TxHash.Hex(),
	}); err != nil {
		return fmt.Errorf("record deposit log: %w", err)
	}

	payload := map[string]any{
		"deal_id": deal.ID.String(),
		"from":    sender.Hex(),
		"amount":  amount,
		"tx_hash": lg.TxHash.Hex(),
	}
	if balance, err := d.chain.TokenBalance(ctx, d.token, common.HexToAddress(deal.VaultAddress)); err == nil {
		payload["vault_balance"] = tokenAmount(balance, d.tokenDecimals)
	} else {
		d.log.Warn("read vault balance failed",
			zap.String("deal_id", deal.ID.String()),
			zap.Error(err))
	}

	investor, err := d.users.GetByWalletAddress(ctx, sender.Hex())
	if err == nil {
		payload["investor"] = investor.ID.String()
		if d.mirror != nil && deal.HasXRPLLinkage() {
			if _, err := d.mirror.ProcessDeposit(ctx, &deal, investor, amount); err != nil {
				return fmt.Errorf("mirror deposit: %w", err)
			}
		}
	} else {
		d.log.Warn("deposit from unknown wallet",
			zap.String("deal_id", deal.ID.String()),
			zap.String("from", sender.Hex()))
	}

	if err := d.publisher.Publish(ctx, events.StreamDeals, events.Event{
		Type:    events.EventDepositCredited,
		Payload: payload,
	}); err != nil {
		d.log.Warn("publish deposit event failed", zap.Error(err))
	}

	d.log.Info("deposit detected",
		zap.String("deal_id", deal.ID.String()),
		zap.String("from", sender.Hex()),
		zap.Float64("amount", amount))
	return nil
}

func tokenAmount(value *big.Int, decimals int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	amount, _ := new(big.Float).Quo(new(big.Float).SetInt(value), scale).Float64()
	return amount
}

// RedisStore keeps the cursor and processing marks in redis so restarts
// resume where the previous run stopped.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) GetCursor(ctx context.Context) (uint64, error) {
	val, err := s.rdb.Get(ctx, cursorKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

func (s *RedisStore) SetCursor(ctx context.Context, block uint64) error {
	return s.rdb.Set(ctx, cursorKey, strconv.FormatUint(block, 10), 0).Err()
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, processedKey+key, "1", processedTTL).Result()
}

func (s *RedisStore) Unmark(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, processedKey+key).Err()
}
