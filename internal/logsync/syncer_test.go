package logsync

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/models"
)

var (
	depositSig  = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	completeSig = crypto.Keccak256Hash([]byte("DealCompleted(uint256)"))
)

type fakeChain struct {
	head uint64
	logs map[string][]types.Log
}

func (f *fakeChain) LastBlock(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterContractLogs(_ context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs[contract.Hex()] {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(context.Context, uint64) (uint64, error) {
	return 1700000000, nil
}

type fakeStore struct {
	jobs     []models.SyncLogJob
	inserted []models.DealLog
	cursors  map[int64]uint64
}

func (f *fakeStore) ListActiveSyncJobs(context.Context) ([]models.SyncLogJob, error) {
	return f.jobs, nil
}

func (f *fakeStore) UpdateSyncJobBlock(_ context.Context, id int64, lastBlock uint64) error {
	if f.cursors == nil {
		f.cursors = map[int64]uint64{}
	}
	f.cursors[id] = lastBlock
	return nil
}

func (f *fakeStore) Insert(_ context.Context, l *models.DealLog) error {
	f.inserted = append(f.inserted, *l)
	return nil
}

func TestSyncerIngestsVaultEvents(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	account := common.HexToAddress("0x00000000000000000000000000000000000000BB")

	chain := &fakeChain{
		head: 300,
		logs: map[string][]types.Log{
			vault.Hex(): {
				{
					Address:     vault,
					Topics:      []common.Hash{depositSig, common.BytesToHash(account.Bytes())},
					Data:        common.LeftPadBytes(big.NewInt(5_000_000).Bytes(), 32),
					BlockNumber: 210,
					TxHash:      common.HexToHash("0x01"),
				},
				{
					// unknown event, skipped
					Address:     vault,
					Topics:      []common.Hash{common.HexToHash("0xfeed")},
					BlockNumber: 215,
					TxHash:      common.HexToHash("0x02"),
				},
				{
					Address:     vault,
					Topics:      []common.Hash{completeSig},
					BlockNumber: 290,
					TxHash:      common.HexToHash("0x03"),
				},
			},
		},
	}
	store := &fakeStore{
		jobs: []models.SyncLogJob{
			{ID: 1, Contract: vault.Hex(), DealID: 7, LastBlock: 200, Active: true},
		},
	}

	s := NewSyncer(chain, store, zap.NewNop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(store.inserted))
	}
	if store.inserted[0].Event != "Deposit" || store.inserted[0].DealID != 7 {
		t.Fatalf("first entry: %+v", store.inserted[0])
	}
	if store.inserted[0].Args["amount"] != "5000000" {
		t.Fatalf("deposit amount = %v", store.inserted[0].Args["amount"])
	}
	if store.inserted[1].Event != "DealCompleted" {
		t.Fatalf("second entry: %+v", store.inserted[1])
	}
	if store.cursors[1] != 300 {
		t.Fatalf("cursor = %d, want 300", store.cursors[1])
	}
}

func TestSyncerSkipsCaughtUpJobs(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	chain := &fakeChain{head: 100}
	store := &fakeStore{
		jobs: []models.SyncLogJob{
			{ID: 1, Contract: vault.Hex(), DealID: 7, LastBlock: 100, Active: true},
		},
	}

	s := NewSyncer(chain, store, zap.NewNop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.inserted) != 0 || len(store.cursors) != 0 {
		t.Fatal("caught-up job must not be touched")
	}
}

func TestSyncerBoundsBlockSpan(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	chain := &fakeChain{head: 100_000}
	store := &fakeStore{
		jobs: []models.SyncLogJob{
			{ID: 1, Contract: vault.Hex(), DealID: 7, LastBlock: 0, Active: true},
		},
	}

	s := NewSyncer(chain, store, zap.NewNop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.cursors[1] != 1+maxBlockSpan {
		t.Fatalf("cursor = %d, want %d", store.cursors[1], 1+maxBlockSpan)
	}
}
