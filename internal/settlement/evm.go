package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/models"
)

// ChainClient is the slice of the blockchain client the EVM backend needs.
type ChainClient interface {
	MintNFT(ctx context.Context, milestonePcts []int64, investmentAmount *big.Int, recipient common.Address) (string, error)
	NftIDFromMint(ctx context.Context, txHash string) (int64, error)
	VaultAddress(ctx context.Context, nftID int64) (common.Address, error)
	ChangeMilestoneStatus(ctx context.Context, nftID int64, status int) (string, error)
	SetDealAsCompleted(ctx context.Context, nftID int64) (string, error)
}

// EVMBackend settles deals through the deals manager contract: each deal is
// an NFT with a dedicated vault that releases funds as the milestone pointer
// advances on chain.
type EVMBackend struct {
	chain         ChainClient
	tokenDecimals int
	vaultPoll     time.Duration
	vaultPollMax  int
	log           *zap.Logger
}

func NewEVMBackend(chain ChainClient, tokenDecimals int, vaultPoll time.Duration, log *zap.Logger) *EVMBackend {
	return &EVMBackend{
		chain:         chain,
		tokenDecimals: tokenDecimals,
		vaultPoll:     vaultPoll,
		vaultPollMax:  24,
		log:           log,
	}
}

func (b *EVMBackend) Kind() string { return models.SettlementKindEVM }

func (b *EVMBackend) CreateDealEscrow(ctx context.Context, deal *models.Deal) error {
	recipient, err := buyerMintWallet(deal)
	if err != nil {
		return err
	}

	pcts := make([]int64, len(deal.Milestones))
	var total int64
	for i, m := range deal.Milestones {
		pcts[i] = int64(m.FundsDistribution)
		total += pcts[i]
	}
	if total != 100 {
		return fmt.Errorf("milestone funds distribution sums to %d, must be 100", total)
	}

	txHash, err := b.chain.MintNFT(ctx, pcts, tokenUnits(deal.InvestmentAmount, b.tokenDecimals), common.HexToAddress(recipient))
	if err != nil {
		return fmt.Errorf("mint deal token: %w", err)
	}
	deal.MintTxHash = txHash

	nftID, err := b.chain.NftIDFromMint(ctx, txHash)
	if err != nil {
		return fmt.Errorf("resolve deal token id: %w", err)
	}
	deal.NftID = &nftID

	// the vault is deployed by the manager in the same transaction but may
	// lag behind the receipt on some RPC providers
	vault, err := b.waitVault(ctx, nftID)
	if err != nil {
		return err
	}
	deal.VaultAddress = vault.Hex()

	b.log.Info("deal escrow created",
		zap.String("deal_id", deal.ID.String()),
		zap.Int64("nft_id", nftID),
		zap.String("vault", deal.VaultAddress))
	return nil
}

func (b *EVMBackend) waitVault(ctx context.Context, nftID int64) (common.Address, error) {
	var lastErr error
	for attempt := 0; attempt < b.vaultPollMax; attempt++ {
		vault, err := b.chain.VaultAddress(ctx, nftID)
		if err == nil {
			return vault, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return common.Address{}, ctx.Err()
		case <-time.After(b.vaultPoll):
		}
	}
	return common.Address{}, fmt.Errorf("vault for token %d not available: %w", nftID, lastErr)
}

func (b *EVMBackend) PayMilestone(ctx context.Context, deal *models.Deal, milestoneIndex int) (string, error) {
	if deal.NftID == nil {
		return "", fmt.Errorf("deal %s has no minted token", deal.ID)
	}
	// the contract's status enum is 1-based while milestones are indexed
	// from zero
	txHash, err := b.chain.ChangeMilestoneStatus(ctx, *deal.NftID, milestoneIndex+1)
	if err != nil {
		return "", fmt.Errorf("advance milestone on chain: %w", err)
	}
	return txHash, nil
}

func (b *EVMBackend) MarkCompleted(ctx context.Context, deal *models.Deal) (string, error) {
	if deal.NftID == nil {
		return "", fmt.Errorf("deal %s has no minted token", deal.ID)
	}
	txHash, err := b.chain.SetDealAsCompleted(ctx, *deal.NftID)
	if err != nil {
		return "", fmt.Errorf("mark deal completed on chain: %w", err)
	}
	return txHash, nil
}

// buyerMintWallet picks the wallet the deal token is minted to. The buyer
// funds the vault, so the token and its yield accrue to them.
func buyerMintWallet(deal *models.Deal) (string, error) {
	for _, b := range deal.Buyers {
		if b.WalletAddress != "" {
			return b.WalletAddress, nil
		}
	}
	return "", fmt.Errorf("no buyer wallet address on deal %s", deal.ID)
}

// tokenUnits converts a human amount into the token's smallest denomination.
func tokenUnits(amount float64, decimals int) *big.Int {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Mul(big.NewFloat(amount), scale).Int(nil)
	return units
}
