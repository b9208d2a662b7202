package settlement

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/xrpl"
)

// drops sent to activate a freshly proposed account, above the base reserve
const activationDrops = 15_000_000

// LedgerClient is the slice of the xrpl client the ledger backend needs.
type LedgerClient interface {
	WalletPropose(ctx context.Context) (*xrpl.Wallet, error)
	WalletFromSeed(ctx context.Context, seed string) (*xrpl.Wallet, error)
	SetTrustline(ctx context.Context, seed, account, currency, issuer, limit string) (string, error)
	SendIOU(ctx context.Context, seed, from, to string, amount xrpl.IssuedAmount) (string, error)
	SendXRP(ctx context.Context, seed, from, to string, drops int64) (string, error)
	MintNFT(ctx context.Context, seed, account, metadataURI string) (string, error)
	IOUBalance(ctx context.Context, account, currency, issuer string) (float64, error)
}

// Sealer seals and opens ledger seeds.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// XRPLBackend settles deals with issued currency on the XRP Ledger. Each deal
// gets a vault account and a borrower account; the admin account issues the
// currency investors deposit and activates the per-deal accounts.
type XRPLBackend struct {
	ledger          LedgerClient
	box             Sealer
	adminSeed       string
	currency        string
	trustLimit      string
	metadataBaseURL string
	log             *zap.Logger

	mu           sync.Mutex
	adminAddress string
}

func NewXRPLBackend(ledger LedgerClient, box Sealer, adminSeed, currency, trustLimit, metadataBaseURL string, log *zap.Logger) *XRPLBackend {
	return &XRPLBackend{
		ledger:          ledger,
		box:             box,
		adminSeed:       adminSeed,
		currency:        currency,
		trustLimit:      trustLimit,
		metadataBaseURL: metadataBaseURL,
		log:             log,
	}
}

func (b *XRPLBackend) Kind() string { return models.SettlementKindXRPL }

// AdminAddress resolves and caches the issuer account derived from the admin seed.
func (b *XRPLBackend) AdminAddress(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adminAddress != "" {
		return b.adminAddress, nil
	}
	wallet, err := b.ledger.WalletFromSeed(ctx, b.adminSeed)
	if err != nil {
		return "", fmt.Errorf("derive admin account: %w", err)
	}
	b.adminAddress = wallet.Address
	return b.adminAddress, nil
}

func (b *XRPLBackend) CreateDealEscrow(ctx context.Context, deal *models.Deal) error {
	admin, err := b.AdminAddress(ctx)
	if err != nil {
		return err
	}

	vault, err := b.newFundedAccount(ctx, admin)
	if err != nil {
		return fmt.Errorf("provision vault account: %w", err)
	}
	borrower, err := b.newFundedAccount(ctx, admin)
	if err != nil {
		return fmt.Errorf("provision borrower account: %w", err)
	}

	metadataURI := fmt.Sprintf("%s/deals/%s/metadata", b.metadataBaseURL, deal.ID)
	if _, err := b.ledger.MintNFT(ctx, vault.Seed, vault.Address, metadataURI); err != nil {
		return fmt.Errorf("mint deal token: %w", err)
	}

	vaultSealed, err := b.box.Seal(vault.Seed)
	if err != nil {
		return fmt.Errorf("seal vault seed: %w", err)
	}
	borrowerSealed, err := b.box.Seal(borrower.Seed)
	if err != nil {
		return fmt.Errorf("seal borrower seed: %w", err)
	}

	deal.XrplVaultAddress = vault.Address
	deal.XrplVaultSeedEnc = vaultSealed
	deal.XrplBorrowerAddress = borrower.Address
	deal.XrplBorrowerSeedEnc = borrowerSealed

	b.log.Info("deal escrow created",
		zap.String("deal_id", deal.ID.String()),
		zap.String("vault", vault.Address),
		zap.String("borrower", borrower.Address))
	return nil
}

// newFundedAccount proposes a keypair, activates it with XRP from the admin
// and opens its trustline to the issued currency.
func (b *XRPLBackend) newFundedAccount(ctx context.Context, admin string) (*xrpl.Wallet, error) {
	wallet, err := b.ledger.WalletPropose(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := b.ledger.SendXRP(ctx, b.adminSeed, admin, wallet.Address, activationDrops); err != nil {
		return nil, fmt.Errorf("activate %s: %w", wallet.Address, err)
	}
	if _, err := b.ledger.SetTrustline(ctx, wallet.Seed, wallet.Address, b.currency, admin, b.trustLimit); err != nil {
		return nil, fmt.Errorf("trustline for %s: %w", wallet.Address, err)
	}
	return wallet, nil
}

func (b *XRPLBackend) PayMilestone(ctx context.Context, deal *models.Deal, milestoneIndex int) (string, error) {
	if !deal.HasXRPLLinkage() {
		return "", fmt.Errorf("deal %s has no ledger escrow", deal.ID)
	}
	if milestoneIndex < 0 || milestoneIndex >= len(deal.Milestones) {
		return "", fmt.Errorf("milestone %d out of range", milestoneIndex)
	}

	admin, err := b.AdminAddress(ctx)
	if err != nil {
		return "", err
	}

	// payout is computed from the live vault balance at release time
	balance, err := b.ledger.IOUBalance(ctx, deal.XrplVaultAddress, b.currency, admin)
	if err != nil {
		return "", fmt.Errorf("read vault balance: %w", err)
	}
	if balance <= 0 {
		return "", fmt.Errorf("vault %s holds no funds", deal.XrplVaultAddress)
	}

	seed, err := b.box.Open(deal.XrplVaultSeedEnc)
	if err != nil {
		return "", fmt.Errorf("open vault seed: %w", err)
	}

	amount := PayoutAmount(balance, deal.Milestones[milestoneIndex].FundsDistribution)
	txHash, err := b.ledger.SendIOU(ctx, seed, deal.XrplVaultAddress, deal.XrplBorrowerAddress, xrpl.IssuedAmount{
		Currency: b.currency,
		Issuer:   admin,
		Value:    amount,
	})
	if err != nil {
		return "", fmt.Errorf("release milestone funds: %w", err)
	}

	b.log.Info("milestone funds released",
		zap.String("deal_id", deal.ID.String()),
		zap.Int("milestone", milestoneIndex),
		zap.String("amount", amount),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// MarkCompleted sweeps whatever the vault still holds back to the issuer,
// which burns the issued currency and leaves the escrow empty.
func (b *XRPLBackend) MarkCompleted(ctx context.Context, deal *models.Deal) (string, error) {
	if !deal.HasXRPLLinkage() {
		return "", fmt.Errorf("deal %s has no ledger escrow", deal.ID)
	}

	admin, err := b.AdminAddress(ctx)
	if err != nil {
		return "", err
	}
	balance, err := b.ledger.IOUBalance(ctx, deal.XrplVaultAddress, b.currency, admin)
	if err != nil {
		return "", fmt.Errorf("read vault balance: %w", err)
	}
	if balance <= 0 {
		return "", nil
	}

	seed, err := b.box.Open(deal.XrplVaultSeedEnc)
	if err != nil {
		return "", fmt.Errorf("open vault seed: %w", err)
	}
	return b.ledger.SendIOU(ctx, seed, deal.XrplVaultAddress, admin, xrpl.IssuedAmount{
		Currency: b.currency,
		Issuer:   admin,
		Value:    PayoutAmount(balance, 100),
	})
}
