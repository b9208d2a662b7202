package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/apperrors"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/settlement"
	"github.com/trumarket/backend/internal/xrpl"
)

// share tokens issued to investors, one per unit of deposited currency
const shareCurrency = "SHX"

// DepositService moves investor funds in and out of ledger escrows. Deposits
// issue the escrow currency into the deal vault and an equal amount of share
// tokens to the investor; redemptions burn shares and pay the currency back.
type DepositService struct {
	ledger    settlement.LedgerClient
	backend   *settlement.XRPLBackend
	box       settlement.Sealer
	adminSeed string
	currency  string
	publisher events.Publisher
	log       *zap.Logger
}

func NewDepositService(
	ledger settlement.LedgerClient,
	backend *settlement.XRPLBackend,
	box settlement.Sealer,
	adminSeed, currency string,
	publisher events.Publisher,
	log *zap.Logger,
) *DepositService {
	return &DepositService{
		ledger:    ledger,
		backend:   backend,
		box:       box,
		adminSeed: adminSeed,
		currency:  currency,
		publisher: publisher,
		log:       log,
	}
}

func formatAmount(amount float64) string {
	return settlement.PayoutAmount(amount, 100)
}

// ProcessDeposit credits an investor deposit: the escrow currency goes into
// the deal vault and share tokens of the same amount to the investor wallet.
func (s *DepositService) ProcessDeposit(ctx context.Context, deal *models.Deal, investor *models.User, amount float64) (string, error) {
	if amount <= 0 {
		return "", apperrors.BadRequest("Deposit amount must be positive")
	}
	if !deal.HasXRPLLinkage() {
		return "", apperrors.BadRequest("Deal has no ledger escrow")
	}
	if investor.XrplWalletAddress == "" {
		return "", apperrors.BadRequest("Investor has no ledger wallet")
	}

	admin, err := s.backend.AdminAddress(ctx)
	if err != nil {
		return "", err
	}

	value := formatAmount(amount)
	txHash, err := s.ledger.SendIOU(ctx, s.adminSeed, admin, deal.XrplVaultAddress, xrpl.IssuedAmount{
		Currency: s.currency,
		Issuer:   admin,
		Value:    value,
	})
	if err != nil {
		return "", fmt.Errorf("credit vault: %w", err)
	}

	// share issuance failing after the vault credit is recoverable by support;
	// the deposit itself must not be rolled back
	if _, err := s.ledger.SendIOU(ctx, s.adminSeed, admin, investor.XrplWalletAddress, xrpl.IssuedAmount{
		Currency: shareCurrency,
		Issuer:   admin,
		Value:    value,
	}); err != nil {
		s.log.Error("share issuance failed",
			zap.String("deal_id", deal.ID.String()),
			zap.String("investor", investor.ID.String()),
			zap.String("amount", value),
			zap.Error(err))
	}

	if err := s.publisher.Publish(ctx, events.StreamDeals, events.Event{
		Type: events.EventDepositCredited,
		Payload: map[string]any{
			"deal_id":  deal.ID.String(),
			"investor": investor.ID.String(),
			"amount":   value,
			"tx_hash":  txHash,
		},
	}); err != nil {
		s.log.Warn("publish deposit event failed", zap.Error(err))
	}

	s.log.Info("deposit credited",
		zap.String("deal_id", deal.ID.String()),
		zap.String("investor", investor.ID.String()),
		zap.String("amount", value))
	return txHash, nil
}

// ProcessRedemption burns investor shares and pays the escrow currency back.
// The share balance is checked before anything moves.
func (s *DepositService) ProcessRedemption(ctx context.Context, investor *models.User, amount float64) (string, error) {
	if amount <= 0 {
		return "", apperrors.BadRequest("Redemption amount must be positive")
	}
	if investor.XrplWalletAddress == "" || investor.XrplWalletSeedEnc == "" {
		return "", apperrors.BadRequest("Investor has no ledger wallet")
	}

	admin, err := s.backend.AdminAddress(ctx)
	if err != nil {
		return "", err
	}

	balance, err := s.ledger.IOUBalance(ctx, investor.XrplWalletAddress, shareCurrency, admin)
	if err != nil {
		return "", fmt.Errorf("read share balance: %w", err)
	}
	if balance < amount {
		return "", apperrors.BadRequestf("Insufficient share balance: have %s, want %s",
			formatAmount(balance), formatAmount(amount))
	}

	seed, err := s.box.Open(investor.XrplWalletSeedEnc)
	if err != nil {
		return "", fmt.Errorf("open investor seed: %w", err)
	}

	value := formatAmount(amount)
	// paying shares back to the issuer burns them
	if _, err := s.ledger.SendIOU(ctx, seed, investor.XrplWalletAddress, admin, xrpl.IssuedAmount{
		Currency: shareCurrency,
		Issuer:   admin,
		Value:    value,
	}); err != nil {
		return "", fmt.Errorf("burn shares: %w", err)
	}

	txHash, err := s.ledger.SendIOU(ctx, s.adminSeed, admin, investor.XrplWalletAddress, xrpl.IssuedAmount{
		Currency: s.currency,
		Issuer:   admin,
		Value:    value,
	})
	if err != nil {
		return "", fmt.Errorf("pay out redemption: %w", err)
	}

	s.log.Info("redemption processed",
		zap.String("investor", investor.ID.String()),
		zap.String("amount", value))
	return txHash, nil
}

// SharesBalance reads the investor's live share token balance.
func (s *DepositService) SharesBalance(ctx context.Context, investor *models.User) (float64, error) {
	if investor.XrplWalletAddress == "" {
		return 0, apperrors.BadRequest("Investor has no ledger wallet")
	}
	admin, err := s.backend.AdminAddress(ctx)
	if err != nil {
		return 0, err
	}
	return s.ledger.IOUBalance(ctx, investor.XrplWalletAddress, shareCurrency, admin)
}

// VaultBalance reads the live escrow balance of a deal.
func (s *DepositService) VaultBalance(ctx context.Context, deal *models.Deal) (float64, error) {
	if !deal.HasXRPLLinkage() {
		return 0, apperrors.BadRequest("Deal has no ledger escrow")
	}
	admin, err := s.backend.AdminAddress(ctx)
	if err != nil {
		return 0, err
	}
	return s.ledger.IOUBalance(ctx, deal.XrplVaultAddress, s.currency, admin)
}
