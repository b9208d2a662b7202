package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/apperrors"
	"github.com/trumarket/backend/internal/auth"
	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/repositories"
	"github.com/trumarket/backend/internal/secrets"
	"github.com/trumarket/backend/internal/settlement"
)

type UserService struct {
	userRepo    *repositories.UserRepo
	dealService *DealService
	ledger      settlement.LedgerClient
	box         *secrets.Box
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
}

func NewUserService(
	userRepo *repositories.UserRepo,
	dealService *DealService,
	ledger settlement.LedgerClient,
	box *secrets.Box,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *UserService {
	return &UserService{
		userRepo:    userRepo,
		dealService: dealService,
		ledger:      ledger,
		box:         box,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

func validAccountType(t string) bool {
	return t == models.AccountTypeBuyer || t == models.AccountTypeSupplier || t == models.AccountTypeInvestor
}

// CreateAccount registers a user, provisions their ledger wallet when the
// ledger backend is active, and claims any deal invitations addressed to
// their email.
func (s *UserService) CreateAccount(ctx context.Context, email, accountType, walletAddress string, company *models.Company) (*models.User, string, error) {
	if email == "" {
		return nil, "", apperrors.BadRequest("Email is required")
	}
	if !validAccountType(accountType) {
		return nil, "", apperrors.BadRequest("Account type must be buyer, supplier or investor")
	}
	if _, err := s.userRepo.GetByEmail(ctx, email); err == nil {
		return nil, "", apperrors.BadRequest("An account with this email already exists")
	}

	user := &models.User{
		Email:         email,
		AccountType:   accountType,
		WalletAddress: walletAddress,
		Company:       company,
	}

	if s.cfg.UseXRPL && s.ledger != nil {
		wallet, err := s.ledger.WalletPropose(ctx)
		if err != nil {
			s.log.Error("ledger wallet provisioning failed", zap.String("email", email), zap.Error(err))
			return nil, "", apperrors.Internal("Failed to create account wallet", err)
		}
		sealed, err := s.box.Seal(wallet.Seed)
		if err != nil {
			return nil, "", apperrors.Internal("Failed to create account wallet", err)
		}
		user.XrplWalletAddress = wallet.Address
		user.XrplWalletSeedEnc = sealed
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, "", apperrors.Internal("Failed to create account", err)
	}

	if err := s.dealService.AssignUserToDeals(ctx, user); err != nil {
		s.log.Warn("claiming deal invitations failed", zap.String("user_id", user.ID.String()), zap.Error(err))
	}

	if err := s.publisher.Publish(ctx, events.StreamDeals, events.Event{
		Type: events.EventAccountCreated,
		Payload: map[string]any{
			"user_id":      user.ID.String(),
			"account_type": user.AccountType,
		},
	}); err != nil {
		s.log.Warn("publish account event failed", zap.Error(err))
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, user.ID, user.Email, user.AccountType, s.cfg.JWTExpiration)
	if err != nil {
		return nil, "", apperrors.Internal("Failed to issue token", err)
	}
	return user, token, nil
}

// Login issues a token for an existing account.
func (s *UserService) Login(ctx context.Context, email string) (*models.User, string, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, "", apperrors.Unauthorized("Unknown account")
	}
	if err := s.userRepo.UpdateLastActive(ctx, user.ID); err != nil {
		s.log.Warn("update last active failed", zap.Error(err))
	}
	token, err := auth.GenerateJWT(s.cfg.JWTSecret, user.ID, user.Email, user.AccountType, s.cfg.JWTExpiration)
	if err != nil {
		return nil, "", apperrors.Internal("Failed to issue token", err)
	}
	return user, token, nil
}

func (s *UserService) GetProfile(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.BadRequest("Account not found")
	}
	return user, nil
}

// UpdateWalletAddress changes the EVM wallet used for deposits and approval
// signatures.
func (s *UserService) UpdateWalletAddress(ctx context.Context, id uuid.UUID, address string) (*models.User, error) {
	if address == "" {
		return nil, apperrors.BadRequest("Wallet address is required")
	}
	if err := s.userRepo.UpdateWalletAddress(ctx, id, address); err != nil {
		return nil, apperrors.Internal("Failed to update wallet address", err)
	}
	return s.GetProfile(ctx, id)
}
