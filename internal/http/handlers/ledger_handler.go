package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/http/dto"
	"github.com/trumarket/backend/internal/middleware"
	"github.com/trumarket/backend/internal/services"
)

// LedgerHandler exposes the investor-facing escrow operations of the ledger
// backend: deposits into deal vaults, share redemptions and balance reads.
type LedgerHandler struct {
	depositService *services.DepositService
	dealService    *services.DealService
	userService    *services.UserService
	log            *zap.Logger
}

func NewLedgerHandler(
	depositService *services.DepositService,
	dealService *services.DealService,
	userService *services.UserService,
	log *zap.Logger,
) *LedgerHandler {
	return &LedgerHandler{
		depositService: depositService,
		dealService:    dealService,
		userService:    userService,
		log:            log,
	}
}

func (h *LedgerHandler) Deposit(c *fiber.Ctx) error {
	var req dto.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	id, err := uuid.Parse(req.DealID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	investor, err := h.userService.GetProfile(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return fail(c, err)
	}
	deal, err := h.dealService.GetDeal(c.Context(), investor.ID.String(), investor.AccountType, id)
	if err != nil {
		return fail(c, err)
	}

	txHash, err := h.depositService.ProcessDeposit(c.Context(), deal, investor, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.TxResponse{OK: true, TxHash: txHash})
}

func (h *LedgerHandler) Redeem(c *fiber.Ctx) error {
	var req dto.RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	investor, err := h.userService.GetProfile(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return fail(c, err)
	}
	txHash, err := h.depositService.ProcessRedemption(c.Context(), investor, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.TxResponse{OK: true, TxHash: txHash})
}

func (h *LedgerHandler) SharesBalance(c *fiber.Ctx) error {
	investor, err := h.userService.GetProfile(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return fail(c, err)
	}
	balance, err := h.depositService.SharesBalance(c.Context(), investor)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.BalanceResponse{Address: investor.XrplWalletAddress, Balance: balance})
}

func (h *LedgerHandler) VaultBalance(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.GetDeal(c.Context(), middleware.GetUserID(c).String(), middleware.GetAccountType(c), id)
	if err != nil {
		return fail(c, err)
	}
	balance, err := h.depositService.VaultBalance(c.Context(), deal)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.BalanceResponse{Address: deal.XrplVaultAddress, Balance: balance})
}
