package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/http/dto"
	"github.com/trumarket/backend/internal/middleware"
	"github.com/trumarket/backend/internal/models"
	"github.com/trumarket/backend/internal/services"
)

type DealHandler struct {
	dealService *services.DealService
	userService *services.UserService
	log         *zap.Logger
}

func NewDealHandler(dealService *services.DealService, userService *services.UserService, log *zap.Logger) *DealHandler {
	return &DealHandler{dealService: dealService, userService: userService, log: log}
}

func dealID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "name is required"})
	}

	creator, err := h.userService.GetProfile(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return fail(c, err)
	}

	deal := &models.Deal{
		Name:                    req.Name,
		Description:             req.Description,
		CoverImageURL:           req.CoverImageURL,
		Origin:                  req.Origin,
		Destination:             req.Destination,
		PortOfOrigin:            req.PortOfOrigin,
		PortOfDestination:       req.PortOfDestination,
		Transport:               req.Transport,
		Quality:                 req.Quality,
		Variety:                 req.Variety,
		Quantity:                req.Quantity,
		OfferUnitPrice:          req.OfferUnitPrice,
		TotalValue:              req.TotalValue,
		InvestmentAmount:        req.InvestmentAmount,
		Revenue:                 req.Revenue,
		NetBalance:              req.NetBalance,
		ROI:                     req.ROI,
		BuyerCompany:            req.BuyerCompany,
		SupplierCompany:         req.SupplierCompany,
		ShippingStartDate:       req.ShippingStartDate,
		ExpectedShippingEndDate: req.ExpectedShippingEndDate,
	}
	for _, b := range req.Buyers {
		deal.Buyers = append(deal.Buyers, models.Participant{Email: b.Email})
	}
	for _, s := range req.Suppliers {
		deal.Suppliers = append(deal.Suppliers, models.Participant{Email: s.Email})
	}
	for _, m := range req.Milestones {
		deal.Milestones = append(deal.Milestones, models.Milestone{
			Description:       m.Description,
			FundsDistribution: m.FundsDistribution,
		})
	}

	created, err := h.dealService.CreateDeal(c.Context(), creator, deal)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: created})
}

func (h *DealHandler) ListDeals(c *fiber.Ctx) error {
	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	var status *string
	if v := c.Query("status"); v != "" {
		status = &v
	}

	deals, total, err := h.dealService.ListDeals(c.Context(),
		middleware.GetUserID(c).String(), middleware.GetAccountType(c), status, limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.PaginatedResponse{OK: true, Data: deals, Total: total, Limit: limit, Offset: offset})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.GetDeal(c.Context(), middleware.GetUserID(c).String(), middleware.GetAccountType(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) UpdateDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.UpdateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	changes := services.UpdateDealChanges{
		Name:              req.Name,
		Description:       req.Description,
		CoverImageURL:     req.CoverImageURL,
		Origin:            req.Origin,
		Destination:       req.Destination,
		PortOfOrigin:      req.PortOfOrigin,
		PortOfDestination: req.PortOfDestination,
		Transport:         req.Transport,
		Quality:           req.Quality,
		Variety:           req.Variety,
		Quantity:          req.Quantity,
		OfferUnitPrice:    req.OfferUnitPrice,
		TotalValue:        req.TotalValue,
		InvestmentAmount:  req.InvestmentAmount,
		Revenue:           req.Revenue,
		NetBalance:        req.NetBalance,
		ROI:               req.ROI,
	}
	if req.Milestones != nil {
		for _, m := range req.Milestones {
			changes.Milestones = append(changes.Milestones, models.Milestone{
				Description:       m.Description,
				FundsDistribution: m.FundsDistribution,
			})
		}
	}

	deal, err := h.dealService.UpdateDeal(c.Context(), middleware.GetUserID(c).String(), id, changes)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) ConfirmDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.ConfirmDeal(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) CancelDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.CancelDeal(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) DeleteDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	if err := h.dealService.DeleteDeal(c.Context(), middleware.GetUserID(c).String(), id); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *DealHandler) PublishDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.PublishDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	deal, err := h.dealService.PublishDeal(c.Context(), id, req.Published)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SetDealAsRepaid(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.SetDealAsRepaid(c.Context(), middleware.GetAccountType(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SetDealAsViewed(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.SetDealAsViewed(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SubmitMilestone(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.SubmitMilestone(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) ApproveMilestone(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.ApproveMilestone(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) DenyMilestone(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.DenyMilestone(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) UpdateCurrentMilestone(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.UpdateCurrentMilestoneRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	deal, err := h.dealService.UpdateCurrentMilestone(c.Context(), middleware.GetUserID(c).String(), id, req.Milestone, req.Signature)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) UploadDealDocument(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.UploadDocumentRequest
	if err := c.BodyParser(&req); err != nil || req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "document url is required"})
	}
	deal, err := h.dealService.UploadDealDocument(c.Context(), middleware.GetUserID(c).String(), id, req.URL, req.Description)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) UploadMilestoneDocument(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.UploadDocumentRequest
	if err := c.BodyParser(&req); err != nil || req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "document url is required"})
	}
	deal, err := h.dealService.UploadMilestoneDocument(c.Context(),
		middleware.GetUserID(c).String(), id, c.Params("milestoneId"), req.URL, req.Description)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) DeleteDocument(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.DeleteDocument(c.Context(), middleware.GetUserID(c).String(), id, c.Params("docId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SetDocumentsAsViewed(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	deal, err := h.dealService.SetDocumentsAsViewed(c.Context(), middleware.GetUserID(c).String(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDealLogs(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	logs, err := h.dealService.FindDealLogs(c.Context(), middleware.GetUserID(c).String(), middleware.GetAccountType(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}
