package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/http/handlers"
	"github.com/trumarket/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	userHandler *handlers.UserHandler,
	dealHandler *handlers.DealHandler,
	ledgerHandler *handlers.LedgerHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/signup", userHandler.Signup)
	api.Post("/auth/login", userHandler.Login)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// User
	protected.Get("/me", userHandler.GetMe)
	protected.Put("/me/wallet", userHandler.UpdateWallet)

	// Deals
	protected.Post("/deals", dealHandler.CreateDeal)
	protected.Get("/deals", dealHandler.ListDeals)
	protected.Get("/deals/:id", dealHandler.GetDeal)
	protected.Put("/deals/:id", dealHandler.UpdateDeal)
	protected.Delete("/deals/:id", dealHandler.DeleteDeal)
	protected.Post("/deals/:id/confirm", dealHandler.ConfirmDeal)
	protected.Post("/deals/:id/cancel", dealHandler.CancelDeal)
	protected.Put("/deals/:id/publish", dealHandler.PublishDeal)
	protected.Post("/deals/:id/repaid", dealHandler.SetDealAsRepaid)
	protected.Post("/deals/:id/viewed", dealHandler.SetDealAsViewed)
	protected.Get("/deals/:id/logs", dealHandler.GetDealLogs)

	// Milestones
	protected.Post("/deals/:id/milestones/submit", dealHandler.SubmitMilestone)
	protected.Post("/deals/:id/milestones/approve", dealHandler.ApproveMilestone)
	protected.Post("/deals/:id/milestones/deny", dealHandler.DenyMilestone)
	protected.Put("/deals/:id/current-milestone", dealHandler.UpdateCurrentMilestone)

	// Documents
	protected.Post("/deals/:id/docs", dealHandler.UploadDealDocument)
	protected.Post("/deals/:id/milestones/:milestoneId/docs", dealHandler.UploadMilestoneDocument)
	protected.Delete("/deals/:id/docs/:docId", dealHandler.DeleteDocument)
	protected.Post("/deals/:id/docs/viewed", dealHandler.SetDocumentsAsViewed)

	// Ledger escrow operations (XRPL deployments)
	if ledgerHandler != nil {
		protected.Post("/ledger/deposit", ledgerHandler.Deposit)
		protected.Post("/ledger/redeem", ledgerHandler.Redeem)
		protected.Get("/ledger/shares", ledgerHandler.SharesBalance)
		protected.Get("/ledger/deals/:id/balance", ledgerHandler.VaultBalance)
	}

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
