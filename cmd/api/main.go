package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/blockchain"
	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/db"
	"github.com/trumarket/backend/internal/events"
	apphttp "github.com/trumarket/backend/internal/http"
	"github.com/trumarket/backend/internal/http/handlers"
	"github.com/trumarket/backend/internal/repositories"
	"github.com/trumarket/backend/internal/secrets"
	"github.com/trumarket/backend/internal/services"
	"github.com/trumarket/backend/internal/settlement"
	"github.com/trumarket/backend/internal/xrpl"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	dealRepo := repositories.NewDealRepo(pool)
	dealLogRepo := repositories.NewDealLogRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Seed sealing
	var box *secrets.Box
	if cfg.SeedEncryptionKey != "" {
		box, err = secrets.NewBox(cfg.SeedEncryptionKey)
		if err != nil {
			log.Fatal("invalid seed encryption key", zap.Error(err))
		}
	}

	// Settlement backends
	backends := make(map[string]settlement.Backend)

	if cfg.BlockchainPrivateKey != "" {
		chain, err := blockchain.NewClient(cfg, log)
		if err != nil {
			log.Fatal("failed to init blockchain client", zap.Error(err))
		}
		evm := settlement.NewEVMBackend(chain, cfg.InvestmentTokenDecimals, cfg.VaultAddressPollDelay, log)
		backends[evm.Kind()] = evm
	}

	var (
		ledger      *xrpl.Client
		xrplBackend *settlement.XRPLBackend
	)
	if cfg.UseXRPL {
		if box == nil {
			log.Fatal("SEED_ENCRYPTION_KEY is required when USE_XRPL is enabled")
		}
		ledger = xrpl.NewClient(cfg.XRPLServerURL, log)
		xrplBackend = settlement.NewXRPLBackend(ledger, box, cfg.XRPLAdminSeed, cfg.XRPLCurrency, cfg.XRPLTrustLimit, cfg.MetadataBaseURL, log)
		backends[xrplBackend.Kind()] = xrplBackend
	}

	defBackend, ok := backends[cfg.SettlementKind()]
	if !ok {
		log.Fatal("no settlement backend configured", zap.String("kind", cfg.SettlementKind()))
	}

	// Services
	notifier := services.NewNotifierClient(cfg.NotifierInternalURL, log)
	finance := services.NewFinanceClient(cfg.FinanceAppInternalURL, log)
	dealService := services.NewDealService(dealRepo, userRepo, dealLogRepo, backends, defBackend, notifier, finance, publisher, cfg, log)
	userService := services.NewUserService(userRepo, dealService, ledger, box, publisher, cfg, log)

	// Handlers
	userHandler := handlers.NewUserHandler(userService, log)
	dealHandler := handlers.NewDealHandler(dealService, userService, log)

	var ledgerHandler *handlers.LedgerHandler
	if xrplBackend != nil {
		depositService := services.NewDepositService(ledger, xrplBackend, box, cfg.XRPLAdminSeed, cfg.XRPLCurrency, publisher, log)
		ledgerHandler = handlers.NewLedgerHandler(depositService, dealService, userService, log)
	}

	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, userHandler, dealHandler, ledgerHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
