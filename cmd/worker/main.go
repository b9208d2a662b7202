package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/blockchain"
	"github.com/trumarket/backend/internal/bridge"
	"github.com/trumarket/backend/internal/config"
	"github.com/trumarket/backend/internal/db"
	"github.com/trumarket/backend/internal/events"
	"github.com/trumarket/backend/internal/logsync"
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	chain, err := blockchain.NewClient(cfg, log)
	if err != nil {
		log.Fatal("failed to init blockchain client", zap.Error(err))
	}

	dealRepo := repositories.NewDealRepo(pool)
	userRepo := repositories.NewUserRepo(pool)
	dealLogRepo := repositories.NewDealLogRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)

	// Deposits on XRPL-linked deals are mirrored into the ledger escrow.
	var mirror bridge.Mirror
	if cfg.UseXRPL {
		box, err := secrets.NewBox(cfg.SeedEncryptionKey)
		if err != nil {
			log.Fatal("invalid seed encryption key", zap.Error(err))
		}
		ledger := xrpl.NewClient(cfg.XRPLServerURL, log)
		backend := settlement.NewXRPLBackend(ledger, box, cfg.XRPLAdminSeed, cfg.XRPLCurrency, cfg.XRPLTrustLimit, cfg.MetadataBaseURL, log)
		mirror = services.NewDepositService(ledger, backend, box, cfg.XRPLAdminSeed, cfg.XRPLCurrency, publisher, log)
	}

	detector := bridge.NewDetector(
		chain,
		dealRepo,
		userRepo,
		dealLogRepo,
		mirror,
		bridge.NewRedisStore(rdb),
		publisher,
		common.HexToAddress(cfg.InvestmentTokenContractAddress),
		chain.DealsManagerAddress(),
		cfg.InvestmentTokenDecimals,
		cfg.DepositLookbackBlocks,
		log,
	)
	syncer := logsync.NewSyncer(chain, dealLogRepo, log)

	log.Info("worker started")

	bridgeTicker := time.NewTicker(cfg.DepositBridgeInterval)
	syncTicker := time.NewTicker(cfg.LogSyncInterval)
	defer bridgeTicker.Stop()
	defer syncTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-bridgeTicker.C:
			if err := detector.Run(ctx); err != nil {
				log.Error("deposit detection cycle failed", zap.Error(err))
			}
		case <-syncTicker.C:
			if err := syncer.Run(ctx); err != nil {
				log.Error("log sync cycle failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
