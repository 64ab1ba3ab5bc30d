package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptoindex/rebalancer/internal/clients/oneclick"
	"github.com/cryptoindex/rebalancer/internal/clients/wallet"
	"github.com/cryptoindex/rebalancer/internal/config"
	"github.com/cryptoindex/rebalancer/internal/database"
	"github.com/cryptoindex/rebalancer/internal/modules/drift"
	"github.com/cryptoindex/rebalancer/internal/modules/index"
	"github.com/cryptoindex/rebalancer/internal/modules/portfolio"
	"github.com/cryptoindex/rebalancer/internal/modules/pricing"
	"github.com/cryptoindex/rebalancer/internal/modules/webhooks"
	"github.com/cryptoindex/rebalancer/internal/scheduler"
	"github.com/cryptoindex/rebalancer/internal/server"
	"github.com/cryptoindex/rebalancer/pkg/logger"
)

func main() {
	// Load configuration first so the log level is honored from the start
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting index rebalancer")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}

	// index.db - mutable index and webhook state
	indexDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/index.db",
		Profile: database.ProfileStandard,
		Name:    "index",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize index database")
	}
	defer indexDB.Close()

	// ledger.db - append-only record of rebalances and trades
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/ledger.db",
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger database")
	}
	defer ledgerDB.Close()

	for _, db := range []*database.DB{indexDB, ledgerDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Migration failed")
		}
	}

	// External collaborators
	venue := oneclick.NewClient(cfg.SwapServiceURL, cfg.SwapServiceJWT, log)

	var wallets wallet.Provider
	if cfg.WalletServiceURL != "" {
		wallets = wallet.NewHTTPProvider(cfg.WalletServiceURL, log)
	} else {
		log.Warn().Msg("No wallet service configured, using static dev signer")
		wallets = wallet.NewStaticProvider(cfg.WalletAddress)
	}

	// Domain services
	pricingSvc := pricing.NewService(venue, cfg.PriceCacheTTL, log)
	calculator := drift.NewCalculator(pricingSvc, log)

	webhookRepo := webhooks.NewRepository(indexDB.Conn(), log)
	dispatcher := webhooks.NewDispatcher(webhookRepo, webhooks.DispatcherConfig{
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
	}, log)

	tradeRepo := portfolio.NewTradeRepository(ledgerDB.Conn(), log)
	rebalanceRepo := portfolio.NewRebalanceRepository(ledgerDB.Conn(), log)
	executor := portfolio.NewExecutor(venue, pricingSvc, tradeRepo, portfolio.ExecutorConfig{
		MaxRetries:     cfg.TradeMaxRetries,
		RetryBaseDelay: cfg.TradeRetryBaseDelay,
		PollInterval:   cfg.SettlementPoll,
		PollTimeout:    cfg.SettlementTimeout,
	}, log)
	portfolioSvc := portfolio.NewService(executor, dispatcher, cfg.ConstructionBufferPc, log)

	indexRepo := index.NewRepository(indexDB.Conn(), log)
	indexSvc := index.NewService(index.Config{
		Repository: indexRepo,
		Rebalances: rebalanceRepo,
		Trades:     tradeRepo,
		Calculator: calculator,
		Executor:   portfolioSvc,
		Balances:   venue,
		Wallets:    wallets,
		Assets:     pricingSvc,
		Notifier:   dispatcher,
	}, log)

	// Background jobs
	sched := scheduler.New(log)

	driftMonitor := scheduler.NewDriftMonitorJob(indexRepo, indexSvc, dispatcher, cfg.SettlementTimeout+5*time.Minute, log)
	if err := sched.AddJob(cfg.MonitorSchedule, driftMonitor); err != nil {
		log.Fatal().Err(err).Msg("Failed to register drift monitor")
	}

	janitor := scheduler.NewCacheJanitorJob(pricingSvc, log)
	if err := sched.AddJob("@every 1m", janitor); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache janitor")
	}

	maintenance := scheduler.NewDBMaintenanceJob([]*database.DB{indexDB, ledgerDB}, log)
	if err := sched.AddJob("0 0 3 * * *", maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to register db maintenance")
	}

	sched.Start()
	defer sched.Stop()

	// HTTP server
	srv := server.New(server.Config{
		Log:            log,
		Cfg:            cfg,
		IndexDB:        indexDB,
		LedgerDB:       ledgerDB,
		Pricing:        pricingSvc,
		IndexHandler:   index.NewHandler(indexSvc, log),
		WebhookHandler: webhooks.NewHandler(webhookRepo, dispatcher, log),
		Scheduler:      sched,
		DriftMonitor:   driftMonitor,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight webhook deliveries drain before the process exits
	dispatcher.Wait()

	log.Info().Msg("Stopped")
}
