package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"

	"confess-rewards/config"
	"confess-rewards/database"
	"confess-rewards/handlers"
	"confess-rewards/issuer"
	"confess-rewards/logging"
	"confess-rewards/metrics"
	"confess-rewards/middleware"
	"confess-rewards/services"
	"confess-rewards/telemetry"
	"confess-rewards/utils"
	"confess-rewards/workers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logging.Setup("confess-rewards", cfg.Env, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "confess-rewards",
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	rewardMetrics := metrics.Rewards()
	iss, closeIssuer, err := buildIssuer(ctx, cfg, rewardMetrics)
	if err != nil {
		log.Fatalf("failed to initialise reward issuer: %v", err)
	}
	defer closeIssuer()

	var archiver services.ReportArchiver
	if cfg.R2Enabled() {
		r2, err := utils.NewR2Archiver(ctx, utils.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
			CDNBaseURL:      cfg.R2.CDNBaseURL,
		})
		if err != nil {
			log.Fatalf("failed to initialize R2 client: %v", err)
		}
		archiver = r2
	}

	users := services.NewUserService(db)
	ledger := services.NewReferralLedger(db, cfg.Rewards.EligibilityWindow, nil)
	orchestrator := services.NewRewardOrchestrator(users, ledger, iss, services.OrchestratorConfig{
		ReferralAmount: cfg.Rewards.ReferralAmount,
		QuestAmount:    cfg.Rewards.QuestAmount,
		Window:         cfg.Rewards.EligibilityWindow,
		Concurrency:    cfg.Rewards.BatchConcurrency,
		Metrics:        rewardMetrics,
		Archiver:       archiver,
	})

	sched, err := services.StartRewardScheduler(ctx, orchestrator, services.SchedulerConfig{
		BatchInterval: cfg.Rewards.BatchInterval,
		ClaimLease:    cfg.Rewards.ClaimLease,
	})
	if err != nil {
		log.Fatalf("failed to start reward scheduler: %v", err)
	}

	if cfg.WalletSync.URL != "" {
		walletSync := workers.NewWalletSyncClient(db, cfg.WalletSync.URL, cfg.ServiceToken)
		go workers.PollWallets(ctx, walletSync, cfg.WalletSync.Interval)
	}

	var validator middleware.TokenValidator
	if cfg.AuthServiceURL != "" {
		validator = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.ServiceToken, utils.NewHTTPClient(10*time.Second))
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// scraped directly, not through the gateway
	handlers.SetupMetricsRoute(app)

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRewardRoutes(app, handlers.NewRewardHandler(orchestrator), validator)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	slog.Info("server running",
		"port", cfg.Port,
		"issuer_mode", cfg.Issuer.Mode,
		"batch_interval", cfg.Rewards.BatchInterval.String(),
		"wallet_sync", cfg.WalletSync.URL != "",
		"report_archive", archiver != nil,
	)

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// buildIssuer returns the configured Issuer and a function releasing its
// network connection.
func buildIssuer(ctx context.Context, cfg *config.Config, m *metrics.RewardMetrics) (issuer.Issuer, func(), error) {
	if cfg.Issuer.Mode == "mock" {
		log.Println("⚠️  ISSUER_MODE=mock: reward transfers are simulated")
		return issuer.NewMockIssuer(), func() {}, nil
	}

	key, err := issuer.LoadVaultKey(cfg.Issuer.VaultKeypairPath)
	if err != nil {
		return nil, nil, err
	}
	network, err := issuer.DialRPCNetwork(ctx, cfg.Issuer.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	vault, err := issuer.NewVaultIssuer(network, key, issuer.VaultConfig{
		Timeout:         cfg.Issuer.Timeout,
		PollInterval:    cfg.Issuer.PollInterval,
		RatePerSecond:   cfg.Issuer.RatePerSecond,
		ExpectedAddress: cfg.Issuer.VaultAddress,
		Metrics:         m,
	})
	if err != nil {
		network.Close()
		return nil, nil, err
	}
	slog.Info("reward vault ready", "address", logging.MaskAddress(vault.Address()))
	return vault, network.Close, nil
}
