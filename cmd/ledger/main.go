package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"

	"github.com/Fi44er/custody_ledger/config"
	"github.com/Fi44er/custody_ledger/db"
	"github.com/Fi44er/custody_ledger/internal/api"
	"github.com/Fi44er/custody_ledger/internal/batch"
	"github.com/Fi44er/custody_ledger/internal/cache"
	"github.com/Fi44er/custody_ledger/internal/chain"
	"github.com/Fi44er/custody_ledger/internal/derive"
	"github.com/Fi44er/custody_ledger/internal/lightning"
	"github.com/Fi44er/custody_ledger/internal/notify"
	"github.com/Fi44er/custody_ledger/internal/repository"
	"github.com/Fi44er/custody_ledger/internal/service"
	"github.com/Fi44er/custody_ledger/internal/supervisor"
	"github.com/Fi44er/custody_ledger/utils"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		utils.InitLogger("info").Fatal("Failed to load config: ", err)
	}
	logger := utils.InitLogger(cfg.LogLevel)

	params, err := derive.ParamsForNetwork(cfg.Network)
	if err != nil {
		logger.Fatal(err)
	}

	database, err := db.ConnectDb(cfg.DB_URL, logger)
	if err != nil {
		logger.Fatal(err)
	}
	if err := db.Migrate(database, cfg.MigrateOnBoot, logger); err != nil {
		logger.Fatal(err)
	}
	repo := repository.NewRepository(database, logger)

	var balances cache.BalanceCache = cache.NopBalanceCache{}
	if cfg.RedisAddr != "" {
		if rdb := cache.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger); rdb != nil {
			balances = cache.NewRedisBalanceCache(rdb, cfg.SessionTTL, logger)
		}
	}

	var notifier notify.Notifier = notify.Log{Logger: logger}
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.AdminChatID, logger)
		if err != nil {
			logger.Fatal(err)
		}
		notifier = tg
	}

	deriver, err := derive.NewDeriver(cfg.WalletMasterXpub, cfg.RequiredSigs, params)
	if err != nil {
		logger.Fatal("Failed to create deriver: ", err)
	}

	clk := clock.NewDefaultClock()
	chainClient := chain.NewClient(cfg.ChainAPIURL)
	limiter := service.NewRateLimiter(cfg.RateLimitInterval, clk)

	svc := service.NewService(repo, deriver, chainClient, balances, limiter, clk, service.Config{
		RequestExpiry:    cfg.RequestExpiry,
		SkipVerification: cfg.SkipVerification,
		BtcMinAvail:      cfg.BtcMinAvail,
		LnMinAvail:       cfg.LnMinAvail,
		LnFeeLimitSat:    cfg.FeeLimitSat,
		LnFeeLimitPPM:    cfg.FeeLimitPPM,
		CustodyUserID:    cfg.CustodyUserID,
		Params:           params,
	}, logger)

	node, err := lightning.NewLndClient(cfg.LndHost, cfg.LndTLSCertPath, cfg.LndMacaroonPath, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer node.Close()

	reconciler := lightning.NewReconciler(lightning.Config{
		Params:      params,
		FeeLimitSat: cfg.FeeLimitSat,
		FeeLimitPPM: cfg.FeeLimitPPM,
		MinSendable: cfg.LnMinSendable,
		MaxSendable: cfg.LnMaxSendable,
		PublicURL:   cfg.PublicURL,
	}, repo, node, balances, notifier, clk, logger)

	engine := batch.NewEngine(batch.Config{
		BatchSize:        cfg.BatchSize,
		Interval:         cfg.BatchInterval,
		MinFeeRate:       cfg.MinFeeRate,
		MaxChangeOutput:  cfg.MaxChangeOutput,
		MaxChangeOutputs: 3,
		RequiredSigs:     deriver.Required(),
		TotalKeys:        deriver.Total(),
		CustodyUserID:    cfg.CustodyUserID,
		Params:           params,

		ReservationTimeout: cfg.BatchReservationTTL,
	}, repo, svc, batch.NewHTTPCosigner(cfg.CosignerURL), chainClient, notifier, clk, logger)

	tracker := batch.NewTracker(repo, chainClient, notifier, clk, logger,
		cfg.ConfirmationTarget, cfg.ConfirmPollInterval, cfg.ConfirmRetryDelay)

	server := api.NewServer(svc, reconciler, cfg.JWTSecret, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(logger)
	sup.OnFailure = notifier.TaskFailed

	restart := supervisor.ConstantPolicy(cfg.LoopRestartDelay)
	streams := supervisor.ExponentialPolicy(cfg.LoopRestartDelay, 5*time.Minute)

	g, gctx := errgroup.WithContext(ctx)
	sup.Go(gctx, g, "http", restart, func(ctx context.Context) error {
		return server.Serve(ctx, cfg.HTTPAddr)
	})
	sup.Go(gctx, g, "batch", restart, engine.Run)
	sup.Go(gctx, g, "confirmations", restart, tracker.Run)
	sup.Go(gctx, g, "payments", streams, reconciler.RunPayments)
	sup.Go(gctx, g, "invoices", streams, reconciler.RunInvoices)
	sup.Go(gctx, g, "deposits", restart, func(ctx context.Context) error {
		return svc.RunDepositScanner(ctx, cfg.DepositScanInterval)
	})
	sup.Go(gctx, g, "expiry", restart, svc.RunExpirySweep)
	sup.Go(gctx, g, "ratelimit", restart, limiter.Run)

	logger.Info("🚀 Custody ledger started")
	if err := g.Wait(); err != nil {
		logger.Errorf("shutdown with error: %v", err)
	}
	logger.Info("👋 Custody ledger stopped")
}
