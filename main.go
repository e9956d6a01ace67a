package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"telegram-coinflip/internal/account"
	"telegram-coinflip/internal/api"
	"telegram-coinflip/internal/config"
	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/https"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/matchmaking"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/notify"
	"telegram-coinflip/internal/payout"
	"telegram-coinflip/internal/reconciler"
	"telegram-coinflip/internal/settlement"
	"telegram-coinflip/internal/solana"
	"telegram-coinflip/internal/validator"
)

func main() {
	// 加载.env文件
	if err := godotenv.Load(); err != nil {
		log.Printf("警告: 无法加载.env文件: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}

	appLogger, err := logger.NewLogger(cfg.LogDir)
	if err != nil {
		log.Fatal("初始化日志失败:", err)
	}
	defer appLogger.Close()

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		appLogger.Error("初始化数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(cfg, db, appLogger); err != nil {
		appLogger.Error("❌ 服务异常退出: %v", err)
		os.Exit(1)
	}
	appLogger.Info("✅ 服务已关闭")
}

func run(cfg *config.Config, db *database.DB, appLogger *logger.Logger) error {
	metrics := monitor.NewRuntime()
	ledgerSvc := ledger.New(db, appLogger, metrics)
	accounts := account.NewService(db, appLogger)
	stakes := validator.NewStakeValidator(cfg.MinStake, cfg.MaxStake, cfg.OperationInterval)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.BotToken != "" {
		telegram, err := notify.NewTelegram(cfg.BotToken, cfg.AdminIDs, appLogger)
		if err != nil {
			return err
		}
		defer telegram.Close()
		notifier = telegram
	} else {
		appLogger.Info("⚠️ 未配置 BOT_TOKEN，通知已禁用")
	}

	// 链上网关：未配置托管地址时不对账，出款全部回退到内部余额
	var chain *solana.Client
	var sender gateway.Sender
	if cfg.CustodialAddress != "" || cfg.CustodialPrivateKey != "" {
		client, err := solana.New(solana.Config{
			RPCURL:     cfg.SolanaRPCURL,
			Custodial:  cfg.CustodialAddress,
			PrivateKey: cfg.CustodialPrivateKey,
			Mint:       cfg.TokenMint,
			Decimals:   cfg.TokenDecimals,
		}, appLogger)
		if err != nil {
			return err
		}
		chain = client
		if client.CanSend() {
			sender = client
		} else {
			appLogger.Info("⚠️ 未配置托管私钥，链上出款已禁用")
		}
	}

	dispatcher := payout.NewDispatcher(sender, ledgerSvc, notifier, appLogger, metrics, payout.Config{
		Workers:              cfg.PayoutWorkers,
		Decimals:             cfg.TokenDecimals,
		WithdrawalCommission: cfg.WithdrawalCommission,
		RecheckInterval:      cfg.PayoutRecheck,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	settler := settlement.New(ledgerSvc, dispatcher, appLogger, metrics, settlement.Config{
		CommissionRate: cfg.CommissionRate,
		PayoutOnWin:    cfg.PayoutOnWin,
	})

	match := matchmaking.NewService(ledgerSvc, matchmaking.NewQueue(cfg.MatchTimeout), stakes, notifier, appLogger, metrics,
		matchmaking.Config{
			MatchTimeout:  cfg.MatchTimeout,
			HouseAccounts: cfg.HouseAccounts,
			RoomTTL:       cfg.RoomTTL,
		})
	sweeper := matchmaking.NewSweeper(match, cfg.RoomSweepInterval)

	deps := api.Deps{
		DB:       db,
		Accounts: accounts,
		Ledger:   ledgerSvc,
		Match:    match,
		Settler:  settler,
		Payouts:  dispatcher,
		Logger:   appLogger,
		Metrics:  metrics,
	}

	var rec *reconciler.Reconciler
	if chain != nil {
		rec = reconciler.New(reconciler.Deps{
			Chain:    chain,
			Ledger:   ledgerSvc,
			Accounts: accounts,
			Notifier: notifier,
			Logger:   appLogger,
			Metrics:  metrics,
			Config: reconciler.Config{
				Custodial:      chain.Custodial(),
				Mint:           cfg.TokenMint,
				MinDeposit:     cfg.MinDeposit,
				Interval:       cfg.PollInterval,
				MaxBackoff:     cfg.PollMaxBackoff,
				SignatureLimit: cfg.SignatureLimit,
			},
		}, reconciler.NewCursor(0))
		deps.Reconciler = rec
	} else {
		appLogger.Info("⚠️ 未配置 CUSTODIAL_ADDRESS，充值对账已禁用")
	}

	if cfg.JWTSecret == "" {
		appLogger.Info("⚠️ 未配置 JWT_SECRET，接口令牌无法签发")
	}
	server := api.NewServer(deps, api.AuthConfig{
		Secret:            []byte(cfg.JWTSecret),
		AdminSecretHash:   cfg.AdminSecretHash,
		ServiceSecretHash: cfg.ServiceSecretHash,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if rec != nil {
		g.Go(func() error { return rec.Run(ctx) })
	}
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		if cfg.EnableHTTPS {
			manager, err := https.NewManager(https.Config{
				Domain:    cfg.Domain,
				CacheDir:  cfg.CertCacheDir,
				Email:     cfg.AdminEmail,
				HTTPSPort: cfg.HTTPSPort,
			}, appLogger)
			if err != nil {
				return err
			}
			return manager.Serve(ctx, server.Router())
		}
		return https.ServePlain(ctx, ":"+cfg.Port, server.Router(), appLogger)
	})

	appLogger.Info("🪙 硬币对决服务已启动")
	appLogger.Info("📊 配置信息: 端口=%s 数据库=%s 佣金率=%s 下注范围=%s - %s 匹配超时=%v",
		cfg.Port, cfg.DatabaseURL, cfg.CommissionRate, cfg.MinStake, cfg.MaxStake, cfg.MatchTimeout)

	err := g.Wait()
	appLogger.Info("🛑 正在关闭服务...")
	return err
}
