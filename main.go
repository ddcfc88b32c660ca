package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-mirror/internal/api"
	"trade-mirror/internal/mirror"
	"trade-mirror/internal/report"
	"trade-mirror/internal/stream"
	"trade-mirror/internal/track"
	"trade-mirror/pkg/config"
	"trade-mirror/pkg/db"
	futures "trade-mirror/pkg/exchanges/binance/futures_usdt"
	"trade-mirror/pkg/logger"
	"trade-mirror/pkg/notify"
	"trade-mirror/pkg/symbols"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		logger.Errorf("BINANCE_API_KEY / BINANCE_API_SECRET are required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Errorf("open database: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Errorf("migrate: %v", err)
		os.Exit(1)
	}

	notifier := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)

	client := futures.NewClient(futures.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	client.StartTimeSync(ctx)

	rules := symbols.NewRules()
	if steps, err := client.GetQuantitySteps(ctx); err != nil {
		logger.Warnf("load quantity steps: %v", err)
	} else {
		for sym, step := range steps {
			rules.SetStep(sym, step)
		}
		logger.Infof("loaded quantity steps for %d symbols", len(steps))
	}

	controller := track.NewController(database, client, notifier)

	// Stale local markers from the previous run are meaningless until the
	// sync below rebuilds them.
	if err := database.ResetPending(ctx); err != nil {
		logger.Warnf("reset pending: %v", err)
	}

	if cfg.MirrorEnabled {
		mirrorClient := futures.NewClient(futures.Config{
			APIKey:    cfg.MirrorAPIKey,
			APISecret: cfg.MirrorAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
		mirrorNotifier := notify.NewTelegram(cfg.TelegramToken, cfg.MirrorTelegramChat)
		replicator := mirror.NewReplicator(database, mirrorClient, mirrorNotifier, cfg.MirrorCoefficient, rules)
		if err := replicator.Wipe(ctx); err != nil {
			logger.Errorf("wipe mirror ledger: %v", err)
			os.Exit(1)
		}
		controller.SetReplicator(replicator)
		logger.Infof("mirroring enabled, coefficient %v", cfg.MirrorCoefficient)
		greet(ctx, mirrorClient, mirrorNotifier, "mirror", cfg.BinanceTestnet)
	}

	greet(ctx, client, notifier, "tracker", cfg.BinanceTestnet)

	if err := controller.FullSync(ctx); err != nil {
		logger.Errorf("initial sync: %v", err)
		os.Exit(1)
	}

	scaling := report.Scaling{
		Enabled:     cfg.ScaleReportToFake,
		RealDeposit: cfg.RealDeposit,
		FakeDeposit: cfg.FakeDeposit,
	}
	if cfg.MonthlyReportEnabled {
		scheduler := report.NewScheduler(database, notifier, scaling)
		if cfg.MonthlyReportOnStart {
			scheduler.SendFor(ctx, time.Now().UTC())
		}
		go scheduler.Run(ctx)
	}

	if cfg.APIEnabled {
		server := api.NewServer(database, scaling)
		go func() {
			if err := server.Start(cfg.APIAddr); err != nil {
				logger.Errorf("status api: %v", err)
			}
		}()
		logger.Infof("status api listening on %s", cfg.APIAddr)
	}

	go purgeLoop(ctx, database, cfg.EventRetentionDays)

	userStream := stream.NewUserStream(client, database, controller)
	// After a reconnect the stream has a gap, so state is rebuilt from a
	// fresh snapshot before new events are applied.
	userStream.Run(ctx, func(ctx context.Context) {
		if err := controller.FullSync(ctx); err != nil {
			logger.Errorf("resync after reconnect: %v", err)
		}
	})

	notifier.Send("🛑 tracker stopped")
	logger.Infof("shutdown complete")
}

func greet(ctx context.Context, client *futures.Client, notifier notify.Notifier, name string, testnet bool) {
	env := "mainnet"
	if testnet {
		env = "testnet"
	}
	balance, err := client.GetBalance(ctx, "USDT")
	if err != nil {
		logger.Warnf("fetch %s balance: %v", name, err)
		notifier.Send(fmt.Sprintf("✅ %s started (%s)", name, env))
		return
	}
	notifier.Send(fmt.Sprintf("✅ %s started (%s), balance %.2f USDT", name, env, balance))
}

// purgeLoop trims the raw event archive once a day.
func purgeLoop(ctx context.Context, database *db.Database, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	purge := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		n, err := database.PurgeRawEventsBefore(ctx, cutoff)
		if err != nil {
			logger.Errorf("purge raw events: %v", err)
			return
		}
		if n > 0 {
			logger.Infof("purged %d archived events older than %d days", n, retentionDays)
		}
	}
	purge()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
