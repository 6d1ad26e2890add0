package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"apexbt/config"
	"apexbt/internal/adapters/binanceprice"
	"apexbt/internal/adapters/codex"
	"apexbt/internal/adapters/dexscreener"
	"apexbt/internal/adapters/httpapi"
	"apexbt/internal/adapters/logger"
	"apexbt/internal/adapters/notify"
	"apexbt/internal/adapters/pricechain"
	"apexbt/internal/adapters/signalapi"
	"apexbt/internal/adapters/sqlite"
	"apexbt/internal/adapters/telegram"
	"apexbt/internal/engine"
	"apexbt/internal/intake"
	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Price Sources (ordered fallback chain)
	priceSource, err := buildPriceChain(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price sources")
		log.Fatalf("FATAL: Failed to initialize price sources: %v", err)
	}
	appLogger.Info(context.Background(), "Price sources initialized", map[string]interface{}{"chain": priceSource.Name()})

	// 5. Initialize Notification Consumers
	dispatcher, sinks, err := buildNotifiers(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize notifiers")
		log.Fatalf("FATAL: Failed to initialize notifiers: %v", err)
	}

	// 6. Initialize Engine
	eng, err := engine.New(engine.Config{
		StopLossFactor:        cfg.StopLossFactor,
		PositionSizeUSD:       cfg.PositionSizeUSD,
		Interval:              cfg.UpdateInterval,
		FailureAlertThreshold: cfg.FailureAlertThreshold,
	}, appLogger, repo, priceSource, dispatcher, sinks...)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine")
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	// 7. Initialize Intake and HTTP API
	in, err := intake.New(eng, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize intake")
		log.Fatalf("FATAL: Failed to initialize intake: %v", err)
	}
	server, err := httpapi.New(httpapi.Config{
		ListenAddr: cfg.ListenAddr,
		Engine:     eng,
		Intake:     in,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize HTTP server")
		log.Fatalf("FATAL: Failed to initialize HTTP server: %v", err)
	}

	// 8. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Init(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load open positions")
		log.Fatalf("FATAL: Failed to load open positions: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error(context.Background(), err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// buildPriceChain assembles the configured price sources into an ordered
// fallback chain.
func buildPriceChain(cfg *config.Config, appLogger ports.Logger) (ports.PriceSource, error) {
	var sources []ports.PriceSource
	for _, name := range cfg.PriceSources {
		limiter, err := ratelimit.New(cfg.PriceRateCapacity, cfg.PriceRateWindow)
		if err != nil {
			return nil, err
		}
		switch name {
		case "codex":
			src, err := codex.New(codex.Config{
				APIKey:  cfg.CodexAPIKey,
				BaseURL: cfg.CodexBaseURL,
				Limiter: limiter,
				Logger:  appLogger,
			})
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		case "dexscreener":
			src, err := dexscreener.New(dexscreener.Config{
				Limiter: limiter,
				Logger:  appLogger,
			})
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		case "binance":
			src, err := binanceprice.New(binanceprice.Config{
				APIKey:    cfg.BinanceAPIKey,
				SecretKey: cfg.BinanceSecretKey,
				Limiter:   limiter,
				Logger:    appLogger,
			})
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
	}
	return pricechain.New(appLogger, sources...)
}

// buildNotifiers assembles the optional downstream consumers. With nothing
// configured the engine runs with a no-op dispatcher and no report sinks.
func buildNotifiers(cfg *config.Config, appLogger ports.Logger) (ports.SignalDispatcher, []ports.ReportSink, error) {
	var dispatchers []ports.SignalDispatcher
	var sinks []ports.ReportSink

	if cfg.SignalAPIBaseURL != "" {
		limiter, err := ratelimit.New(cfg.DispatchRateCapacity, cfg.DispatchRateWindow)
		if err != nil {
			return nil, nil, err
		}
		relay, err := signalapi.New(signalapi.Config{
			BaseURL:  cfg.SignalAPIBaseURL,
			Username: cfg.SignalAPIUsername,
			Password: cfg.SignalAPIPassword,
			Limiter:  limiter,
			Logger:   appLogger,
		})
		if err != nil {
			return nil, nil, err
		}
		dispatchers = append(dispatchers, relay)
	}

	if cfg.TelegramBotToken != "" {
		limiter, err := ratelimit.New(cfg.DispatchRateCapacity, cfg.DispatchRateWindow)
		if err != nil {
			return nil, nil, err
		}
		tg, err := telegram.New(telegram.Config{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
			Limiter:  limiter,
			Logger:   appLogger,
		})
		if err != nil {
			return nil, nil, err
		}
		dispatchers = append(dispatchers, tg)
		sinks = append(sinks, tg)
	}

	if len(dispatchers) == 0 {
		appLogger.Warn(context.Background(), "No notification consumers configured; buy/sell events will only be logged")
	}
	return notify.NewMulti(appLogger, dispatchers...), sinks, nil
}
