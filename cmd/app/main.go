package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flibusta_bot/internal/config"
	"flibusta_bot/internal/db"
	"flibusta_bot/internal/httpapi"
	"flibusta_bot/internal/logging"
	"flibusta_bot/internal/metrics"
	"flibusta_bot/internal/network"
	"flibusta_bot/internal/scheduler"
	"flibusta_bot/internal/service"
	"flibusta_bot/internal/storage"
	"flibusta_bot/internal/telegram"
)

func main() {
	// 1. Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Ошибка логгера: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bot stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("=== FLIBUSTA BOT STARTING ===",
		zap.String("site", cfg.FlibustaURL),
		zap.Bool("tor", cfg.TorProxyAddr != ""),
	)

	m := metrics.New()

	// 2. Сеть: прямое соединение или Tor
	httpClient, err := network.NewClient(network.ClientOptions{
		ProxyAddr:      cfg.TorProxyAddr,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("сеть: %w", err)
	}
	fetcher := network.NewFetcher(httpClient, network.FetcherOptions{
		UserAgent:         cfg.UserAgent,
		MaxAttempts:       cfg.FetchAttempts,
		RetryDelay:        cfg.RetryDelay,
		Timeout:           cfg.FetchTimeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger.Named("fetcher"),
		Metrics:           m,
	})

	// 3. БД и хранилище обложек
	store, err := db.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("БД: %w", err)
	}
	defer store.Close()
	logger.Info("sqlite opened", zap.String("path", cfg.SQLitePath))

	covers, err := storage.NewCovers(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("хранилище: %w", err)
	}

	// 4. Сервис (бизнес-логика) создается до бота
	svc := service.NewFlibustaClient(service.Options{
		Site:            cfg.FlibustaURL,
		Fetcher:         fetcher,
		Books:           store,
		SearchTTL:       cfg.SearchCacheTTL,
		SearchSize:      cfg.SearchCacheSize,
		DownloadTimeout: cfg.DownloadTimeout,
		Metrics:         m,
		Logger:          logger.Named("service"),
	})

	// 5. Очистка истории и кэша по расписанию
	cleaner := scheduler.NewCleanupScheduler(store, cfg.CleanupSchedule, cfg.CacheRetentionDays, logger.Named("cleanup"))
	if err := cleaner.Start(ctx); err != nil {
		return fmt.Errorf("планировщик: %w", err)
	}
	defer cleaner.Stop()

	// 6. HTTP API для Mini App и метрик
	api := httpapi.New(httpapi.Options{
		Store:     store,
		Covers:    covers,
		Validator: httpapi.NewInitDataValidator(cfg.TelegramToken, 0),
		Metrics:   m.Handler(),
		Logger:    logger.Named("http"),
	})
	srv := api.NewHTTPServer(cfg.HTTPAddr)
	go func() {
		logger.Info("HTTP API started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP API error", zap.Error(err))
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API shutdown", zap.Error(err))
		}
	}()

	// 7. Бот
	bot, err := telegram.NewBot(cfg.TelegramToken, telegram.Options{
		Library:           svc,
		Store:             store,
		Covers:            covers,
		MiniAppURL:        cfg.MiniAppURL,
		PageSize:          cfg.PageSize,
		SearchesPerMinute: cfg.SearchesPerMinute,
		Logger:            logger.Named("bot"),
	})
	if err != nil {
		return err
	}

	logger.Info("Бот запущен! Открой Telegram и напиши /start или название книги.")
	// Блокирует до SIGINT/SIGTERM.
	bot.Start(ctx)
	logger.Info("shutting down")
	return nil
}
