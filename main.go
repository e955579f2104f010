package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/config"
	"github.com/lzumixiny/volo8-test/internal/dingtalk"
	"github.com/lzumixiny/volo8-test/internal/handler"
	"github.com/lzumixiny/volo8-test/internal/image_client"
	"github.com/lzumixiny/volo8-test/internal/ml_client"
	"github.com/lzumixiny/volo8-test/internal/repository"
	"github.com/lzumixiny/volo8-test/internal/server"
	"github.com/lzumixiny/volo8-test/internal/service"
	"github.com/lzumixiny/volo8-test/internal/telegram_bot"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	accessLog := logrus.New()
	accessLog.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		accessLog.SetLevel(lvl)
	}

	// Database connection
	if cfg.Database.Driver == "sqlite" && !strings.HasPrefix(cfg.Database.URL, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.URL), 0o755); err != nil {
			logger.Fatal("Failed to create database directory", zap.Error(err))
		}
	}
	db, err := repository.NewDB(cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := repository.MigrateDB(db, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize repositories
	detectionRepo := repository.NewDetectionRepository(db, logger)
	authRepo := repository.NewAuthRepository(db, accessLog)

	// DingTalk side
	creds := dingtalk.NewCredentials(dingtalk.Settings{
		AppKey:     cfg.DingTalk.AppKey,
		AppSecret:  cfg.DingTalk.AppSecret,
		WebhookURL: cfg.DingTalk.WebhookURL,
	})
	if cfg.DingTalk.AppSecret == "" {
		logger.Warn("DingTalk app secret is not set, webhook will reject callbacks until configured")
	}
	sessions := dingtalk.NewSessionStore(logger)
	sender := dingtalk.NewSender(sessions, creds, cfg.ReplyTimeout(), logger).
		WithRateLimit(cfg.DingTalk.ReplyRatePerMinute)

	// Initialize ML service client
	mlClient := ml_client.NewBreakerClient(
		ml_client.NewClient(cfg.MLService.URL, cfg.ClassifyTimeout()),
		cfg.MLService.BreakerMaxFailures,
		cfg.BreakerOpenTimeout(),
		logger,
	)
	imageClient := image_client.NewClient(cfg.DownloadTimeout(), cfg.Image.MaxBytes, logger)

	// Initialize Telegram bot for unsafe detection alerts
	bot, err := telegram_bot.NewBot(cfg, detectionRepo, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram bot, continuing without it", zap.Error(err))
		bot = nil
	}
	var notifier service.Notifier
	if bot != nil {
		notifier = bot
	}

	pipeline := service.NewPipeline(
		sessions,
		dingtalk.NewMentionChecker(creds, cfg.DingTalk.BotNames),
		imageClient,
		service.NewDetector(mlClient, cfg.MLService.ConfidenceThreshold),
		detectionRepo,
		sender,
		notifier,
		service.PipelineConfig{
			DownloadTimeout: cfg.DownloadTimeout(),
			ClassifyTimeout: cfg.ClassifyTimeout(),
			ReplyTimeout:    cfg.ReplyTimeout(),
			ReplyMaxEdge:    cfg.Image.ReplyMaxEdge,
			ReplyQuality:    cfg.Image.ReplyQuality,
		},
		logger,
	)

	authService := service.NewAuthService(authRepo, cfg.Auth.JWTSecret, cfg.TokenTTL(), logger)

	handlers := server.Handlers{
		Webhook:   handler.NewWebhookHandler(creds, dingtalk.NewSignatureVerifier(creds), pipeline, cfg.Server.MaxBodyBytes, cfg.EventTimeout(), logger),
		Detection: handler.NewDetectionHandler(pipeline, detectionRepo, cfg.Image.MaxBytes, logger),
		Settings:  handler.NewSettingsHandler(creds, *cfgPath, logger),
		Health:    handler.NewHealthHandler(detectionRepo, mlClient, logger),
		Auth:      handler.NewAuthHandler(authService, accessLog),
	}

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sessions.Run(ctx, cfg.SessionSweepInterval())

	if bot != nil {
		go func() {
			if err := bot.Start(ctx); err != nil {
				logger.Error("Telegram bot failed", zap.Error(err))
			}
		}()
		go func() {
			if err := bot.RunReports(ctx, cfg.Alerts.Telegram.ReportSchedule); err != nil {
				logger.Error("Telegram reports failed", zap.Error(err))
			}
		}()
	}

	srv := server.NewServer(cfg, handlers, accessLog, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}

	logger.Info("Application stopped.")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
