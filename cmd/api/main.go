package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confirmasaude/confirma-platform/cmd/mainconfig"
	"github.com/confirmasaude/confirma-platform/internal/api/router"
	"github.com/confirmasaude/confirma-platform/internal/campaign"
	appconfig "github.com/confirmasaude/confirma-platform/internal/config"
	"github.com/confirmasaude/confirma-platform/internal/conversation"
	"github.com/confirmasaude/confirma-platform/internal/events"
	"github.com/confirmasaude/confirma-platform/internal/http/handlers"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/internal/messaging/evolutionclient"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting confirma API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := mainconfig.NewRedisClient(cfg)
	defer func() { _ = rdb.Close() }()

	queue, err := mainconfig.NewQueue(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize queue", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	campaignMetrics := metrics.NewCampaignMetrics(registry)

	evoClient, err := evolutionclient.New(evolutionclient.Config{
		BaseURL:    cfg.MessagingBaseURL,
		APIKey:     cfg.MessagingAPIKey,
		Timeout:    cfg.MessagingTimeout,
		MaxRetries: cfg.MessagingMaxRetries,
		Logger:     logger.Logger,
	})
	if err != nil {
		logger.Error("failed to create messaging client", "error", err)
		os.Exit(1)
	}
	sender := messaging.NewAdapter(evoClient, logger)

	campaignStore := campaign.NewStore(pool)
	logStore := messaging.NewStore(pool)
	processedStore := events.NewProcessedStore(pool)
	jobStore := conversation.NewPGJobStore(pool)

	publisher := conversation.NewPublisher(queue, jobStore, logger)
	locker := conversation.NewLocker(rdb, logger)

	dispatcher := campaign.NewDispatcher(
		campaignStore, logStore, sender, publisher, locker, logger,
		campaign.WithInterMessageDelay(cfg.InterMessageDelay),
		campaign.WithSendRetries(cfg.MessagingMaxRetries),
		campaign.WithBatchSize(cfg.DispatchBatchSize),
		campaign.WithDispatchMetrics(campaignMetrics),
	)

	webhookHandler := handlers.NewEvolutionWebhookHandler(publisher, processedStore, campaignMetrics, logger)
	campaignHandler := handlers.NewCampaignHandler(campaignStore, dispatcher, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		WebhookHandler:     webhookHandler,
		CampaignHandler:    campaignHandler,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AdminJWTSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
