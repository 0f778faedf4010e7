package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/confirmasaude/confirma-platform/cmd/mainconfig"
	"github.com/confirmasaude/confirma-platform/internal/campaign"
	appconfig "github.com/confirmasaude/confirma-platform/internal/config"
	"github.com/confirmasaude/confirma-platform/internal/conversation"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/internal/messaging/evolutionclient"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/internal/survey"
	"github.com/confirmasaude/confirma-platform/internal/sweeper"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting campaign worker", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	campaignMetrics := metrics.NewCampaignMetrics(prometheus.NewRegistry())

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
	surveyRecorder := survey.NewRecorder(survey.NewStore(pool), logger)
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

	service := conversation.NewService(
		campaignStore, logStore, surveyRecorder, sender, locker, publisher, logger,
		conversation.WithMetrics(campaignMetrics),
	)

	worker := conversation.NewWorker(
		service,
		dispatcher,
		queue,
		jobStore,
		logger,
		conversation.WithWorkerCount(cfg.WorkerCount),
	)
	worker.Start(ctx)

	sw := sweeper.New(campaignStore, logStore, sender, logger).
		WithInterval(cfg.SweepInterval).
		WithRetryAfter(cfg.RetryInterval).
		WithMaxAttempts(cfg.MaxAttempts).
		WithMetrics(campaignMetrics)
	go sw.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down campaign worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("campaign worker stopped")
	case <-doneCtx.Done():
		logger.Error("campaign worker shutdown timed out", "error", doneCtx.Err())
	}
}
