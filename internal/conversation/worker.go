package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// DispatchRunner executes campaign dispatch jobs. When appointmentID is set
// only that appointment is (re)sent.
type DispatchRunner interface {
	Run(ctx context.Context, campaignID uuid.UUID, appointmentID *uuid.UUID) error
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the queue long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes dispatch and inbound jobs from the queue.
type Worker struct {
	service    *Service
	dispatcher DispatchRunner
	queue      Queue
	jobs       JobUpdater
	logger     *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

// NewWorker constructs a queue consumer.
func NewWorker(service *Service, dispatcher DispatchRunner, queue Queue, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if service == nil {
		panic("conversation: service cannot be nil")
	}
	if dispatcher == nil {
		panic("conversation: dispatcher cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if jobs == nil {
		panic("conversation: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		service:    service,
		dispatcher: dispatcher,
		queue:      queue,
		jobs:       jobs,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("campaign worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("campaign worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg QueueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	w.logger.Info("processing job", "job_id", payload.ID, "kind", payload.Kind)

	var err error
	switch payload.Kind {
	case jobKindDispatch:
		err = w.handleDispatch(ctx, payload)
	case jobKindInbound:
		if payload.Inbound == nil {
			err = errors.New("conversation: inbound job without payload")
		} else {
			err = w.service.OnInbound(ctx, *payload.Inbound)
		}
	default:
		err = fmt.Errorf("conversation: unknown job kind %q", payload.Kind)
	}

	if err != nil {
		w.logger.Error("job failed", "error", err, "job_id", payload.ID, "kind", payload.Kind)
		if payload.TrackStatus {
			if storeErr := w.jobs.MarkFailed(ctx, payload.ID, err.Error()); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
		// Left on the queue for at-least-once redelivery.
		return
	}

	w.logger.Debug("job processed", "job_id", payload.ID, "kind", payload.Kind)
	if payload.TrackStatus {
		if storeErr := w.jobs.MarkCompleted(ctx, payload.ID); storeErr != nil && !errors.Is(storeErr, ErrJobNotFound) {
			w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
		}
	}
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) handleDispatch(ctx context.Context, payload queuePayload) error {
	job := payload.Dispatch
	if job == nil {
		return errors.New("conversation: dispatch job without payload")
	}

	// Single-appointment redeliveries are cut off by the idempotency key.
	if job.AppointmentID != nil {
		done, err := w.jobs.HasCompletedDispatch(ctx, job.CampaignID, *job.AppointmentID, job.Attempt)
		if err != nil {
			return err
		}
		if done {
			w.logger.Info("skipping already-completed dispatch",
				"campaign_id", job.CampaignID, "appointment_id", *job.AppointmentID, "attempt", job.Attempt)
			return nil
		}
	}

	return w.dispatcher.Run(ctx, job.CampaignID, job.AppointmentID)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete job message", "error", err)
	}
}
