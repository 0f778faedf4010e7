package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// Queue is the transport shared by Publisher and Worker. SQSQueue backs it in
// production and MemoryQueue in dev/tests.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// QueueMessage is a single received queue entry.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobKind string

const (
	jobKindDispatch jobKind = "dispatch"
	jobKindInbound  jobKind = "inbound"
)

// DispatchJob asks the worker to run a campaign dispatch. When AppointmentID
// is set only that appointment is (re)sent; otherwise the whole campaign runs.
// (CampaignID, AppointmentID, Attempt) is the idempotency key for
// single-appointment jobs.
type DispatchJob struct {
	CampaignID    uuid.UUID  `json:"campaign_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Attempt       int        `json:"attempt"`
}

// InboundMessage is one patient reply delivered by the provider webhook.
type InboundMessage struct {
	InstanceName      string    `json:"instance"`
	From              string    `json:"from"`
	Text              string    `json:"text"`
	ProviderMessageID string    `json:"message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

type queuePayload struct {
	ID          string          `json:"id"`
	Kind        jobKind         `json:"kind"`
	Dispatch    *DispatchJob    `json:"dispatch,omitempty"`
	Inbound     *InboundMessage `json:"inbound,omitempty"`
	TrackStatus bool            `json:"track_status"`
}

// PublishOption customizes how a job is enqueued.
type PublishOption func(*queuePayload)

// WithoutJobTracking disables job status persistence for fire-and-forget work.
func WithoutJobTracking() PublishOption {
	return func(p *queuePayload) {
		p.TrackStatus = false
	}
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: encode payload: %w", err)
	}
	return payload, string(body), nil
}

// Publisher enqueues dispatch and inbound jobs and records their pending
// status.
type Publisher struct {
	queue  Queue
	jobs   JobRecorder
	logger *logging.Logger
}

// NewPublisher builds a Publisher. jobs may be nil when status tracking is
// not wanted.
func NewPublisher(queue Queue, jobs JobRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, jobs: jobs, logger: logger}
}

// EnqueueDispatch publishes a dispatch job and returns its id as the task
// handle.
func (p *Publisher) EnqueueDispatch(ctx context.Context, campaignID uuid.UUID, appointmentID *uuid.UUID, attempt int) (string, error) {
	payload := queuePayload{
		Kind: jobKindDispatch,
		Dispatch: &DispatchJob{
			CampaignID:    campaignID,
			AppointmentID: appointmentID,
			Attempt:       attempt,
		},
		TrackStatus: true,
	}
	return p.publish(ctx, payload)
}

// EnqueueInbound publishes a patient reply for asynchronous processing.
func (p *Publisher) EnqueueInbound(ctx context.Context, msg InboundMessage, opts ...PublishOption) (string, error) {
	payload := queuePayload{
		Kind:        jobKindInbound,
		Inbound:     &msg,
		TrackStatus: true,
	}
	return p.publish(ctx, payload, opts...)
}

func (p *Publisher) publish(ctx context.Context, payload queuePayload, opts ...PublishOption) (string, error) {
	for _, opt := range opts {
		opt(&payload)
	}
	payload, body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	if payload.TrackStatus && p.jobs != nil {
		record := &JobRecord{JobID: payload.ID, Kind: string(payload.Kind)}
		if payload.Dispatch != nil {
			record.CampaignID = &payload.Dispatch.CampaignID
			record.AppointmentID = payload.Dispatch.AppointmentID
			record.Attempt = payload.Dispatch.Attempt
		}
		if err := p.jobs.PutPending(ctx, record); err != nil {
			p.logger.Warn("failed to persist pending job", "error", err, "job_id", payload.ID)
		}
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("conversation: enqueue %s job: %w", payload.Kind, err)
	}
	return payload.ID, nil
}
