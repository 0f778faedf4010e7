package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("conversation: job not found")

// Job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobRecord is the bookkeeping row for one queued job. Together with the
// queue's at-least-once delivery, the (campaign, appointment, attempt) key
// gives at-most-once effect for single-appointment dispatches.
type JobRecord struct {
	JobID         string
	Kind          string
	CampaignID    *uuid.UUID
	AppointmentID *uuid.UUID
	Attempt       int
	Status        string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobRecorder persists newly enqueued jobs.
type JobRecorder interface {
	PutPending(ctx context.Context, job *JobRecord) error
}

// JobUpdater records job outcomes.
type JobUpdater interface {
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	HasCompletedDispatch(ctx context.Context, campaignID, appointmentID uuid.UUID, attempt int) (bool, error)
}

type jobQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGJobStore persists job records to PostgreSQL.
type PGJobStore struct {
	db jobQuerier
}

// NewPGJobStore builds a Postgres-backed job store.
func NewPGJobStore(db jobQuerier) *PGJobStore {
	if db == nil {
		panic("conversation: pgx pool cannot be nil")
	}
	return &PGJobStore{db: db}
}

var _ JobRecorder = (*PGJobStore)(nil)
var _ JobUpdater = (*PGJobStore)(nil)

// PutPending inserts a pending job record.
func (s *PGJobStore) PutPending(ctx context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("conversation: job cannot be nil")
	}
	job.Status = JobStatusPending
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_jobs (job_id, kind, campaign_id, appointment_id, attempt, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, '')
		ON CONFLICT (job_id) DO NOTHING
	`, job.JobID, job.Kind, job.CampaignID, job.AppointmentID, job.Attempt, job.Status)
	if err != nil {
		return fmt.Errorf("conversation: persist job: %w", err)
	}
	return nil
}

// MarkCompleted records a successful run.
func (s *PGJobStore) MarkCompleted(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("conversation: jobID required")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = $2, error_message = '', updated_at = now()
		WHERE job_id = $1
	`, jobID, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("conversation: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed records a failed run with its error message.
func (s *PGJobStore) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	if jobID == "" {
		return errors.New("conversation: jobID required")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = $2, error_message = $3, updated_at = now()
		WHERE job_id = $1
	`, jobID, JobStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("conversation: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// HasCompletedDispatch reports whether a single-appointment dispatch with the
// same idempotency key already ran to completion. Redelivered jobs are
// skipped based on this.
func (s *PGJobStore) HasCompletedDispatch(ctx context.Context, campaignID, appointmentID uuid.UUID, attempt int) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM dispatch_jobs
		WHERE campaign_id = $1 AND appointment_id = $2 AND attempt = $3 AND status = $4
		LIMIT 1
	`, campaignID, appointmentID, attempt, JobStatusCompleted).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("conversation: check completed dispatch: %w", err)
	}
	return true, nil
}
