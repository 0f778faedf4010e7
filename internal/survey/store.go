package survey

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSurveyNotFound is returned when no survey row exists for an appointment.
var ErrSurveyNotFound = errors.New("survey: not found")

// Querier abstracts the pgx query surface for pool, tx and pgxmock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists satisfaction surveys and patient history.
type Store struct {
	pool Querier
}

// NewStore builds a survey store.
func NewStore(pool Querier) *Store {
	if pool == nil {
		panic("survey: pgx pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) q(q Querier) Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// UpsertScore records the first survey step. The row is created on first
// write; retried webhook deliveries land on the conflict branch.
func (s *Store) UpsertScore(ctx context.Context, q Querier, appointmentID uuid.UUID, score *int, skipped bool) error {
	_, err := s.q(q).Exec(ctx, `
		INSERT INTO satisfaction_surveys (id, appointment_id, score, skipped)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id) DO UPDATE
			SET score = EXCLUDED.score,
				skipped = satisfaction_surveys.skipped OR EXCLUDED.skipped
	`, uuid.New(), appointmentID, score, skipped)
	if err != nil {
		return fmt.Errorf("survey: upsert score: %w", err)
	}
	return nil
}

// UpsertAttention records the second survey step.
func (s *Store) UpsertAttention(ctx context.Context, q Querier, appointmentID uuid.UUID, attentive *bool, skipped bool) error {
	_, err := s.q(q).Exec(ctx, `
		INSERT INTO satisfaction_surveys (id, appointment_id, attentive, skipped)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id) DO UPDATE
			SET attentive = EXCLUDED.attentive,
				skipped = satisfaction_surveys.skipped OR EXCLUDED.skipped
	`, uuid.New(), appointmentID, attentive, skipped)
	if err != nil {
		return fmt.Errorf("survey: upsert attention: %w", err)
	}
	return nil
}

// Finalize records the free comment and closes the survey.
func (s *Store) Finalize(ctx context.Context, q Querier, appointmentID uuid.UUID, comment string, skipped bool) error {
	_, err := s.q(q).Exec(ctx, `
		INSERT INTO satisfaction_surveys (id, appointment_id, comment, skipped)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id) DO UPDATE
			SET comment = EXCLUDED.comment,
				skipped = satisfaction_surveys.skipped OR EXCLUDED.skipped
	`, uuid.New(), appointmentID, comment, skipped)
	if err != nil {
		return fmt.Errorf("survey: finalize: %w", err)
	}
	return nil
}

// GetByAppointment loads the survey for an appointment.
func (s *Store) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Survey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, appointment_id, score, attentive, comment, skipped, created_at
		FROM satisfaction_surveys
		WHERE appointment_id = $1
	`, appointmentID)
	var sv Survey
	if err := row.Scan(&sv.ID, &sv.AppointmentID, &sv.Score, &sv.Attentive, &sv.Comment, &sv.Skipped, &sv.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSurveyNotFound
		}
		return nil, fmt.Errorf("survey: get by appointment: %w", err)
	}
	return &sv, nil
}

// WriteHistory appends the patient history entry. The unique constraint on
// appointment_id makes the write idempotent under webhook redelivery.
func (s *Store) WriteHistory(ctx context.Context, q Querier, entry HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.q(q).Exec(ctx, `
		INSERT INTO patient_history (
			id, appointment_id, patient_name, visit_date, visit_time,
			specialty, professional, status_snapshot
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (appointment_id) DO NOTHING
	`, entry.ID, entry.AppointmentID, entry.PatientName, entry.VisitDate, entry.VisitTime,
		entry.Specialty, entry.Professional, entry.StatusSnapshot)
	if err != nil {
		return fmt.Errorf("survey: write history: %w", err)
	}
	return nil
}

// CountHistory reports how many history rows exist for an appointment.
func (s *Store) CountHistory(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM patient_history WHERE appointment_id = $1
	`, appointmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("survey: count history: %w", err)
	}
	return n, nil
}
