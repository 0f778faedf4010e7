package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier abstracts the pgx query surface for pool, tx and pgxmock.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Direction of a logged message.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Delivery statuses recorded in the message log.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// LogRecord is one directional entry tied to campaign, appointment and phone.
type LogRecord struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	AppointmentID     uuid.UUID
	PhoneID           *uuid.UUID
	Direction         string
	Body              string
	Status            string
	ProviderMessageID string
	CreatedAt         time.Time
}

// Store persists the append-only message log.
type Store struct {
	pool Querier
}

// NewStore builds a message log store.
func NewStore(pool Querier) *Store {
	if pool == nil {
		panic("messaging: pgx pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) q(q Querier) Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// InsertLog appends one entry.
func (s *Store) InsertLog(ctx context.Context, q Querier, rec LogRecord) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.q(q).Exec(ctx, `
		INSERT INTO message_logs (id, campaign_id, appointment_id, phone_id, direction, body, status, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.CampaignID, rec.AppointmentID, rec.PhoneID, rec.Direction, rec.Body, rec.Status, rec.ProviderMessageID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("messaging: insert log: %w", err)
	}
	return rec.ID, nil
}

// HasProviderMessage checks whether a provider message id was already logged.
// Used as the inbound idempotency key.
func (s *Store) HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return false, nil
	}
	var exists int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM message_logs
		WHERE provider_message_id = $1
		LIMIT 1
	`, providerMessageID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("messaging: check provider message: %w", err)
	}
	return true, nil
}

// UpdateLogStatus records a delivery receipt for an outbound message.
func (s *Store) UpdateLogStatus(ctx context.Context, providerMessageID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE message_logs SET status = $2
		WHERE provider_message_id = $1 AND direction = 'out'
	`, providerMessageID, status)
	if err != nil {
		return fmt.Errorf("messaging: update log status: %w", err)
	}
	return nil
}

// ListByAppointment returns the conversation log for one appointment, oldest first.
func (s *Store) ListByAppointment(ctx context.Context, appointmentID uuid.UUID, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, appointment_id, phone_id, direction, body, status, provider_message_id, created_at
		FROM message_logs
		WHERE appointment_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, appointmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: list by appointment: %w", err)
	}
	defer rows.Close()
	var out []LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.AppointmentID, &rec.PhoneID,
			&rec.Direction, &rec.Body, &rec.Status, &rec.ProviderMessageID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan log record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
