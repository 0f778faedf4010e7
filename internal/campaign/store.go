package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/confirmasaude/confirma-platform/internal/messaging"
)

// Querier abstracts the pgx query surface so stores can run against a pool,
// a transaction, or a pgxmock pool in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists owners, campaigns, appointments and candidate phones.
type Store struct {
	pool PgxPool
}

// NewStore builds a Store backed by pgxpool.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("campaign: pgx pool required")
	}
	return &Store{pool: pool}
}

// Begin opens a transaction on the underlying pool.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *Store) q(q Querier) Querier {
	if q == nil {
		return s.pool
	}
	return q
}

// GetOwner loads an owner by id.
func (s *Store) GetOwner(ctx context.Context, id uuid.UUID) (*Owner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, instance_name, instance_state, mode, created_at, updated_at
		FROM owners
		WHERE id = $1
	`, id)
	return scanOwner(row)
}

// GetOwnerByInstance resolves the tenant that owns a messaging instance.
func (s *Store) GetOwnerByInstance(ctx context.Context, instanceName string) (*Owner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, instance_name, instance_state, mode, created_at, updated_at
		FROM owners
		WHERE instance_name = $1
	`, instanceName)
	return scanOwner(row)
}

// UpdateInstanceState stores the latest provider connection state for an owner.
func (s *Store) UpdateInstanceState(ctx context.Context, ownerID uuid.UUID, state messaging.InstanceState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE owners SET instance_state = $2, updated_at = now()
		WHERE id = $1
	`, ownerID, string(state))
	if err != nil {
		return fmt.Errorf("campaign: update instance state: %w", err)
	}
	return nil
}

func scanOwner(row pgx.Row) (*Owner, error) {
	var o Owner
	var state, mode string
	if err := row.Scan(&o.ID, &o.Name, &o.InstanceName, &state, &mode, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("campaign: scan owner: %w", err)
	}
	o.InstanceState = messaging.InstanceState(state)
	o.Mode = OwnerMode(mode)
	return &o, nil
}

// CreateCampaign inserts a draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, q Querier, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	row := s.q(q).QueryRow(ctx, `
		INSERT INTO campaigns (id, owner_id, name, status, status_msg, task_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, c.ID, c.OwnerID, c.Name, string(c.Status), c.StatusMsg, c.TaskID)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("campaign: insert campaign: %w", err)
	}
	return nil
}

const campaignColumns = `id, owner_id, name, status, status_msg, task_id, deleted_at, deleted_by, created_at, updated_at`

// GetCampaign loads a campaign, excluding soft-deleted rows.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanCampaign(row)
}

// GetCampaignAny loads a campaign regardless of soft-delete state. Used by the
// restore path only.
func (s *Store) GetCampaignAny(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1
	`, id)
	return scanCampaign(row)
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var status string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &status, &c.StatusMsg, &c.TaskID,
		&c.DeletedAt, &c.DeletedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("campaign: scan campaign: %w", err)
	}
	c.Status = Status(status)
	return &c, nil
}

// UpdateCampaignStatus sets the lifecycle status and operator-visible message.
func (s *Store) UpdateCampaignStatus(ctx context.Context, q Querier, id uuid.UUID, status Status, statusMsg string) error {
	tag, err := s.q(q).Exec(ctx, `
		UPDATE campaigns SET status = $2, status_msg = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, string(status), statusMsg)
	if err != nil {
		return fmt.Errorf("campaign: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// MarkCampaignSent completes a dispatch run. Only a campaign still in
// dispatching moves; a cancel that landed after the final send wins. Returns
// whether the status changed.
func (s *Store) MarkCampaignSent(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, status_msg = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND deleted_at IS NULL
	`, id, string(StatusSent), "envio concluído", string(StatusDispatching))
	if err != nil {
		return false, fmt.Errorf("campaign: mark campaign sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCampaignTask records the queue task handle assigned on dispatch.
func (s *Store) SetCampaignTask(ctx context.Context, q Querier, id uuid.UUID, taskID string) error {
	_, err := s.q(q).Exec(ctx, `
		UPDATE campaigns SET task_id = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, taskID)
	if err != nil {
		return fmt.Errorf("campaign: set task id: %w", err)
	}
	return nil
}

// SoftDeleteCampaign marks a campaign deleted; child rows stay referenceable.
func (s *Store) SoftDeleteCampaign(ctx context.Context, id uuid.UUID, by string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET deleted_at = now(), deleted_by = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, by)
	if err != nil {
		return fmt.Errorf("campaign: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// RestoreCampaign clears the soft-delete triple.
func (s *Store) RestoreCampaign(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET deleted_at = NULL, deleted_by = '', updated_at = now()
		WHERE id = $1 AND deleted_at IS NOT NULL
	`, id)
	if err != nil {
		return fmt.Errorf("campaign: restore: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// ListActiveCampaigns returns the owner's campaigns that are not soft-deleted.
func (s *Store) ListActiveCampaigns(ctx context.Context, ownerID uuid.UUID) ([]Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("campaign: list active: %w", err)
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		var status string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &status, &c.StatusMsg, &c.TaskID,
			&c.DeletedAt, &c.DeletedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("campaign: scan campaign row: %w", err)
		}
		c.Status = Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// BulkInsertAppointments inserts the imported rows for a campaign.
func (s *Store) BulkInsertAppointments(ctx context.Context, q Querier, campaignID uuid.UUID, appts []Appointment) error {
	qq := s.q(q)
	for i := range appts {
		a := &appts[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.CampaignID = campaignID
		if a.State == "" {
			a.State = StatePending
		}
		_, err := qq.Exec(ctx, `
			INSERT INTO appointments (
				id, campaign_id, position, master_code, external_code,
				patient_name, specialty, physician, scheduled_date, visit_type, state
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, a.ID, a.CampaignID, a.Position, a.MasterCode, a.ExternalCode,
			a.PatientName, a.Specialty, a.Physician, a.ScheduledDate, string(a.VisitType), string(a.State))
		if err != nil {
			return fmt.Errorf("campaign: insert appointment: %w", err)
		}
	}
	return nil
}

// BulkInsertPhones inserts candidate phones for an appointment.
func (s *Store) BulkInsertPhones(ctx context.Context, q Querier, phones []CandidatePhone) error {
	qq := s.q(q)
	for i := range phones {
		p := &phones[i]
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		_, err := qq.Exec(ctx, `
			INSERT INTO candidate_phones (id, appointment_id, number, priority)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (appointment_id, number) DO NOTHING
		`, p.ID, p.AppointmentID, p.Number, p.Priority)
		if err != nil {
			return fmt.Errorf("campaign: insert candidate phone: %w", err)
		}
	}
	return nil
}

const appointmentColumns = `id, campaign_id, position, master_code, external_code,
		patient_name, specialty, physician, scheduled_date, visit_type, state,
		attempts, state_retries, last_attempt_at, confirming_phone_id,
		reject_reason, new_date, new_time, reschedule_reason, canceled_no_reply,
		created_at, updated_at`

// GetAppointment loads a single appointment.
func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var visitType, state string
	if err := row.Scan(
		&a.ID, &a.CampaignID, &a.Position, &a.MasterCode, &a.ExternalCode,
		&a.PatientName, &a.Specialty, &a.Physician, &a.ScheduledDate, &visitType, &state,
		&a.Attempts, &a.StateRetries, &a.LastAttemptAt, &a.ConfirmingPhoneID,
		&a.RejectReason, &a.NewDate, &a.NewTime, &a.RescheduleReason, &a.CanceledNoReply,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("campaign: scan appointment: %w", err)
	}
	a.VisitType = VisitType(visitType)
	a.State = State(state)
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		var a Appointment
		var visitType, state string
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.Position, &a.MasterCode, &a.ExternalCode,
			&a.PatientName, &a.Specialty, &a.Physician, &a.ScheduledDate, &visitType, &state,
			&a.Attempts, &a.StateRetries, &a.LastAttemptAt, &a.ConfirmingPhoneID,
			&a.RejectReason, &a.NewDate, &a.NewTime, &a.RescheduleReason, &a.CanceledNoReply,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("campaign: scan appointment row: %w", err)
		}
		a.VisitType = VisitType(visitType)
		a.State = State(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListPendingAppointments returns the campaign's unsent appointments in
// dispatch order. The ordering is stable across retries.
func (s *Store) ListPendingAppointments(ctx context.Context, campaignID uuid.UUID, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE campaign_id = $1 AND state = 'pending'
		ORDER BY position ASC, id ASC
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign: list pending: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// CountPendingAppointments reports how many appointments have not left pending.
func (s *Store) CountPendingAppointments(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE campaign_id = $1 AND state = 'pending'
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("campaign: count pending: %w", err)
	}
	return n, nil
}

// NextCandidatePhone picks the lowest-priority phone that was not yet sent to
// and was not disowned by the patient.
func (s *Store) NextCandidatePhone(ctx context.Context, appointmentID uuid.UUID) (*CandidatePhone, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, appointment_id, number, priority, sent, not_owner, message_id, created_at
		FROM candidate_phones
		WHERE appointment_id = $1 AND sent = false AND not_owner = false
		ORDER BY priority ASC, id ASC
		LIMIT 1
	`, appointmentID)
	var p CandidatePhone
	if err := row.Scan(&p.ID, &p.AppointmentID, &p.Number, &p.Priority, &p.Sent, &p.NotOwner, &p.MessageID, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCandidatePhone
		}
		return nil, fmt.Errorf("campaign: next candidate phone: %w", err)
	}
	return &p, nil
}

// GetCandidatePhone loads a single phone row.
func (s *Store) GetCandidatePhone(ctx context.Context, id uuid.UUID) (*CandidatePhone, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, appointment_id, number, priority, sent, not_owner, message_id, created_at
		FROM candidate_phones
		WHERE id = $1
	`, id)
	var p CandidatePhone
	if err := row.Scan(&p.ID, &p.AppointmentID, &p.Number, &p.Priority, &p.Sent, &p.NotOwner, &p.MessageID, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCandidatePhone
		}
		return nil, fmt.Errorf("campaign: get candidate phone: %w", err)
	}
	return &p, nil
}

// MarkPhoneSent flags the phone as used and stores the provider message id.
func (s *Store) MarkPhoneSent(ctx context.Context, q Querier, phoneID uuid.UUID, providerMessageID string) error {
	_, err := s.q(q).Exec(ctx, `
		UPDATE candidate_phones SET sent = true, message_id = $2
		WHERE id = $1
	`, phoneID, providerMessageID)
	if err != nil {
		return fmt.Errorf("campaign: mark phone sent: %w", err)
	}
	return nil
}

// MarkPhoneNotOwner records that the patient declared the number is not theirs.
func (s *Store) MarkPhoneNotOwner(ctx context.Context, q Querier, phoneID uuid.UUID) error {
	_, err := s.q(q).Exec(ctx, `
		UPDATE candidate_phones SET not_owner = true
		WHERE id = $1
	`, phoneID)
	if err != nil {
		return fmt.Errorf("campaign: mark phone not owner: %w", err)
	}
	return nil
}

// CountDisownedPhones reports how many of an appointment's phones were marked
// not_owner. The count keys the re-dispatch job after a not-mine reply so
// every fallback hop is a distinct job.
func (s *Store) CountDisownedPhones(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM candidate_phones
		WHERE appointment_id = $1 AND not_owner = true
	`, appointmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("campaign: count disowned phones: %w", err)
	}
	return n, nil
}

// CountActiveOwnersForNumber counts distinct other owners holding the number in
// a non-terminal conversation. Used to enforce the one-active-owner-per-number
// rule before dispatching.
func (s *Store) CountActiveOwnersForNumber(ctx context.Context, number string, excludeOwner uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT c.owner_id)
		FROM candidate_phones p
		JOIN appointments a ON a.id = p.appointment_id
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE p.number = $1
			AND c.owner_id <> $2
			AND c.deleted_at IS NULL
			AND a.state = ANY($3)
	`, number, excludeOwner, activeStates).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("campaign: count active owners for number: %w", err)
	}
	return n, nil
}

// FindAppointmentForReply resolves (owner, phone) to the appointment awaiting a
// reply. More than one match means invariant 1 was violated somewhere and the
// reply must be rejected as ambiguous.
func (s *Store) FindAppointmentForReply(ctx context.Context, ownerID uuid.UUID, number string) (*Appointment, *CandidatePhone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualifiedAppointmentColumns+`,
			p.id, p.appointment_id, p.number, p.priority, p.sent, p.not_owner, p.message_id, p.created_at
		FROM appointments a
		JOIN candidate_phones p ON p.appointment_id = a.id
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE c.owner_id = $1
			AND c.deleted_at IS NULL
			AND p.number = $2
			AND a.state = ANY($3)
		ORDER BY a.updated_at DESC
	`, ownerID, number, activeStates)
	if err != nil {
		return nil, nil, fmt.Errorf("campaign: find appointment for reply: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	var phones []CandidatePhone
	for rows.Next() {
		var a Appointment
		var p CandidatePhone
		var visitType, state string
		if err := rows.Scan(
			&a.ID, &a.CampaignID, &a.Position, &a.MasterCode, &a.ExternalCode,
			&a.PatientName, &a.Specialty, &a.Physician, &a.ScheduledDate, &visitType, &state,
			&a.Attempts, &a.StateRetries, &a.LastAttemptAt, &a.ConfirmingPhoneID,
			&a.RejectReason, &a.NewDate, &a.NewTime, &a.RescheduleReason, &a.CanceledNoReply,
			&a.CreatedAt, &a.UpdatedAt,
			&p.ID, &p.AppointmentID, &p.Number, &p.Priority, &p.Sent, &p.NotOwner, &p.MessageID, &p.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("campaign: scan reply candidate: %w", err)
		}
		a.VisitType = VisitType(visitType)
		a.State = State(state)
		appts = append(appts, a)
		phones = append(phones, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("campaign: find appointment for reply: %w", err)
	}
	switch len(appts) {
	case 0:
		return nil, nil, ErrNoPendingAppointment
	case 1:
		return &appts[0], &phones[0], nil
	default:
		return nil, nil, ErrAmbiguousCorrelation
	}
}

const qualifiedAppointmentColumns = `a.id, a.campaign_id, a.position, a.master_code, a.external_code,
		a.patient_name, a.specialty, a.physician, a.scheduled_date, a.visit_type, a.state,
		a.attempts, a.state_retries, a.last_attempt_at, a.confirming_phone_id,
		a.reject_reason, a.new_date, a.new_time, a.reschedule_reason, a.canceled_no_reply,
		a.created_at, a.updated_at`

// ListStaleAwaiting returns appointments still awaiting a first response whose
// last attempt is older than the cutoff, restricted to live campaigns.
func (s *Store) ListStaleAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualifiedAppointmentColumns+`
		FROM appointments a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE a.state = 'awaiting_response'
			AND a.last_attempt_at < $1
			AND c.deleted_at IS NULL
			AND c.status IN ('dispatching', 'sent')
		ORDER BY a.last_attempt_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign: list stale awaiting: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// LastSentPhone returns the phone most recently dispatched for an appointment.
func (s *Store) LastSentPhone(ctx context.Context, appointmentID uuid.UUID) (*CandidatePhone, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, appointment_id, number, priority, sent, not_owner, message_id, created_at
		FROM candidate_phones
		WHERE appointment_id = $1 AND sent = true AND not_owner = false
		ORDER BY priority DESC, id DESC
		LIMIT 1
	`, appointmentID)
	var p CandidatePhone
	if err := row.Scan(&p.ID, &p.AppointmentID, &p.Number, &p.Priority, &p.Sent, &p.NotOwner, &p.MessageID, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCandidatePhone
		}
		return nil, fmt.Errorf("campaign: last sent phone: %w", err)
	}
	return &p, nil
}

// AdvanceState applies a state transition inside the caller's transaction. The
// current row is read with FOR UPDATE; if a from-state is given and no longer
// matches, ErrStateConflict is returned and nothing is written.
func (s *Store) AdvanceState(ctx context.Context, q Querier, id uuid.UUID, from, to State, patch StatePatch) error {
	qq := s.q(q)

	var current string
	if err := qq.QueryRow(ctx, `
		SELECT state FROM appointments WHERE id = $1 FOR UPDATE
	`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAppointmentNotFound
		}
		return fmt.Errorf("campaign: lock appointment: %w", err)
	}
	if from != "" && State(current) != from {
		return ErrStateConflict
	}

	attemptDelta := 0
	if patch.IncrementAttempts {
		attemptDelta = 1
	}
	retryDelta := 0
	if patch.IncrementStateRetries {
		retryDelta = 1
	}
	var lastAttempt *time.Time
	if patch.TouchLastAttempt {
		now := time.Now().UTC()
		lastAttempt = &now
	}

	_, err := qq.Exec(ctx, `
		UPDATE appointments SET
			state = $2,
			reject_reason = COALESCE($3, reject_reason),
			new_date = COALESCE($4, new_date),
			new_time = COALESCE($5, new_time),
			reschedule_reason = COALESCE($6, reschedule_reason),
			confirming_phone_id = COALESCE($7, confirming_phone_id),
			attempts = attempts + $8,
			state_retries = CASE WHEN $9 THEN 0 ELSE state_retries + $10 END,
			last_attempt_at = COALESCE($11, last_attempt_at),
			canceled_no_reply = COALESCE($12, canceled_no_reply),
			updated_at = now()
		WHERE id = $1
	`, id, string(to),
		patch.RejectReason, patch.NewDate, patch.NewTime, patch.RescheduleReason,
		patch.ConfirmingPhoneID, attemptDelta, patch.ResetStateRetries, retryDelta,
		lastAttempt, patch.CanceledNoReply)
	if err != nil {
		return fmt.Errorf("campaign: advance state: %w", err)
	}
	return nil
}

// Advance runs AdvanceState in its own transaction, retrying a bounded number
// of times when the transition races with another writer.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, from, to State, patch StatePatch) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("campaign: begin advance tx: %w", err)
		}
		err = s.AdvanceState(ctx, tx, id, from, to, patch)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				lastErr = fmt.Errorf("campaign: commit advance: %w", err)
				continue
			}
			return nil
		}
		_ = tx.Rollback(ctx)
		if !errors.Is(err, ErrStateConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
