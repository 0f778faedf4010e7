package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/internal/messaging/templates"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// ReminderTemplate re-pings a patient who never answered. The menu must stay
// in sync with the conversation parser.
const ReminderTemplate = `Olá, {{.PatientName}}! Ainda não recebemos sua resposta sobre a consulta de {{.Specialty}} em {{.Date}}.
Por favor, responda com o número de uma das opções:
1 - Confirmar presença
2 - Não poderei comparecer
3 - Este não é meu telefone
4 - Preciso reagendar`

// ClosureMessage goes out when the attempt cap is reached and the
// appointment is closed without a reply.
const ClosureMessage = "Não conseguimos confirmar sua consulta por falta de resposta. " +
	"Caso ainda deseje o atendimento, entre em contato com a clínica. Obrigado!"

type sweepStore interface {
	ListStaleAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]campaign.Appointment, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	GetOwner(ctx context.Context, id uuid.UUID) (*campaign.Owner, error)
	LastSentPhone(ctx context.Context, appointmentID uuid.UUID) (*campaign.CandidatePhone, error)
	Advance(ctx context.Context, id uuid.UUID, from, to campaign.State, patch campaign.StatePatch) error
}

type messageLogger interface {
	InsertLog(ctx context.Context, q messaging.Querier, rec messaging.LogRecord) (uuid.UUID, error)
}

type textSender interface {
	SendText(ctx context.Context, instance, to, text string) (string, error)
}

// Sweeper periodically re-contacts appointments stuck in awaiting_response
// and closes the ones that exhausted their attempts.
type Sweeper struct {
	store    sweepStore
	logs     messageLogger
	sender   textSender
	renderer templates.Renderer
	metrics  *metrics.CampaignMetrics
	logger   *logging.Logger

	interval    time.Duration
	retryAfter  time.Duration
	maxAttempts int
	batchSize   int
}

// New builds a Sweeper with the default cadence.
func New(store sweepStore, logs messageLogger, sender textSender, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:       store,
		logs:        logs,
		sender:      sender,
		logger:      logger,
		interval:    6 * time.Hour,
		retryAfter:  24 * time.Hour,
		maxAttempts: 3,
		batchSize:   100,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithRetryAfter(d time.Duration) *Sweeper {
	if d > 0 {
		s.retryAfter = d
	}
	return s
}

func (s *Sweeper) WithMaxAttempts(n int) *Sweeper {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.CampaignMetrics) *Sweeper {
	s.metrics = m
	return s
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Sweep processes one batch of stale appointments. Returns how many were
// touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retryAfter)
	appts, err := s.store.ListStaleAwaiting(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(appts) == 0 {
		return 0, nil
	}

	s.logger.Info("sweeping stale appointments", "count", len(appts))

	processed := 0
	for i := range appts {
		appt := &appts[i]
		if err := s.processOne(ctx, appt); err != nil {
			s.logger.Error("failed to process stale appointment",
				"appointment_id", appt.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Sweeper) processOne(ctx context.Context, appt *campaign.Appointment) error {
	c, err := s.store.GetCampaign(ctx, appt.CampaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			return nil
		}
		return err
	}
	if c.Status == campaign.StatusCanceled {
		return nil
	}
	owner, err := s.store.GetOwner(ctx, c.OwnerID)
	if err != nil {
		return err
	}
	phone, err := s.store.LastSentPhone(ctx, appt.ID)
	if err != nil {
		if errors.Is(err, campaign.ErrNoCandidatePhone) {
			// Every contacted phone was later disowned; there is nobody left
			// to re-ping, so close now instead of skipping forever.
			s.logger.Warn("stale appointment has no usable phone, closing", "appointment_id", appt.ID)
			return s.closeNoReply(ctx, owner, appt, nil)
		}
		return err
	}

	if appt.Attempts >= s.maxAttempts {
		return s.closeNoReply(ctx, owner, appt, phone)
	}
	return s.rePing(ctx, owner, appt, phone)
}

// rePing resends the confirmation prompt to the same phone and counts the
// attempt. A failed send is left for the next sweep.
func (s *Sweeper) rePing(ctx context.Context, owner *campaign.Owner, appt *campaign.Appointment, phone *campaign.CandidatePhone) error {
	text, err := s.renderer.Render("reminder", ReminderTemplate, map[string]string{
		"PatientName": appt.PatientName,
		"Specialty":   appt.Specialty,
		"Date":        appt.ScheduledDate,
	})
	if err != nil {
		return err
	}

	providerID, sendErr := s.sender.SendText(ctx, owner.InstanceName, phone.Number, text)
	if sendErr != nil {
		s.metrics.ObserveOutbound(messaging.StatusFailed)
		s.logger.Warn("reminder send failed", "appointment_id", appt.ID, "error", sendErr)
		return nil
	}

	if err := s.store.Advance(ctx, appt.ID, campaign.StateAwaitingResponse, campaign.StateAwaitingResponse, campaign.StatePatch{
		IncrementAttempts: true,
		TouchLastAttempt:  true,
	}); err != nil {
		return err
	}
	s.metrics.ObserveOutbound(messaging.StatusSent)
	s.logMessage(ctx, appt, phone, text, providerID, messaging.StatusSent)
	s.logger.Info("reminder sent", "appointment_id", appt.ID, "attempt", appt.Attempts+1)
	return nil
}

// closeNoReply finishes the conversation and sends a courteous closure
// message. A nil phone means no reachable number remains and the send is
// skipped.
func (s *Sweeper) closeNoReply(ctx context.Context, owner *campaign.Owner, appt *campaign.Appointment, phone *campaign.CandidatePhone) error {
	canceled := true
	if err := s.store.Advance(ctx, appt.ID, campaign.StateAwaitingResponse, campaign.StateCanceledNoReply, campaign.StatePatch{
		CanceledNoReply: &canceled,
	}); err != nil {
		return err
	}
	s.metrics.ObserveTransition(string(campaign.StateAwaitingResponse), string(campaign.StateCanceledNoReply))

	if phone == nil {
		s.logger.Info("appointment closed without reply", "appointment_id", appt.ID)
		return nil
	}

	providerID, sendErr := s.sender.SendText(ctx, owner.InstanceName, phone.Number, ClosureMessage)
	status := messaging.StatusSent
	if sendErr != nil {
		status = messaging.StatusFailed
		s.logger.Warn("closure send failed", "appointment_id", appt.ID, "error", sendErr)
	}
	s.logMessage(ctx, appt, phone, ClosureMessage, providerID, status)
	s.logger.Info("appointment closed without reply", "appointment_id", appt.ID)
	return nil
}

func (s *Sweeper) logMessage(ctx context.Context, appt *campaign.Appointment, phone *campaign.CandidatePhone, body, providerID, status string) {
	if s.logs == nil {
		return
	}
	if _, err := s.logs.InsertLog(ctx, nil, messaging.LogRecord{
		CampaignID:        appt.CampaignID,
		AppointmentID:     appt.ID,
		PhoneID:           &phone.ID,
		Direction:         messaging.DirectionOut,
		Body:              body,
		Status:            status,
		ProviderMessageID: providerID,
	}); err != nil {
		s.logger.Error("failed to log sweeper message", "error", err, "appointment_id", appt.ID)
	}
}
