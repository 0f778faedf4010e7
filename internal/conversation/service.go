package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/internal/survey"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// Sender is the messaging surface the service needs.
type Sender interface {
	SendText(ctx context.Context, instance, to, text string) (string, error)
	SendMedia(ctx context.Context, instance, to string, data []byte, filename string) (string, error)
}

// transitionRetries bounds how often a raced state transition is retried
// before the webhook delivery is surfaced as failed.
const transitionRetries = 3

// Service resolves inbound replies to appointments and drives the
// conversation state machine. All state changes commit before any reply or
// receipt leaves the building.
type Service struct {
	store     *campaign.Store
	logs      *messaging.Store
	surveys   *survey.Recorder
	sender    Sender
	locks     *Locker
	publisher *Publisher
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger

	receiptData []byte
	receiptName string
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithMetrics wires pipeline counters.
func WithMetrics(m *metrics.CampaignMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithReceiptMedia sets the document sent to the confirming phone after the
// survey completes. Without it the confirmation stays text-only.
func WithReceiptMedia(data []byte, filename string) ServiceOption {
	return func(s *Service) {
		s.receiptData = data
		s.receiptName = filename
	}
}

// NewService builds the inbound processor.
func NewService(store *campaign.Store, logs *messaging.Store, surveys *survey.Recorder, sender Sender, locks *Locker, publisher *Publisher, logger *logging.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic("conversation: campaign store required")
	}
	if logs == nil {
		panic("conversation: message log store required")
	}
	if surveys == nil {
		panic("conversation: survey recorder required")
	}
	if sender == nil {
		panic("conversation: sender required")
	}
	if locks == nil {
		panic("conversation: locker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		store:     store,
		logs:      logs,
		surveys:   surveys,
		sender:    sender,
		locks:     locks,
		publisher: publisher,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnInbound processes one patient reply. Drops (duplicate, unknown instance,
// no pending appointment, ambiguous correlation) return nil so the queue
// deletes the job; real failures return an error for redelivery.
func (s *Service) OnInbound(ctx context.Context, msg InboundMessage) error {
	owner, err := s.store.GetOwnerByInstance(ctx, msg.InstanceName)
	if err != nil {
		if errors.Is(err, campaign.ErrOwnerNotFound) {
			s.logger.Warn("inbound for unknown instance", "instance", msg.InstanceName)
			s.metrics.ObserveInbound("unknown_instance")
			return nil
		}
		return err
	}

	number := messaging.NormalizeNumber(msg.From)
	if number == "" {
		s.logger.Warn("inbound without usable phone", "instance", msg.InstanceName)
		s.metrics.ObserveInbound("bad_phone")
		return nil
	}

	release, err := s.locks.AcquireReply(ctx, owner.ID, number)
	if err != nil {
		return err
	}
	defer release()

	// Idempotency check runs under the lock so a racing duplicate cannot slip
	// past before the first delivery commits its log entry.
	if msg.ProviderMessageID != "" {
		seen, err := s.logs.HasProviderMessage(ctx, msg.ProviderMessageID)
		if err != nil {
			return err
		}
		if seen {
			s.logger.Info("dropping duplicate inbound", "provider_message_id", msg.ProviderMessageID)
			s.metrics.ObserveInbound("duplicate")
			return nil
		}
	}

	var (
		appt    *campaign.Appointment
		phone   *campaign.CandidatePhone
		res     Result
		lastErr error
	)
	for attempt := 0; attempt < transitionRetries; attempt++ {
		appt, phone, err = s.store.FindAppointmentForReply(ctx, owner.ID, number)
		if err != nil {
			switch {
			case errors.Is(err, campaign.ErrNoPendingAppointment):
				s.metrics.ObserveInbound("no_appointment")
				s.sendStockReply(ctx, owner.InstanceName, number)
				return nil
			case errors.Is(err, campaign.ErrAmbiguousCorrelation):
				// Invariant violation somewhere upstream. Drop without
				// replying so nothing leaks across owners.
				s.logger.Error("ambiguous inbound correlation", "owner_id", owner.ID, "phone", number)
				s.metrics.ObserveAmbiguousCorrelation()
				s.metrics.ObserveInbound("ambiguous")
				return nil
			default:
				return err
			}
		}

		res = Transition(appt, msg.Text)
		lastErr = s.commit(ctx, msg, appt, phone, &res)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, campaign.ErrStateConflict) {
			return lastErr
		}
	}
	if lastErr != nil {
		return lastErr
	}

	s.metrics.ObserveInbound("processed")
	if res.Next != appt.State {
		s.metrics.ObserveTransition(string(appt.State), string(res.Next))
	}
	s.runPostCommit(ctx, owner, appt, phone, res.Actions)
	return nil
}

// commit applies the transition, the inbound log entry and the persistent
// survey effects in one transaction.
func (s *Service) commit(ctx context.Context, msg InboundMessage, appt *campaign.Appointment, phone *campaign.CandidatePhone, res *Result) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin inbound tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	patch := res.Patch
	if res.SetConfirmingPhone {
		patch.ConfirmingPhoneID = &phone.ID
	}
	if err := s.store.AdvanceState(ctx, tx, appt.ID, appt.State, res.Next, patch); err != nil {
		return err
	}

	if _, err := s.logs.InsertLog(ctx, tx, messaging.LogRecord{
		CampaignID:        appt.CampaignID,
		AppointmentID:     appt.ID,
		PhoneID:           &phone.ID,
		Direction:         messaging.DirectionIn,
		Body:              msg.Text,
		Status:            messaging.StatusDelivered,
		ProviderMessageID: msg.ProviderMessageID,
	}); err != nil {
		return err
	}

	for _, action := range res.Actions {
		switch action.Type {
		case ActionMarkPhoneNotOwner:
			if err := s.store.MarkPhoneNotOwner(ctx, tx, phone.ID); err != nil {
				return err
			}
		case ActionRecordSurveyScore:
			if err := s.surveys.RecordScore(ctx, tx, appt, action.Score); err != nil {
				return err
			}
		case ActionRecordSurveyAttention:
			if err := s.surveys.RecordAttention(ctx, tx, appt, action.Attentive); err != nil {
				return err
			}
		case ActionCompleteSurvey:
			if err := s.surveys.Complete(ctx, tx, appt, action.Comment, action.Skipped); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit inbound tx: %w", err)
	}
	return nil
}

// runPostCommit executes the outward-facing effects. They are best-effort:
// the state change already committed and a lost reply must not undo it.
func (s *Service) runPostCommit(ctx context.Context, owner *campaign.Owner, appt *campaign.Appointment, phone *campaign.CandidatePhone, actions []Action) {
	for _, action := range actions {
		switch action.Type {
		case ActionReply:
			providerID, err := s.sender.SendText(ctx, owner.InstanceName, phone.Number, action.Text)
			s.logOutbound(ctx, appt, phone, action.Text, providerID, err)
		case ActionSendReceipt:
			if len(s.receiptData) == 0 {
				continue
			}
			target := s.receiptTarget(ctx, appt, phone)
			providerID, err := s.sender.SendMedia(ctx, owner.InstanceName, target.Number, s.receiptData, s.receiptName)
			s.logOutbound(ctx, appt, target, "[comprovante] "+s.receiptName, providerID, err)
		case ActionMarkPhoneNotOwner:
			if s.publisher == nil {
				continue
			}
			// Keyed by the fallback hop, not appt.Attempts: resends leave the
			// attempt counter alone, and two hops must stay distinct jobs.
			hop, err := s.store.CountDisownedPhones(ctx, appt.ID)
			if err != nil {
				s.logger.Error("failed to count disowned phones", "error", err, "appointment_id", appt.ID)
				continue
			}
			if _, err := s.publisher.EnqueueDispatch(ctx, appt.CampaignID, &appt.ID, hop); err != nil {
				s.logger.Error("failed to re-enqueue after not-owner reply", "error", err, "appointment_id", appt.ID)
			}
		}
	}
}

// receiptTarget resolves the phone the receipt goes to: the confirming phone
// when one was recorded, not whichever phone the last survey reply came from.
func (s *Service) receiptTarget(ctx context.Context, appt *campaign.Appointment, replyPhone *campaign.CandidatePhone) *campaign.CandidatePhone {
	if appt.ConfirmingPhoneID == nil || *appt.ConfirmingPhoneID == replyPhone.ID {
		return replyPhone
	}
	confirming, err := s.store.GetCandidatePhone(ctx, *appt.ConfirmingPhoneID)
	if err != nil {
		s.logger.Error("failed to load confirming phone", "error", err, "appointment_id", appt.ID)
		return replyPhone
	}
	return confirming
}

func (s *Service) logOutbound(ctx context.Context, appt *campaign.Appointment, phone *campaign.CandidatePhone, body, providerID string, sendErr error) {
	status := messaging.StatusSent
	if sendErr != nil {
		status = messaging.StatusFailed
		s.logger.Error("failed to send reply", "error", sendErr, "appointment_id", appt.ID)
	}
	s.metrics.ObserveOutbound(status)
	if _, err := s.logs.InsertLog(ctx, nil, messaging.LogRecord{
		CampaignID:        appt.CampaignID,
		AppointmentID:     appt.ID,
		PhoneID:           &phone.ID,
		Direction:         messaging.DirectionOut,
		Body:              body,
		Status:            status,
		ProviderMessageID: providerID,
	}); err != nil {
		s.logger.Error("failed to log outbound reply", "error", err, "appointment_id", appt.ID)
	}
}

func (s *Service) sendStockReply(ctx context.Context, instance, number string) {
	if _, err := s.sender.SendText(ctx, instance, number, ReplyNoPending); err != nil {
		s.logger.Warn("failed to send stock reply", "error", err, "to", number)
	}
}
