package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/internal/messaging/templates"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// Sender is the messaging surface the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, instance, to, text string) (string, error)
	InstanceStatus(ctx context.Context, instance string) (messaging.InstanceState, error)
}

// DispatchEnqueuer publishes dispatch jobs onto the queue.
type DispatchEnqueuer interface {
	EnqueueDispatch(ctx context.Context, campaignID uuid.UUID, appointmentID *uuid.UUID, attempt int) (string, error)
}

// DispatchLocker enforces one running dispatch per owner.
type DispatchLocker interface {
	TryAcquireDispatch(ctx context.Context, ownerID uuid.UUID) (func(), error)
}

// DefaultMessageTemplate is the confirmation prompt sent to each candidate
// phone. The menu numbers must match the conversation parser.
const DefaultMessageTemplate = `Olá, {{.PatientName}}! Aqui é da {{.OwnerName}}.
Você tem uma consulta de {{.Specialty}} agendada para {{.Date}}.
Por favor, responda com o número de uma das opções:
1 - Confirmar presença
2 - Não poderei comparecer
3 - Este não é meu telefone
4 - Preciso reagendar`

const (
	defaultSendRetries       = 5
	defaultDispatchBatchSize = 500
	defaultInterMessageDelay = 3 * time.Second
)

type dispatcherConfig struct {
	interMessageDelay time.Duration
	sendRetries       int
	batchSize         int
	template          string
	metrics           *metrics.CampaignMetrics
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*dispatcherConfig)

// WithInterMessageDelay sets the pause between sends for provider pacing.
func WithInterMessageDelay(d time.Duration) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if d >= 0 {
			cfg.interMessageDelay = d
		}
	}
}

// WithSendRetries caps the transient-failure retries per phone.
func WithSendRetries(n int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if n > 0 {
			cfg.sendRetries = n
		}
	}
}

// WithBatchSize sets how many pending appointments are loaded per pass.
func WithBatchSize(n int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if n > 0 {
			cfg.batchSize = n
		}
	}
}

// WithMessageTemplate overrides the outbound confirmation template.
func WithMessageTemplate(tmpl string) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if tmpl != "" {
			cfg.template = tmpl
		}
	}
}

// WithDispatchMetrics wires pipeline counters.
func WithDispatchMetrics(m *metrics.CampaignMetrics) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		cfg.metrics = m
	}
}

// Dispatcher turns a start-campaign request into an ordered stream of sends
// and tracks the campaign's terminal state.
type Dispatcher struct {
	store    *Store
	logs     *messaging.Store
	sender   Sender
	enqueuer DispatchEnqueuer
	locks    DispatchLocker
	renderer templates.Renderer
	logger   *logging.Logger
	cfg      dispatcherConfig
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store *Store, logs *messaging.Store, sender Sender, enqueuer DispatchEnqueuer, locks DispatchLocker, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if store == nil {
		panic("campaign: store required")
	}
	if logs == nil {
		panic("campaign: message log store required")
	}
	if sender == nil {
		panic("campaign: sender required")
	}
	if locks == nil {
		panic("campaign: dispatch locker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := dispatcherConfig{
		interMessageDelay: defaultInterMessageDelay,
		sendRetries:       defaultSendRetries,
		batchSize:         defaultDispatchBatchSize,
		template:          DefaultMessageTemplate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:    store,
		logs:     logs,
		sender:   sender,
		enqueuer: enqueuer,
		locks:    locks,
		logger:   logger,
		cfg:      cfg,
	}
}

// Dispatch validates preconditions, flips the campaign to dispatching and
// enqueues the run. Returns the task handle. Dispatching a campaign that is
// already sent is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID uuid.UUID) (string, error) {
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	switch c.Status {
	case StatusSent:
		return c.TaskID, nil
	case StatusDraft, StatusCanceled:
	default:
		return "", fmt.Errorf("%w: status %s", ErrCampaignNotDispatchable, c.Status)
	}

	owner, err := d.store.GetOwner(ctx, c.OwnerID)
	if err != nil {
		return "", err
	}
	state, err := d.sender.InstanceStatus(ctx, owner.InstanceName)
	if err != nil {
		return "", fmt.Errorf("campaign: check instance state: %w", err)
	}
	if upErr := d.store.UpdateInstanceState(ctx, owner.ID, state); upErr != nil {
		d.logger.Warn("failed to store instance state", "error", upErr, "owner_id", owner.ID)
	}
	if state != messaging.InstanceConnected {
		return "", fmt.Errorf("%w: instance %s is %s", ErrInstanceNotConnected, owner.InstanceName, state)
	}

	if err := d.store.UpdateCampaignStatus(ctx, nil, c.ID, StatusDispatching, "envio iniciado"); err != nil {
		return "", err
	}
	if d.enqueuer == nil {
		return "", errors.New("campaign: no dispatch queue configured")
	}
	taskID, err := d.enqueuer.EnqueueDispatch(ctx, c.ID, nil, 0)
	if err != nil {
		// Roll the status back so the operator can retry.
		_ = d.store.UpdateCampaignStatus(ctx, nil, c.ID, c.Status, "falha ao enfileirar envio")
		return "", err
	}
	if err := d.store.SetCampaignTask(ctx, nil, c.ID, taskID); err != nil {
		d.logger.Warn("failed to record task handle", "error", err, "campaign_id", c.ID)
	}
	d.logger.Info("campaign dispatch enqueued", "campaign_id", c.ID, "task_id", taskID)
	return taskID, nil
}

// Cancel flips the campaign to canceled. The running task observes the flag
// between sends; the in-flight send is not interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case StatusCanceled:
		return nil
	case StatusSent:
		return fmt.Errorf("%w: already sent", ErrCampaignNotDispatchable)
	}
	return d.store.UpdateCampaignStatus(ctx, nil, c.ID, StatusCanceled, "cancelada pelo operador")
}

// Run executes a dispatch job. With appointmentID set only that appointment
// is (re)sent; otherwise all pending appointments go out in stable order.
func (d *Dispatcher) Run(ctx context.Context, campaignID uuid.UUID, appointmentID *uuid.UUID) error {
	started := time.Now()
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	owner, err := d.store.GetOwner(ctx, c.OwnerID)
	if err != nil {
		return err
	}

	release, err := d.locks.TryAcquireDispatch(ctx, owner.ID)
	if err != nil {
		return err
	}
	defer release()

	if appointmentID != nil {
		appt, err := d.store.GetAppointment(ctx, *appointmentID)
		if err != nil {
			return err
		}
		if appt.State != StatePending && appt.State != StateAwaitingResponse {
			d.logger.Info("skipping resend: appointment no longer active",
				"appointment_id", appt.ID, "state", appt.State)
			return nil
		}
		return d.sendToAppointment(ctx, owner, c, appt)
	}

	for {
		appts, err := d.store.ListPendingAppointments(ctx, c.ID, d.cfg.batchSize)
		if err != nil {
			return err
		}
		if len(appts) == 0 {
			break
		}
		for i := range appts {
			// Cooperative cancel: re-read the status between appointments.
			cur, err := d.store.GetCampaign(ctx, c.ID)
			if err != nil {
				return err
			}
			if cur.Status == StatusCanceled {
				d.logger.Info("campaign canceled mid-dispatch", "campaign_id", c.ID)
				return nil
			}

			if err := d.sendToAppointment(ctx, owner, c, &appts[i]); err != nil {
				return err
			}
			if err := sleepCtx(ctx, d.cfg.interMessageDelay); err != nil {
				return err
			}
		}
	}

	pending, err := d.store.CountPendingAppointments(ctx, c.ID)
	if err != nil {
		return err
	}
	if pending == 0 {
		moved, err := d.store.MarkCampaignSent(ctx, c.ID)
		if err != nil {
			return err
		}
		if !moved {
			// A cancel landed between the last send and here; keep it.
			d.logger.Info("campaign left dispatching mid-run, not marking sent", "campaign_id", c.ID)
		}
	}
	d.cfg.metrics.ObserveDispatchDuration(time.Since(started).Seconds())
	d.logger.Info("campaign dispatch finished", "campaign_id", c.ID, "pending_left", pending)
	return nil
}

// sendToAppointment walks the appointment's candidate phones in priority
// order until one send succeeds or no usable phone remains.
func (d *Dispatcher) sendToAppointment(ctx context.Context, owner *Owner, c *Campaign, appt *Appointment) error {
	tried := false
	for {
		phone, err := d.store.NextCandidatePhone(ctx, appt.ID)
		if err != nil {
			if errors.Is(err, ErrNoCandidatePhone) {
				return d.markUndeliverable(ctx, appt, tried)
			}
			return err
		}

		// A number may only be live under one owner at a time; a collision
		// means another clinic is mid-conversation with it.
		active, err := d.store.CountActiveOwnersForNumber(ctx, phone.Number, owner.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			d.logger.Warn("phone active under another owner, skipping",
				"appointment_id", appt.ID, "phone", phone.Number)
			// Excluded the same way a disowned number is, so the selection
			// query stops offering it.
			if err := d.store.MarkPhoneNotOwner(ctx, nil, phone.ID); err != nil {
				return err
			}
			tried = true
			continue
		}

		text, err := d.composeMessage(owner, appt)
		if err != nil {
			return err
		}

		providerID, sendErr := d.sendWithRetry(ctx, owner.InstanceName, phone.Number, text)
		if sendErr != nil {
			d.cfg.metrics.ObserveOutbound(messaging.StatusFailed)
			d.logger.Warn("send failed, advancing to next phone",
				"appointment_id", appt.ID, "phone", phone.Number, "error", sendErr)
			if _, logErr := d.logs.InsertLog(ctx, nil, messaging.LogRecord{
				CampaignID:    c.ID,
				AppointmentID: appt.ID,
				PhoneID:       &phone.ID,
				Direction:     messaging.DirectionOut,
				Body:          text,
				Status:        messaging.StatusFailed,
			}); logErr != nil {
				d.logger.Error("failed to log failed send", "error", logErr, "appointment_id", appt.ID)
			}
			if err := d.store.MarkPhoneSent(ctx, nil, phone.ID, ""); err != nil {
				return err
			}
			tried = true
			continue
		}

		return d.commitSend(ctx, c, appt, phone, text, providerID)
	}
}

func (d *Dispatcher) markUndeliverable(ctx context.Context, appt *Appointment, tried bool) error {
	if appt.State != StatePending {
		// Re-dispatch after a not-mine reply ran out of phones; the
		// conversation stays where it is and the sweeper closes it later.
		d.logger.Warn("no candidate phone left for resend", "appointment_id", appt.ID)
		return nil
	}
	to := StateNoPhone
	if tried {
		to = StateSendFailed
	}
	if err := d.store.Advance(ctx, appt.ID, StatePending, to, StatePatch{}); err != nil {
		return err
	}
	d.cfg.metrics.ObserveTransition(string(StatePending), string(to))
	return nil
}

// commitSend records the successful send and the state change in one
// transaction.
func (d *Dispatcher) commitSend(ctx context.Context, c *Campaign, appt *Appointment, phone *CandidatePhone, text, providerID string) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("campaign: begin send tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := d.store.MarkPhoneSent(ctx, tx, phone.ID, providerID); err != nil {
		return err
	}
	if _, err := d.logs.InsertLog(ctx, tx, messaging.LogRecord{
		CampaignID:        c.ID,
		AppointmentID:     appt.ID,
		PhoneID:           &phone.ID,
		Direction:         messaging.DirectionOut,
		Body:              text,
		Status:            messaging.StatusSent,
		ProviderMessageID: providerID,
	}); err != nil {
		return err
	}

	patch := StatePatch{TouchLastAttempt: true}
	if appt.State == StatePending {
		// First contact; a resend after a not-mine reply is not a re-ping.
		patch.IncrementAttempts = true
	}
	if err := d.store.AdvanceState(ctx, tx, appt.ID, appt.State, StateAwaitingResponse, patch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("campaign: commit send tx: %w", err)
	}

	d.cfg.metrics.ObserveOutbound(messaging.StatusSent)
	if appt.State != StateAwaitingResponse {
		d.cfg.metrics.ObserveTransition(string(appt.State), string(StateAwaitingResponse))
	}
	return nil
}

// sendWithRetry retries transient failures with exponential backoff. Auth and
// permanent failures surface immediately; an exhausted budget counts as
// permanent for this phone.
func (d *Dispatcher) sendWithRetry(ctx context.Context, instance, to, text string) (string, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < d.cfg.sendRetries; attempt++ {
		providerID, err := d.sender.SendText(ctx, instance, to, text)
		if err == nil {
			return providerID, nil
		}
		lastErr = err
		if messaging.ClassifyError(err) != messaging.ErrorTransient {
			return "", err
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return "", err
		}
		backoff *= 2
	}
	return "", lastErr
}

func (d *Dispatcher) composeMessage(owner *Owner, appt *Appointment) (string, error) {
	return d.renderer.Render("confirmation", d.cfg.template, map[string]string{
		"PatientName": appt.PatientName,
		"OwnerName":   owner.Name,
		"Specialty":   appt.Specialty,
		"Date":        appt.ScheduledDate,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
