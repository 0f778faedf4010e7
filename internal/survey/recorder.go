package survey

import (
	"context"
	"fmt"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// Recorder drives the bounded post-confirmation survey and writes the
// patient history fact once the dialog completes.
type Recorder struct {
	store  *Store
	logger *logging.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(store *Store, logger *logging.Logger) *Recorder {
	if store == nil {
		panic("survey: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordScore persists the 1-5 score step. A nil score means the patient
// skipped it.
func (r *Recorder) RecordScore(ctx context.Context, q Querier, appt *campaign.Appointment, score *int) error {
	return r.store.UpsertScore(ctx, q, appt.ID, score, score == nil)
}

// RecordAttention persists the yes/no attention step.
func (r *Recorder) RecordAttention(ctx context.Context, q Querier, appt *campaign.Appointment, attentive *bool) error {
	return r.store.UpsertAttention(ctx, q, appt.ID, attentive, attentive == nil)
}

// Complete closes the survey with the free comment and writes the history
// entry. History is written exactly once per appointment; redelivered
// webhooks hit the conflict branch and change nothing.
func (r *Recorder) Complete(ctx context.Context, q Querier, appt *campaign.Appointment, comment string, skipped bool) error {
	if err := r.store.Finalize(ctx, q, appt.ID, comment, skipped); err != nil {
		return err
	}
	entry := HistoryEntry{
		AppointmentID:  appt.ID,
		PatientName:    appt.PatientName,
		VisitDate:      appt.ScheduledDate,
		Specialty:      appt.Specialty,
		Professional:   appt.Physician,
		StatusSnapshot: string(campaign.StateConfirmed),
	}
	if err := r.store.WriteHistory(ctx, q, entry); err != nil {
		return fmt.Errorf("survey: complete: %w", err)
	}
	r.logger.Info("survey completed", "appointment_id", appt.ID, "skipped", skipped)
	return nil
}
