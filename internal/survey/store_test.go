package survey

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestUpsertScore(t *testing.T) {
	store, mock := newMockStore(t)
	apptID := uuid.New()
	score := 4

	mock.ExpectExec("INSERT INTO satisfaction_surveys").
		WithArgs(pgxmock.AnyArg(), apptID, &score, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertScore(context.Background(), nil, apptID, &score, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertScoreSkipped(t *testing.T) {
	store, mock := newMockStore(t)
	apptID := uuid.New()

	mock.ExpectExec("INSERT INTO satisfaction_surveys").
		WithArgs(pgxmock.AnyArg(), apptID, (*int)(nil), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertScore(context.Background(), nil, apptID, nil, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByAppointment(t *testing.T) {
	store, mock := newMockStore(t)
	apptID := uuid.New()
	score := 5
	attentive := true

	mock.ExpectQuery("SELECT id, appointment_id, score, attentive, comment, skipped, created_at").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "appointment_id", "score", "attentive", "comment", "skipped", "created_at",
		}).AddRow(uuid.New(), apptID, &score, &attentive, "tudo certo", false, time.Now()))

	sv, err := store.GetByAppointment(context.Background(), apptID)
	require.NoError(t, err)
	require.NotNil(t, sv.Score)
	assert.Equal(t, 5, *sv.Score)
	require.NotNil(t, sv.Attentive)
	assert.True(t, *sv.Attentive)
	assert.Equal(t, "tudo certo", sv.Comment)
}

func TestGetByAppointmentNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	apptID := uuid.New()

	mock.ExpectQuery("SELECT id, appointment_id, score").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetByAppointment(context.Background(), apptID)
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}

func TestRecorderCompleteWritesHistoryOnce(t *testing.T) {
	store, mock := newMockStore(t)
	recorder := NewRecorder(store, nil)

	appt := &campaign.Appointment{
		ID:            uuid.New(),
		PatientName:   "Maria",
		ScheduledDate: "2026-09-15",
		Specialty:     "Cardiologia",
		Physician:     "Dr. Souza",
	}

	mock.ExpectExec("INSERT INTO satisfaction_surveys").
		WithArgs(pgxmock.AnyArg(), appt.ID, "ótimo atendimento", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO patient_history").
		WithArgs(pgxmock.AnyArg(), appt.ID, "Maria", "2026-09-15", "",
			"Cardiologia", "Dr. Souza", string(campaign.StateConfirmed)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, recorder.Complete(context.Background(), nil, appt, "ótimo atendimento", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteHistoryRedeliveryIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	entry := HistoryEntry{AppointmentID: uuid.New(), PatientName: "José"}

	// Second delivery hits ON CONFLICT DO NOTHING.
	mock.ExpectExec("INSERT INTO patient_history").
		WithArgs(pgxmock.AnyArg(), entry.AppointmentID, "José", "", "", "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.WriteHistory(context.Background(), nil, entry))
	require.NoError(t, mock.ExpectationsWereMet())
}
