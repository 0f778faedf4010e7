package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmasaude/confirma-platform/internal/messaging"
)

type fakeSender struct {
	state    messaging.InstanceState
	stateErr error
	sendErr  error
	sent     []string
}

func (f *fakeSender) SendText(_ context.Context, _, to, _ string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, to)
	return "MSG-" + to, nil
}

func (f *fakeSender) InstanceStatus(_ context.Context, _ string) (messaging.InstanceState, error) {
	if f.stateErr != nil {
		return messaging.InstanceDisconnected, f.stateErr
	}
	return f.state, nil
}

type fakeEnqueuer struct {
	taskID string
	err    error
	calls  int
}

func (f *fakeEnqueuer) EnqueueDispatch(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.taskID, nil
}

type fakeLocker struct {
	busy bool
}

func (f *fakeLocker) TryAcquireDispatch(_ context.Context, _ uuid.UUID) (func(), error) {
	if f.busy {
		return nil, errors.New("dispatch already running")
	}
	return func() {}, nil
}

func campaignRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "owner_id", "name", "status", "status_msg", "task_id",
		"deleted_at", "deleted_by", "created_at", "updated_at",
	})
}

func addCampaignRow(rows *pgxmock.Rows, id, ownerID uuid.UUID, status Status, taskID string) *pgxmock.Rows {
	now := time.Now()
	return rows.AddRow(id, ownerID, "Agenda Setembro", string(status), "", taskID,
		(*time.Time)(nil), "", now, now)
}

func expectGetCampaign(mock pgxmock.PgxPoolIface, id, ownerID uuid.UUID, status Status, taskID string) {
	mock.ExpectQuery("FROM campaigns").
		WithArgs(id).
		WillReturnRows(addCampaignRow(campaignRows(), id, ownerID, status, taskID))
}

func expectGetOwner(mock pgxmock.PgxPoolIface, ownerID uuid.UUID) {
	now := time.Now()
	mock.ExpectQuery("FROM owners").
		WithArgs(ownerID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "instance_name", "instance_state", "mode", "created_at", "updated_at",
		}).AddRow(ownerID, "Clínica Centro", "clinic-1", "connected", "appointment", now, now))
}

func newDispatcherFixture(t *testing.T, sender Sender, enqueuer DispatchEnqueuer) (*Dispatcher, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	d := NewDispatcher(NewStore(mock), messaging.NewStore(mock), sender, enqueuer, &fakeLocker{}, nil,
		WithInterMessageDelay(0))
	return d, mock
}

func TestDispatchDraftCampaign(t *testing.T) {
	sender := &fakeSender{state: messaging.InstanceConnected}
	enqueuer := &fakeEnqueuer{taskID: "task-1"}
	d, mock := newDispatcherFixture(t, sender, enqueuer)

	campaignID, ownerID := uuid.New(), uuid.New()
	expectGetCampaign(mock, campaignID, ownerID, StatusDraft, "")
	expectGetOwner(mock, ownerID)
	mock.ExpectExec("UPDATE owners SET instance_state").
		WithArgs(ownerID, "connected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, string(StatusDispatching), "envio iniciado").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE campaigns SET task_id").
		WithArgs(campaignID, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	taskID, err := d.Dispatch(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, 1, enqueuer.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAlreadySentIsNoop(t *testing.T) {
	enqueuer := &fakeEnqueuer{taskID: "task-2"}
	d, mock := newDispatcherFixture(t, &fakeSender{state: messaging.InstanceConnected}, enqueuer)

	campaignID := uuid.New()
	expectGetCampaign(mock, campaignID, uuid.New(), StatusSent, "task-original")

	taskID, err := d.Dispatch(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, "task-original", taskID)
	assert.Zero(t, enqueuer.calls)
}

func TestDispatchWhileDispatching(t *testing.T) {
	d, mock := newDispatcherFixture(t, &fakeSender{state: messaging.InstanceConnected}, &fakeEnqueuer{})

	campaignID := uuid.New()
	expectGetCampaign(mock, campaignID, uuid.New(), StatusDispatching, "")

	_, err := d.Dispatch(context.Background(), campaignID)
	assert.ErrorIs(t, err, ErrCampaignNotDispatchable)
}

func TestDispatchInstanceNotConnected(t *testing.T) {
	sender := &fakeSender{state: messaging.InstanceQRPending}
	d, mock := newDispatcherFixture(t, sender, &fakeEnqueuer{})

	campaignID, ownerID := uuid.New(), uuid.New()
	expectGetCampaign(mock, campaignID, ownerID, StatusDraft, "")
	expectGetOwner(mock, ownerID)
	mock.ExpectExec("UPDATE owners SET instance_state").
		WithArgs(ownerID, "qr_pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err := d.Dispatch(context.Background(), campaignID)
	assert.ErrorIs(t, err, ErrInstanceNotConnected)
}

func TestDispatchEnqueueFailureRollsBackStatus(t *testing.T) {
	sender := &fakeSender{state: messaging.InstanceConnected}
	enqueuer := &fakeEnqueuer{err: errors.New("broker unavailable")}
	d, mock := newDispatcherFixture(t, sender, enqueuer)

	campaignID, ownerID := uuid.New(), uuid.New()
	expectGetCampaign(mock, campaignID, ownerID, StatusDraft, "")
	expectGetOwner(mock, ownerID)
	mock.ExpectExec("UPDATE owners SET instance_state").
		WithArgs(ownerID, "connected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, string(StatusDispatching), "envio iniciado").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, string(StatusDraft), "falha ao enfileirar envio").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err := d.Dispatch(context.Background(), campaignID)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDoesNotOverwriteCancelWithSent(t *testing.T) {
	d, mock := newDispatcherFixture(t, &fakeSender{state: messaging.InstanceConnected}, &fakeEnqueuer{})

	campaignID, ownerID := uuid.New(), uuid.New()
	expectGetCampaign(mock, campaignID, ownerID, StatusDispatching, "task-1")
	expectGetOwner(mock, ownerID)
	mock.ExpectQuery("FROM appointments").
		WithArgs(campaignID, defaultDispatchBatchSize).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(campaignID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	// The sent flip is guarded by the current status; a cancel that landed
	// after the last send keeps the campaign canceled.
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, string(StatusSent), "envio concluído", string(StatusDispatching)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, d.Run(context.Background(), campaignID, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	d, mock := newDispatcherFixture(t, &fakeSender{}, &fakeEnqueuer{})

	campaignID := uuid.New()
	expectGetCampaign(mock, campaignID, uuid.New(), StatusDispatching, "task-1")
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, string(StatusCanceled), "cancelada pelo operador").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, d.Cancel(context.Background(), campaignID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAlreadyCanceled(t *testing.T) {
	d, mock := newDispatcherFixture(t, &fakeSender{}, &fakeEnqueuer{})

	campaignID := uuid.New()
	expectGetCampaign(mock, campaignID, uuid.New(), StatusCanceled, "")

	require.NoError(t, d.Cancel(context.Background(), campaignID))
}

func TestCancelSentCampaign(t *testing.T) {
	d, mock := newDispatcherFixture(t, &fakeSender{}, &fakeEnqueuer{})

	campaignID := uuid.New()
	expectGetCampaign(mock, campaignID, uuid.New(), StatusSent, "task-1")

	assert.ErrorIs(t, d.Cancel(context.Background(), campaignID), ErrCampaignNotDispatchable)
}

func TestComposeMessageMentionsMenu(t *testing.T) {
	d, _ := newDispatcherFixture(t, &fakeSender{}, &fakeEnqueuer{})

	text, err := d.composeMessage(
		&Owner{Name: "Clínica Centro"},
		&Appointment{PatientName: "Maria", Specialty: "Cardiologia", ScheduledDate: "2026-09-15"},
	)
	require.NoError(t, err)
	assert.Contains(t, text, "Maria")
	assert.Contains(t, text, "Clínica Centro")
	assert.Contains(t, text, "1 - Confirmar presença")
	assert.Contains(t, text, "4 - Preciso reagendar")
}
