package conversation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

type recordingSender struct {
	textTo  []string
	mediaTo []string
}

func (r *recordingSender) SendText(_ context.Context, _, to, _ string) (string, error) {
	r.textTo = append(r.textTo, to)
	return "MSG-text", nil
}

func (r *recordingSender) SendMedia(_ context.Context, _, to string, _ []byte, _ string) (string, error) {
	r.mediaTo = append(r.mediaTo, to)
	return "MSG-media", nil
}

func newServiceFixture(t *testing.T) (*Service, pgxmock.PgxPoolIface, *recordingSender, *MemoryQueue) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	queue := NewMemoryQueue(16)
	sender := &recordingSender{}
	svc := &Service{
		store:     campaign.NewStore(mock),
		logs:      messaging.NewStore(mock),
		sender:    sender,
		publisher: NewPublisher(queue, nil, nil),
		logger:    logging.Default(),
	}
	return svc, mock, sender, queue
}

func phoneRow(id, apptID uuid.UUID, number string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "appointment_id", "number", "priority", "sent", "not_owner", "message_id", "created_at",
	}).AddRow(id, apptID, number, 1, true, false, "MSG-1", time.Now())
}

func TestReceiptGoesToConfirmingPhone(t *testing.T) {
	svc, mock, sender, _ := newServiceFixture(t)
	svc.receiptData = []byte("%PDF")
	svc.receiptName = "comprovante.pdf"

	confirmingID := uuid.New()
	appt := &campaign.Appointment{
		ID:                uuid.New(),
		CampaignID:        uuid.New(),
		ConfirmingPhoneID: &confirmingID,
	}
	// The survey comment came in from a different candidate phone of the
	// same appointment; the receipt must still reach the confirming one.
	replyPhone := &campaign.CandidatePhone{ID: uuid.New(), Number: "5531988880000"}
	owner := &campaign.Owner{InstanceName: "clinic-1"}

	mock.ExpectQuery("FROM candidate_phones").
		WithArgs(confirmingID).
		WillReturnRows(phoneRow(confirmingID, appt.ID, "5531999990000"))
	mock.ExpectExec("INSERT INTO message_logs").
		WithArgs(pgxmock.AnyArg(), appt.CampaignID, appt.ID, &confirmingID,
			messaging.DirectionOut, "[comprovante] comprovante.pdf", messaging.StatusSent, "MSG-media").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	svc.runPostCommit(context.Background(), owner, appt, replyPhone, []Action{{Type: ActionSendReceipt}})

	assert.Equal(t, []string{"5531999990000"}, sender.mediaTo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiptFallsBackToReplyPhone(t *testing.T) {
	svc, mock, sender, _ := newServiceFixture(t)
	svc.receiptData = []byte("%PDF")
	svc.receiptName = "comprovante.pdf"

	appt := &campaign.Appointment{ID: uuid.New(), CampaignID: uuid.New()}
	replyPhone := &campaign.CandidatePhone{ID: uuid.New(), Number: "5531988880000"}
	owner := &campaign.Owner{InstanceName: "clinic-1"}

	mock.ExpectExec("INSERT INTO message_logs").
		WithArgs(pgxmock.AnyArg(), appt.CampaignID, appt.ID, &replyPhone.ID,
			messaging.DirectionOut, "[comprovante] comprovante.pdf", messaging.StatusSent, "MSG-media").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	svc.runPostCommit(context.Background(), owner, appt, replyPhone, []Action{{Type: ActionSendReceipt}})

	assert.Equal(t, []string{"5531988880000"}, sender.mediaTo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func receiveDispatch(t *testing.T, queue *MemoryQueue) *DispatchJob {
	t.Helper()
	msgs, err := queue.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload queuePayload
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &payload))
	require.Equal(t, jobKindDispatch, payload.Kind)
	require.NotNil(t, payload.Dispatch)
	return payload.Dispatch
}

func TestNotOwnerRedispatchKeysEachFallbackHop(t *testing.T) {
	svc, mock, _, queue := newServiceFixture(t)

	// Resends leave the attempt counter alone, so two consecutive not-mine
	// replies must still produce jobs with distinct idempotency keys.
	appt := &campaign.Appointment{ID: uuid.New(), CampaignID: uuid.New(), Attempts: 1}
	phone := &campaign.CandidatePhone{ID: uuid.New(), Number: "5531988880000"}
	owner := &campaign.Owner{InstanceName: "clinic-1"}

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(appt.ID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	svc.runPostCommit(context.Background(), owner, appt, phone, []Action{{Type: ActionMarkPhoneNotOwner}})

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(appt.ID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	svc.runPostCommit(context.Background(), owner, appt, phone, []Action{{Type: ActionMarkPhoneNotOwner}})

	first := receiveDispatch(t, queue)
	second := receiveDispatch(t, queue)
	assert.Equal(t, appt.CampaignID, first.CampaignID)
	require.NotNil(t, first.AppointmentID)
	assert.Equal(t, appt.ID, *first.AppointmentID)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}
