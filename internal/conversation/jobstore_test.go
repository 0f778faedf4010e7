package conversation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockJobStore(t *testing.T) (*PGJobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPGJobStore(mock), mock
}

func TestPutPending(t *testing.T) {
	store, mock := newMockJobStore(t)
	campaignID := uuid.New()

	mock.ExpectExec("INSERT INTO dispatch_jobs").
		WithArgs("job-1", "dispatch", &campaignID, (*uuid.UUID)(nil), 0, JobStatusPending).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job := &JobRecord{JobID: "job-1", Kind: "dispatch", CampaignID: &campaignID}
	require.NoError(t, store.PutPending(context.Background(), job))
	assert.Equal(t, JobStatusPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompleted(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectExec("UPDATE dispatch_jobs").
		WithArgs("job-1", JobStatusCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkCompleted(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedUnknownJob(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectExec("UPDATE dispatch_jobs").
		WithArgs("missing", JobStatusCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, store.MarkCompleted(context.Background(), "missing"), ErrJobNotFound)
}

func TestMarkFailed(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectExec("UPDATE dispatch_jobs").
		WithArgs("job-2", JobStatusFailed, "send timed out").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailed(context.Background(), "job-2", "send timed out"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasCompletedDispatch(t *testing.T) {
	store, mock := newMockJobStore(t)
	campaignID, apptID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT 1 FROM dispatch_jobs").
		WithArgs(campaignID, apptID, 1, JobStatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	done, err := store.HasCompletedDispatch(context.Background(), campaignID, apptID, 1)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestHasCompletedDispatchNoMatch(t *testing.T) {
	store, mock := newMockJobStore(t)
	campaignID, apptID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT 1 FROM dispatch_jobs").
		WithArgs(campaignID, apptID, 0, JobStatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}))

	done, err := store.HasCompletedDispatch(context.Background(), campaignID, apptID, 0)
	require.NoError(t, err)
	assert.False(t, done)
}
