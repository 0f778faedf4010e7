package events

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*ProcessedStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewProcessedStoreWithExec(mock), mock
}

func TestMarkProcessedFresh(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evolution", "EVT-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	fresh, err := store.MarkProcessed(context.Background(), ProviderEvolution, "EVT-1")
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evolution", "EVT-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	fresh, err := store.MarkProcessed(context.Background(), ProviderEvolution, "EVT-1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestAlreadyProcessed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM processed_events").
		WithArgs("evolution", "EVT-2").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	seen, err := store.AlreadyProcessed(context.Background(), ProviderEvolution, "EVT-2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestForgetReleasesEventID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM processed_events").
		WithArgs("evolution", "EVT-4").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Forget(context.Background(), ProviderEvolution, "EVT-4"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlreadyProcessedMiss(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM processed_events").
		WithArgs("evolution", "EVT-3").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}))

	seen, err := store.AlreadyProcessed(context.Background(), ProviderEvolution, "EVT-3")
	require.NoError(t, err)
	assert.False(t, seen)
}
