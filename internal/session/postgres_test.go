package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/mediaharvest/harvester/internal/harvest"
)

func TestPostgresStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "harvest_sessions")
	require.NoError(t, err)

	snap := sampleSnapshot("run-1")
	body, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO harvest_sessions").
		WithArgs(snap.RunID, snap.SavedAt, body).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadDecodesSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "harvest_sessions")
	require.NoError(t, err)

	want := sampleSnapshot("run-2")
	body, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT snapshot FROM harvest_sessions").
		WithArgs("run-2").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(body))

	got, err := store.Load(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(nil, "t")
	require.Error(t, err)

	_, err = NewPostgresStoreWithPool(mock, "bad-table;drop")
	require.Error(t, err)

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)

	require.Error(t, store.Save(context.Background(), harvest.Snapshot{}))
	_, err = store.Load(context.Background(), "")
	require.Error(t, err)
}
