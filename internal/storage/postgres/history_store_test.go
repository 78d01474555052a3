package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bmie/internal/store"
)

func newMockStore(t *testing.T) (*HistoryStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewHistoryStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestUpsertRunStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectExec("INSERT INTO run_history").
		WithArgs(runID, "sitemap", now, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), runID, "sitemap", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1_700_000_100, 0).UTC()
	summary := "Processed 2 of 2 URLs"

	mock.ExpectExec("UPDATE run_history").
		WithArgs(now, store.RunCompleted, &summary, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.CompleteRun(context.Background(), runID, now, store.RunCompleted, &summary))

	mock.ExpectExec("UPDATE run_history").
		WithArgs(now, store.RunFailed, (*string)(nil), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.CompleteRun(context.Background(), runID, now, store.RunFailed, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSiteStatsSpreadsStatusClass(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	at := time.Unix(1_700_000_050, 0).UTC()

	mock.ExpectExec("INSERT INTO run_site_stats").
		WithArgs(runID, "example.com", at, int64(3), int64(6), int64(0),
			int64(0), int64(0), int64(0), int64(3), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertSiteStats(context.Background(), runID, "example.com", store.SiteDelta{
		Attempts: 3, Artifacts: 6, StatusClass: "5xx", At: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	err = s.UpsertSiteStats(context.Background(), runID, "example.com", store.SiteDelta{StatusClass: "1xx"})
	require.ErrorContains(t, err, "unknown status class")
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	started := time.Unix(1_700_000_000, 0).UTC()
	finished := started.Add(time.Minute)
	summary := "Analysis completed"

	mock.ExpectQuery("SELECT id, kind, started_at").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "started_at", "finished_at", "status", "summary"}).
			AddRow(runID, "analysis", started, &finished, store.RunCompleted, &summary))

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, "analysis", run.Kind)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, store.RunCompleted, run.Status)

	mock.ExpectQuery("SELECT id, kind, started_at").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectQuery("SELECT id, kind, started_at").
		WithArgs(runID).
		WillReturnError(errors.New("connection lost"))
	_, err = s.GetRun(context.Background(), runID)
	require.ErrorContains(t, err, "connection lost")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1_700_000_000, 0).UTC()
	status := store.RunAborted
	filter := string(status)

	mock.ExpectQuery("FROM run_history").
		WithArgs(&filter, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "started_at", "finished_at", "status", "summary"}).
			AddRow(uuid.New(), "list", started, (*time.Time)(nil), store.RunAborted, (*string)(nil)).
			AddRow(uuid.New(), "single", started.Add(-time.Hour), (*time.Time)(nil), store.RunAborted, (*string)(nil)))

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "list", runs[0].Kind)

	mock.ExpectQuery("FROM run_history").
		WithArgs((*string)(nil), 5, 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "started_at", "finished_at", "status", "summary"}))
	runs, err = s.ListRuns(context.Background(), nil, 5, 5)
	require.NoError(t, err)
	require.NotNil(t, runs)
	require.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunSites(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("FROM run_site_stats").
		WithArgs(runID, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "site", "last_update", "attempts", "artifacts", "retries",
			"status_2xx", "status_3xx", "status_4xx", "status_5xx", "status_other",
		}).AddRow(runID, "example.com", at, int64(4), int64(6), int64(1),
			int64(3), int64(0), int64(0), int64(1), int64(0)))

	sites, err := s.ListRunSites(context.Background(), runID, 50, 0)
	require.NoError(t, err)
	require.Equal(t, []store.SiteStats{{
		RunID: runID, Site: "example.com", LastUpdate: at, Attempts: 4, Artifacts: 6, Retries: 1,
		Status2xx: 3, Status5xx: 1,
	}}, sites)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS run_history").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mock.ExpectQuery("SELECT 1").WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewHistoryStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewHistoryStore(context.Background(), HistoryStoreConfig{})
	require.ErrorContains(t, err, "dsn")
	_, err = NewHistoryStore(context.Background(), HistoryStoreConfig{DSN: "://bad"})
	require.Error(t, err)
	_, err = NewHistoryStoreWithPool(nil)
	require.Error(t, err)
}
