package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

func TestSaveAnalysisInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive := NewWithDB(mock, nil)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO analyses").
		WithArgs("acme_1_aaaaaaaa", "acme", "product_analysis", "completed", []byte(`{"count":1}`), int64(1500), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = archive.SaveAnalysis(context.Background(), Record{
		TaskID:      "acme_1_aaaaaaaa",
		ClientID:    "acme",
		Type:        models.TypeProductAnalysis,
		Status:      models.StatusCompleted,
		Result:      json.RawMessage(`{"count":1}`),
		DurationMS:  1500,
		CompletedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAnalysisRequiresTaskID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewWithDB(mock, nil).SaveAnalysis(context.Background(), Record{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"task_id", "client_id", "task_type", "status", "result", "duration_ms", "completed_at"}).
		AddRow("acme_2_bbbbbbbb", "acme", "keyword_analysis", "completed", []byte(`{"scraped":3}`), int64(900), now).
		AddRow("acme_1_aaaaaaaa", "acme", "product_analysis", "failed", []byte(`{"error":"x"}`), int64(10), now.Add(-time.Hour))
	mock.ExpectQuery("SELECT task_id, client_id").
		WithArgs("acme", DefaultLimit).
		WillReturnRows(rows)

	records, err := NewWithDB(mock, nil).History(context.Background(), "acme", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, models.TypeKeywordAnalysis, records[0].Type)
	require.JSONEq(t, `{"scraped":3}`, string(records[0].Result))
	require.Equal(t, models.StatusFailed, records[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT task_id").WithArgs("acme", 10).WillReturnError(errors.New("connection lost"))

	_, err = NewWithDB(mock, nil).History(context.Background(), "acme", 10)
	require.ErrorContains(t, err, "connection lost")
}

func TestObserveArchivesCompletion(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	c := worker.Completion{
		Task:        models.Task{ID: "acme_1_aaaaaaaa", ClientID: "acme", Type: models.TypeProductAnalysis},
		Status:      models.StatusCompleted,
		Output:      map[string]any{"count": 2},
		Duration:    2 * time.Second,
		CompletedAt: now,
	}

	mock.ExpectExec("INSERT INTO analyses").
		WithArgs("acme_1_aaaaaaaa", "acme", "product_analysis", "completed", []byte(`{"count":2}`), int64(2000), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO analysis_events").
		WithArgs("acme_1_aaaaaaaa", "completed", "handled in 2s").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewWithDB(mock, nil).Observe(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}
