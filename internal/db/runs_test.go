package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewClientFromDB(raw, zap.NewNop()), mock
}

func TestCreateRun(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(sqlmock.AnyArg(), "run-1", "what is x", "BOOTSTRAP", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req, err := ToJSONB(map[string]interface{}{"query": "what is x"})
	require.NoError(t, err)

	err = client.CreateRun(context.Background(), &ResearchRun{
		RunID:   "run-1",
		Query:   "what is x",
		Status:  "BOOTSTRAP",
		Request: req,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatus(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("run-1", "SEARCH", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, client.UpdateRunStatus(context.Background(), "run-1", "SEARCH"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("missing", "SEARCH", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := client.UpdateRunStatus(context.Background(), "missing", "SEARCH")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveRunResult(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("UPDATE runs SET").
		WithArgs("run-1", "COMPLETE", sqlmock.AnyArg(), sqlmock.AnyArg(), nil,
			2, 7, 3, 1200, 0.05, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	markdown := "# Report\n"
	err := client.SaveRunResult(context.Background(), &ResearchRun{
		RunID:          "run-1",
		Status:         "COMPLETE",
		Result:         JSONB{"ok": true},
		ReportMarkdown: &markdown,
		Iterations:     2,
		EvidenceCount:  7,
		CitationCount:  3,
		TokensUsed:     1200,
		CostUSD:        0.05,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	client, mock := newMockClient(t)

	now := time.Now().UTC()
	cols := []string{
		"id", "run_id", "query", "status", "request", "result", "report_markdown",
		"error_message", "iterations", "evidence_count", "citation_count",
		"tokens_used", "cost_usd", "created_at", "updated_at", "completed_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM runs WHERE run_id").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"2b6d61b2-9a5f-4a7e-9a50-12f3b5c0a111", "run-1", "q", "COMPLETE",
			[]byte(`{"query":"q"}`), []byte(`{"status":"COMPLETE"}`), "# Report",
			nil, 2, 5, 3, 900, 0.01, now, now, now,
		))

	run, err := client.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", run.Status)
	assert.Equal(t, 5, run.EvidenceCount)
	assert.Equal(t, "q", run.Request["query"])
	require.NotNil(t, run.ReportMarkdown)
	assert.Equal(t, "# Report", *run.ReportMarkdown)
}

func TestGetRunNotFound(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE run_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	_, err := client.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveEventLog(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(sqlmock.AnyArg(), "run-1", "SEARCH", "task_started", "iter1-task1",
			"task started", 1, sqlmock.AnyArg(), uint64(4), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	taskID := "iter1-task1"
	err := client.SaveEventLog(context.Background(), &RunEventLog{
		RunID:     "run-1",
		Stage:     "SEARCH",
		Type:      "task_started",
		TaskID:    &taskID,
		Message:   "task started",
		Iteration: 1,
		Seq:       4,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventLogs(t *testing.T) {
	client, mock := newMockClient(t)

	now := time.Now().UTC()
	cols := []string{"id", "run_id", "stage", "type", "task_id", "message", "iteration", "payload", "seq", "timestamp", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM event_logs WHERE run_id").
		WithArgs("run-1", 200).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("4f2c7a10-93ab-47e5-90f1-2a8f6f0e2222", "run-1", "PLAN", "stage_changed", nil, "planning", 1, nil, uint64(1), now, now).
			AddRow("5a1b8c21-04bc-48f6-a102-3b9f7f1e3333", "run-1", "SEARCH", "task_started", "iter1-task1", "started", 1, nil, uint64(2), now, now))

	events, err := client.ListEventLogs(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "stage_changed", events[0].Type)
	assert.Equal(t, uint64(2), events[1].Seq)
	require.NotNil(t, events[1].TaskID)
	assert.Equal(t, "iter1-task1", *events[1].TaskID)
}
