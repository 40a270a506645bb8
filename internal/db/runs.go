package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// CreateRun inserts the initial row for a research run. Idempotent on run_id
// so workflow replays do not duplicate rows.
func (c *Client) CreateRun(ctx context.Context, run *ResearchRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO runs (
            id, run_id, query, status, request, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (run_id) DO NOTHING
    `, run.ID, run.RunID, run.Query, run.Status, run.Request, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus records a stage transition.
func (c *Client) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := c.db.ExecContext(ctx, `
        UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1
    `, runID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveRunResult writes the terminal state of a run: status, report, result
// payload, and aggregate metrics.
func (c *Client) SaveRunResult(ctx context.Context, run *ResearchRun) error {
	now := time.Now().UTC()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	res, err := c.db.ExecContext(ctx, `
        UPDATE runs SET
            status = $2,
            result = $3,
            report_markdown = $4,
            error_message = $5,
            iterations = $6,
            evidence_count = $7,
            citation_count = $8,
            tokens_used = $9,
            cost_usd = $10,
            completed_at = $11,
            updated_at = $12
        WHERE run_id = $1
    `, run.RunID, run.Status, run.Result, run.ReportMarkdown, run.ErrorMessage,
		run.Iterations, run.EvidenceCount, run.CitationCount, run.TokensUsed,
		run.CostUSD, run.CompletedAt, now)
	if err != nil {
		return fmt.Errorf("save run result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads one run row by run ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*ResearchRun, error) {
	var run ResearchRun
	err := c.db.GetContext(ctx, &run, `
        SELECT id, run_id, query, status, request, result, report_markdown,
               error_message, iterations, evidence_count, citation_count,
               tokens_used, cost_usd, created_at, updated_at, completed_at
        FROM runs WHERE run_id = $1
    `, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRecentRuns returns the newest runs, most recent first.
func (c *Client) ListRecentRuns(ctx context.Context, limit int) ([]ResearchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ResearchRun
	err := c.db.SelectContext(ctx, &runs, `
        SELECT id, run_id, query, status, request, result, report_markdown,
               error_message, iterations, evidence_count, citation_count,
               tokens_used, cost_usd, created_at, updated_at, completed_at
        FROM runs ORDER BY created_at DESC LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
