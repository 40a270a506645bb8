package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEventLog inserts one event_logs row. Idempotent on (run_id, seq) so
// replayed emissions do not duplicate entries.
func (c *Client) SaveEventLog(ctx context.Context, e *RunEventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, run_id, stage, type, task_id, message, iteration, payload, seq, timestamp, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (run_id, seq) DO NOTHING
    `, e.ID, e.RunID, e.Stage, e.Type, e.TaskID, e.Message, e.Iteration, e.Payload, e.Seq, e.Timestamp, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// ListEventLogs returns a run's events in sequence order, capped at limit.
func (c *Client) ListEventLogs(ctx context.Context, runID string, limit int) ([]RunEventLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var events []RunEventLog
	err := c.db.SelectContext(ctx, &events, `
        SELECT id, run_id, stage, type, task_id, message, iteration, payload, seq, timestamp, created_at
        FROM event_logs WHERE run_id = $1 ORDER BY seq ASC LIMIT $2
    `, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list event logs: %w", err)
	}
	return events, nil
}
