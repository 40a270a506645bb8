package activities

import (
	"context"

	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
)

// EmitRunEventInput publishes one run progress event. Seq is assigned by the
// workflow so the persisted log stays dense and replay-stable.
type EmitRunEventInput struct {
	RunID string          `json:"run_id"`
	Event models.RunEvent `json:"event"`
}

// EmitRunEvent fans the event out to live subscribers and appends it to the
// durable event log. Stage transitions persist synchronously; progress events
// go through the async write queue.
func (a *Activities) EmitRunEvent(ctx context.Context, input EmitRunEventInput) error {
	evt := input.Event
	if evt.Type == "citation_integrity_failed" {
		metrics.CitationIntegrityFailures.Inc()
	}

	a.streams.Publish(input.RunID, streaming.Event{
		Stage:     string(evt.Stage),
		Type:      evt.Type,
		TaskID:    evt.TaskID,
		Message:   evt.Message,
		Iteration: evt.Iteration,
		Data:      evt.Metrics,
		Timestamp: evt.Timestamp,
	})

	if a.store == nil {
		return nil
	}

	row := &db.RunEventLog{
		RunID:     input.RunID,
		Stage:     string(evt.Stage),
		Type:      evt.Type,
		Message:   evt.Message,
		Iteration: evt.Iteration,
		Seq:       uint64(evt.Seq),
		Timestamp: evt.Timestamp,
	}
	if evt.TaskID != "" {
		taskID := evt.TaskID
		row.TaskID = &taskID
	}
	if len(evt.Metrics) > 0 {
		row.Payload = db.JSONB(evt.Metrics)
	}

	if evt.Type == "stage_transition" {
		if err := a.store.SaveEventLog(ctx, row); err != nil {
			return persistErr(err, "save stage event")
		}
		return nil
	}
	a.store.QueueEventLog(row)
	return nil
}
