package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// ToJSONB converts any JSON-marshalable value into a JSONB map. Used to store
// typed request/result structs without a second serialization scheme.
func ToJSONB(v interface{}) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal to jsonb: %w", err)
	}
	var out JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal to jsonb: %w", err)
	}
	return out, nil
}

// FromJSONB decodes a JSONB map into a typed struct.
func FromJSONB(j JSONB, out interface{}) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal jsonb: %w", err)
	}
	return json.Unmarshal(data, out)
}

// ResearchRun is the runs table row: one research run's durable record.
type ResearchRun struct {
	ID             uuid.UUID  `db:"id"`
	RunID          string     `db:"run_id"`
	Query          string     `db:"query"`
	Status         string     `db:"status"`
	Request        JSONB      `db:"request"`
	Result         JSONB      `db:"result"`
	ReportMarkdown *string    `db:"report_markdown"`
	ErrorMessage   *string    `db:"error_message"`
	Iterations     int        `db:"iterations"`
	EvidenceCount  int        `db:"evidence_count"`
	CitationCount  int        `db:"citation_count"`
	TokensUsed     int        `db:"tokens_used"`
	CostUSD        float64    `db:"cost_usd"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// RunEventLog is the event_logs table row: one entry of a run's ordered
// progress log.
type RunEventLog struct {
	ID        uuid.UUID `db:"id"`
	RunID     string    `db:"run_id"`
	Stage     string    `db:"stage"`
	Type      string    `db:"type"`
	TaskID    *string   `db:"task_id"`
	Message   string    `db:"message"`
	Iteration int       `db:"iteration"`
	Payload   JSONB     `db:"payload"`
	Seq       uint64    `db:"seq"`
	Timestamp time.Time `db:"timestamp"`
	CreatedAt time.Time `db:"created_at"`
}
