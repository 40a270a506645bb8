// Package activities implements the Temporal activities behind a research run:
// planning, subagent task execution, iteration synthesis, report drafting,
// event emission, and persistence.
package activities

import (
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/provider"
	"github.com/fathomlab/fathom/internal/streaming"
)

// Activities holds dependencies shared by all activity implementations.
type Activities struct {
	provider *provider.Client
	store    *db.Client
	streams  *streaming.Manager
	logger   *zap.Logger
}

// NewActivities wires the activity set. store may be nil for memory-only runs
// (tests, local development without Postgres).
func NewActivities(p *provider.Client, store *db.Client, streams *streaming.Manager, logger *zap.Logger) *Activities {
	if streams == nil {
		streams = streaming.Get()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{provider: p, store: store, streams: streams, logger: logger}
}

// truncateStr truncates a string to maxLen for log fields.
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
