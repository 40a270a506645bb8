package models

import (
	"errors"
	"fmt"
)

// Error type names carried across the activity boundary as the application
// error "type" so the workflow can branch on failure class.
const (
	ErrTypeProvider          = "ProviderError"
	ErrTypeFetch             = "FetchError"
	ErrTypePlanning          = "PlanningError"
	ErrTypeCitationIntegrity = "CitationIntegrityError"
	ErrTypePersistence       = "PersistenceError"
)

// ProviderError is a transient capability failure (model call, search backend).
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider %s: %v", e.Op, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// FetchError is a single-page retrieval failure. Task-scoped and non-fatal:
// the task degrades instead of aborting.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// PlanningError means the planner produced no usable plan while budget remained
// and no evidence exists yet. One retry is allowed before it becomes fatal.
type PlanningError struct {
	Iteration int
	Reason    string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed at iteration %d: %s", e.Iteration, e.Reason)
}

// CitationIntegrityError means the draft references a marker with no backing
// source. Always fatal; markers are never silently dropped.
type CitationIntegrityError struct {
	Marker int
	Max    int
}

func (e *CitationIntegrityError) Error() string {
	return fmt.Sprintf("citation marker [%d] has no source (ledger has %d entries)", e.Marker, e.Max)
}

// PersistenceError wraps a memory-store write failure for required state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// IsCitationIntegrity reports whether err is a citation integrity failure.
func IsCitationIntegrity(err error) bool {
	var ce *CitationIntegrityError
	return errors.As(err, &ce)
}
