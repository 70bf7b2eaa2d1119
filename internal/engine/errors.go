package engine

import (
	"errors"
	"fmt"
)

// ErrBatchActive is returned when a batch is submitted while another one is
// still running. Only one batch owns the gate at a time.
var ErrBatchActive = errors.New("a batch is already being processed")

// ErrResolutionUnknown is returned when the prober cannot determine the
// dimensions of an extracted segment.
var ErrResolutionUnknown = errors.New("could not determine segment resolution")

// ValidationError reports a malformed job descriptor. Validation failures
// surface at submission, before any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

// stageError ties an angle failure to the pipeline stage it happened in.
type stageError struct {
	stage AngleStatus
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }
