package batch

import "errors"

var (
	// ErrRunInProgress is returned when a selection or a new run is requested
	// while a run is active.
	ErrRunInProgress = errors.New("batch run already in progress")

	// ErrRunCanceled is returned by Process when its run was abandoned by
	// Cancel before every worker finished.
	ErrRunCanceled = errors.New("batch run canceled")
)
