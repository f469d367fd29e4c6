package scan

import "errors"

var (
	// ErrNotFound reports a missing scan, task or cache entry.
	ErrNotFound = errors.New("not found")

	// ErrNoQueuedTask reports an empty claim poll; it is the idle path,
	// not a failure.
	ErrNoQueuedTask = errors.New("no queued task")

	// ErrTaskSettled rejects status transitions out of a terminal state.
	ErrTaskSettled = errors.New("task already settled")

	// ErrUnknownTaskType rejects analysis types outside the enumeration.
	ErrUnknownTaskType = errors.New("unknown task type")
)
