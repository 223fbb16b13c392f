package scheduler

import "errors"

var (
	ErrBadInterval    = errors.New("scheduler: interval must be > 0")
	ErrNilJob         = errors.New("scheduler: job must not be nil")
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrStopping       = errors.New("scheduler: stopping")

	// ErrPermitWait marks an execution that never got a worker permit
	// within the task timeout.
	ErrPermitWait = errors.New("scheduler: timed out waiting for worker permit")

	// ErrRunTimeout marks an execution that got a permit but did not
	// finish within the task timeout.
	ErrRunTimeout = errors.New("scheduler: run timed out")

	// ErrRemoteUnavailable wraps transport failures submitting to the
	// remote executor. Executions hitting it are retried locally once.
	ErrRemoteUnavailable = errors.New("scheduler: remote executor unavailable")
)
