package scheduler

import (
	"context"
	"time"
)

// Outcome classifies a single execution.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is what a backend reports for one submission.
type Result struct {
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Backend executes tasks. Submit blocks until the execution resolved one
// way or another (bounded by the task timeout) and must always release
// whatever capacity it acquired. It is called from per-dispatch
// goroutines, never from the control loop.
type Backend interface {
	Submit(ctx context.Context, t *Task) Result

	// Capacity and Available report worker-permit totals for status
	// snapshots.
	Capacity() int
	Available() int

	Close() error
}

// fallbackReporter is implemented by backends that can fail over to a
// secondary executor. The count surfaces in the status snapshot.
type fallbackReporter interface {
	RemoteFailures() uint64
}
