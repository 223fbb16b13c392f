package scheduler

import (
	"context"
	"time"
)

// Job is the work a task performs. Arguments are captured in the closure
// when the task is added. Jobs must honor ctx cancellation; a job that
// ignores it past the stuck threshold gets its task force-removed.
type Job func(ctx context.Context) error

// Task is one periodic entry. All fields except the counters are owned by
// the control loop and only touched under the scheduler mutex.
type Task struct {
	id       int64
	name     string
	interval time.Duration
	timeout  time.Duration
	run      Job

	// payload, when set, is a serializable job descriptor the remote
	// backend can ship. Tasks without one always run locally.
	payload []byte

	// Heap bookkeeping. nextRun is the heap key; index is maintained by
	// the heap's Swap. removed is the tombstone flag: one-way, the heap
	// entry is discarded when it surfaces at pop.
	nextRun time.Time
	index   int
	removed bool

	// Execution bookkeeping. lastRun is stamped when a dispatch starts.
	// errors counts failures and timeouts and is never reset.
	running bool
	lastRun time.Time
	errors  uint64
	lastErr string
}

// TaskOption adjusts an added task.
type TaskOption func(*Task)

// WithTimeout bounds a single execution of this task. Zero or negative
// falls back to the scheduler default.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// WithPayload attaches a serializable job descriptor so a remote backend
// can execute this task out of process.
func WithPayload(b []byte) TaskOption {
	return func(t *Task) { t.payload = b }
}

// TaskInfo is a point-in-time copy of a task's bookkeeping.
type TaskInfo struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	NextRun  time.Time     `json:"next_run"`
	LastRun  time.Time     `json:"last_run"`
	Running  bool          `json:"running"`
	Errors   uint64        `json:"errors"`
	LastErr  string        `json:"last_error,omitempty"`
}

// info snapshots the task. Caller holds the scheduler mutex.
func (t *Task) info() TaskInfo {
	return TaskInfo{
		ID:       t.id,
		Name:     t.name,
		Interval: t.interval,
		Timeout:  t.timeout,
		NextRun:  t.nextRun,
		LastRun:  t.lastRun,
		Running:  t.running,
		Errors:   t.errors,
		LastErr:  t.lastErr,
	}
}
