package scheduler

import "time"

// State is the dispatcher lifecycle. Transitions are one-directional per
// run: stopped -> running -> stopping -> stopped.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// TaskEvent is the bus payload for task lifecycle events
// ("task.completed", "task.failed", "task.timed_out", "task.stuck").
type TaskEvent struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler for status endpoints.
type Snapshot struct {
	State string `json:"state"`

	// Execution pool.
	Workers          int `json:"workers"`
	AvailableWorkers int `json:"available_workers"`

	// TasksQueued counts heap entries including tombstones awaiting their
	// sweep; TasksTotal counts live tasks.
	TasksTotal  int `json:"tasks_total"`
	TasksQueued int `json:"tasks_queued"`

	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	ErrorTotal uint64 `json:"error_total"`

	OverlapSkips    uint64 `json:"overlap_skips"`
	StuckRemoved    uint64 `json:"stuck_removed"`
	TombstonesSwept uint64 `json:"tombstones_swept"`

	// RemoteFailures is nonzero only with the remote backend: submissions
	// that fell back to the local pool.
	RemoteFailures uint64 `json:"remote_failures,omitempty"`
}
