package scheduler

import (
	"container/heap"
	"time"
)

// taskQueue is a binary min-heap of tasks ordered by nextRun (ties broken
// by id so ordering is stable). It holds tombstoned entries until they
// surface at pop; the control loop discards them there. Rescheduling is
// always pop, set nextRun, push; entries are never re-keyed in place.
type taskQueue []*Task

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].nextRun.Equal(q[j].nextRun) {
		return q[i].id < q[j].id
	}
	return q[i].nextRun.Before(q[j].nextRun)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// pushTask inserts a task. Caller holds the scheduler mutex.
func (q *taskQueue) pushTask(t *Task) { heap.Push(q, t) }

// popTask removes and returns the earliest task, or nil when empty.
// Caller holds the scheduler mutex.
func (q *taskQueue) popTask() *Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

// peekNext reports the earliest nextRun without removing it.
// Caller holds the scheduler mutex.
func (q taskQueue) peekNext() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].nextRun, true
}
