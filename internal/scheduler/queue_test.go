package scheduler

import (
	"testing"
	"time"
)

func TestQueueOrdersByNextRun(t *testing.T) {
	t.Parallel()
	base := time.Now()
	var q taskQueue
	for _, off := range []time.Duration{30 * time.Second, 10 * time.Second, 20 * time.Second} {
		q.pushTask(&Task{id: int64(off / time.Second), nextRun: base.Add(off), index: -1})
	}

	var got []time.Duration
	for {
		tk := q.popTask()
		if tk == nil {
			break
		}
		got = append(got, tk.nextRun.Sub(base))
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("popped %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestQueueTieBreaksById(t *testing.T) {
	t.Parallel()
	at := time.Now().Add(time.Minute)
	var q taskQueue
	q.pushTask(&Task{id: 7, nextRun: at, index: -1})
	q.pushTask(&Task{id: 3, nextRun: at, index: -1})
	q.pushTask(&Task{id: 5, nextRun: at, index: -1})

	var ids []int64
	for tk := q.popTask(); tk != nil; tk = q.popTask() {
		ids = append(ids, tk.id)
	}
	want := []int64{3, 5, 7}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestQueueEmpty(t *testing.T) {
	t.Parallel()
	var q taskQueue
	if tk := q.popTask(); tk != nil {
		t.Fatalf("popTask on empty queue = %+v, want nil", tk)
	}
	if _, ok := q.peekNext(); ok {
		t.Fatal("peekNext on empty queue reported an entry")
	}
}

func TestQueuePopUpdatesIndex(t *testing.T) {
	t.Parallel()
	base := time.Now()
	var q taskQueue
	a := &Task{id: 1, nextRun: base.Add(time.Second), index: -1}
	b := &Task{id: 2, nextRun: base.Add(2 * time.Second), index: -1}
	q.pushTask(a)
	q.pushTask(b)

	if a.index != 0 {
		t.Fatalf("head index = %d, want 0", a.index)
	}
	if got := q.popTask(); got != a {
		t.Fatalf("popTask = task %d, want task %d", got.id, a.id)
	}
	if a.index != -1 {
		t.Fatalf("popped task index = %d, want -1", a.index)
	}
	if b.index != 0 {
		t.Fatalf("remaining task index = %d, want 0", b.index)
	}
}
