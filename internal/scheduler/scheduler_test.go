package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

func testConfig() Config {
	return Config{
		Workers:        4,
		DefaultTimeout: time.Second,
		StuckAfter:     time.Second,
		OverlapDelay:   20 * time.Millisecond,
		IdleSlice:      15 * time.Millisecond,
	}
}

func startService(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

func TestAddTaskValidation(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name     string
		interval time.Duration
		job      Job
		wantErr  error
	}{
		{name: "zero interval", interval: 0, job: noop, wantErr: ErrBadInterval},
		{name: "negative interval", interval: -time.Second, job: noop, wantErr: ErrBadInterval},
		{name: "nil job", interval: time.Second, job: nil, wantErr: ErrNilJob},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddTask("bad", tt.interval, tt.job); !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddTask error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := len(s.ListTasks()); got != 0 {
		t.Fatalf("tasks registered after rejected adds = %d, want 0", got)
	}
}

func TestTaskInfoDefaults(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	before := time.Now()

	id, err := s.AddTask("probe", time.Minute, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	info, ok := s.GetTaskInfo(id)
	if !ok {
		t.Fatal("GetTaskInfo: task not found")
	}
	if info.ID != id || info.Name != "probe" {
		t.Fatalf("info = %+v, want id %d name probe", info, id)
	}
	if info.Interval != time.Minute {
		t.Fatalf("Interval = %v, want 1m", info.Interval)
	}
	if info.Timeout != testConfig().DefaultTimeout {
		t.Fatalf("Timeout = %v, want default %v", info.Timeout, testConfig().DefaultTimeout)
	}
	if info.Running || info.Errors != 0 || !info.LastRun.IsZero() {
		t.Fatalf("fresh task info = %+v, want idle zero state", info)
	}
	if info.NextRun.Before(before) || info.NextRun.After(time.Now()) {
		t.Fatalf("NextRun = %v, want due immediately", info.NextRun)
	}

	custom, err := s.AddTask("slow", time.Minute, func(ctx context.Context) error { return nil }, WithTimeout(7*time.Second))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	got, _ := s.GetTaskInfo(custom)
	if got.Timeout != 7*time.Second {
		t.Fatalf("Timeout = %v, want 7s", got.Timeout)
	}
}

func TestRemoveTaskUnknownAndTwice(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)

	if s.RemoveTask(42) {
		t.Fatal("RemoveTask(unknown) = true, want false")
	}

	id, err := s.AddTask("probe", time.Minute, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if !s.RemoveTask(id) {
		t.Fatal("first RemoveTask = false, want true")
	}
	if s.RemoveTask(id) {
		t.Fatal("second RemoveTask = true, want false")
	}
	if _, ok := s.GetTaskInfo(id); ok {
		t.Fatal("GetTaskInfo found a removed task")
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)

	if s.Running() {
		t.Fatal("Running before Start = true")
	}
	if got := s.Status().State; got != "stopped" {
		t.Fatalf("State = %q, want stopped", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("Running after Start = false")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Fatal("Running after Stop = true")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop on stopped scheduler = %v, want nil", err)
	}
}

func TestPeriodicReExecution(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	startService(t, s)

	const interval = 50 * time.Millisecond
	var runs atomic.Int64
	start := time.Now()
	id, err := s.AddTask("tick", interval, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitUntil(t, 3*time.Second, "4 runs", func() bool { return runs.Load() >= 4 })

	// No double-fires: the run count can never exceed elapsed/interval+1.
	got := runs.Load()
	elapsed := time.Since(start)
	if max := int64(elapsed/interval) + 1; got > max {
		t.Fatalf("runs = %d after %v, want at most %d", got, elapsed, max)
	}

	info, ok := s.GetTaskInfo(id)
	if !ok {
		t.Fatal("GetTaskInfo: task not found")
	}
	if info.Errors != 0 {
		t.Fatalf("Errors = %d, want 0", info.Errors)
	}
	if info.LastRun.IsZero() {
		t.Fatal("LastRun not stamped")
	}
}

func TestAddThenRemoveNeverExecutes(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)

	var runs atomic.Int64
	id, err := s.AddTask("doomed", 40*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	// Removed before the loop ever sees it: the heap entry is a tombstone
	// and the first pass discards it.
	if !s.RemoveTask(id) {
		t.Fatal("RemoveTask = false, want true")
	}
	startService(t, s)

	waitUntil(t, time.Second, "tombstone sweep", func() bool {
		return s.Status().TombstonesSwept >= 1
	})
	if got := runs.Load(); got != 0 {
		t.Fatalf("removed task ran %d times, want 0", got)
	}
}

func TestFailingTaskDoesNotStopScheduler(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	startService(t, s)

	var failRuns, okRuns atomic.Int64
	boom := errors.New("boom")
	failID, err := s.AddTask("failing", 30*time.Millisecond, func(ctx context.Context) error {
		failRuns.Add(1)
		return boom
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.AddTask("healthy", 30*time.Millisecond, func(ctx context.Context) error {
		okRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitUntil(t, 3*time.Second, "3 failures and 3 successes", func() bool {
		return failRuns.Load() >= 3 && okRuns.Load() >= 3
	})

	if !s.Running() {
		t.Fatal("scheduler stopped because a task kept failing")
	}
	info, ok := s.GetTaskInfo(failID)
	if !ok {
		t.Fatal("failing task missing")
	}
	if info.Errors < 3 {
		t.Fatalf("Errors = %d, want >= 3", info.Errors)
	}
	if info.LastErr != "boom" {
		t.Fatalf("LastErr = %q, want boom", info.LastErr)
	}
	if got := failRuns.Load(); got < int64(info.Errors) {
		t.Fatalf("recorded %d errors but only %d runs", info.Errors, got)
	}
	if snap := s.Status(); snap.Failed < 3 || snap.ErrorTotal < 3 {
		t.Fatalf("snapshot failed=%d error_total=%d, want >= 3 each", snap.Failed, snap.ErrorTotal)
	}
}

func TestOverlapNeverRunsConcurrently(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	startService(t, s)

	var cur, peak atomic.Int32
	var runs atomic.Int64
	_, err := s.AddTask("slow", 20*time.Millisecond, func(ctx context.Context) error {
		c := cur.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(120 * time.Millisecond)
		cur.Add(-1)
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitUntil(t, 4*time.Second, "2 completed runs", func() bool { return runs.Load() >= 2 })

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1", got)
	}
	if snap := s.Status(); snap.OverlapSkips == 0 {
		t.Fatal("overlap skips = 0, want > 0 for a run longer than its interval")
	}
}

func TestStuckTaskEvictedOnce(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.StuckAfter = 60 * time.Millisecond
	s := New(cfg, nil, logx.Nop(), nil)
	startService(t, s)

	var runs atomic.Int64
	id, err := s.AddTask("wedged", 25*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		time.Sleep(400 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitUntil(t, 3*time.Second, "stuck eviction", func() bool {
		return s.Status().StuckRemoved == 1
	})
	if _, ok := s.GetTaskInfo(id); ok {
		t.Fatal("evicted task still visible")
	}

	// Exactly once: nothing left to evict again.
	time.Sleep(150 * time.Millisecond)
	if got := s.Status().StuckRemoved; got != 1 {
		t.Fatalf("StuckRemoved = %d, want 1", got)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("wedged task started %d times, want 1", got)
	}
	if got := s.Status().TasksTotal; got != 0 {
		t.Fatalf("TasksTotal = %d, want 0 after eviction", got)
	}
}

func TestWorkerLimitBoundsConcurrency(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 2
	s := New(cfg, nil, logx.Nop(), nil)
	startService(t, s)

	if got := s.Status().Workers; got != 2 {
		t.Fatalf("snapshot workers = %d, want 2", got)
	}

	var cur, peak atomic.Int32
	var perTask [5]atomic.Int64
	for i := 0; i < 5; i++ {
		i := i
		if _, err := s.AddTask("load", 25*time.Millisecond, func(ctx context.Context) error {
			c := cur.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(80 * time.Millisecond)
			cur.Add(-1)
			perTask[i].Add(1)
			return nil
		}); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}

	waitUntil(t, 4*time.Second, "every task to run", func() bool {
		for i := range perTask {
			if perTask[i].Load() == 0 {
				return false
			}
		}
		return true
	})

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestBulkRegistration(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)

	const batches, batchSize = 20, 50
	for b := 0; b < batches; b++ {
		for i := 0; i < batchSize; i++ {
			if _, err := s.AddTask("bulk", time.Hour, func(ctx context.Context) error { return nil }); err != nil {
				t.Fatalf("AddTask batch %d item %d: %v", b, i, err)
			}
		}
	}

	tasks := s.ListTasks()
	if len(tasks) != batches*batchSize {
		t.Fatalf("registered %d tasks, want %d", len(tasks), batches*batchSize)
	}
	for i, info := range tasks {
		if info.ID != int64(i+1) {
			t.Fatalf("task[%d].ID = %d, want %d (ids must be dense and ordered)", i, info.ID, i+1)
		}
	}
	snap := s.Status()
	if snap.TasksTotal != batches*batchSize || snap.TasksQueued != batches*batchSize {
		t.Fatalf("snapshot total=%d queued=%d, want %d each", snap.TasksTotal, snap.TasksQueued, batches*batchSize)
	}
}

func TestStopStartKeepsIdsUnique(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	startService(t, s)

	var first atomic.Int64
	id1, err := s.AddTask("one", 30*time.Millisecond, func(ctx context.Context) error {
		first.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitUntil(t, 2*time.Second, "first task to run", func() bool { return first.Load() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Ids keep growing across restarts; removal frees the slot but never
	// the id.
	id2, err := s.AddTask("two", time.Hour, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddTask while stopped: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("id after restart = %d, want > %d", id2, id1)
	}
	if !s.RemoveTask(id1) {
		t.Fatal("RemoveTask(id1) = false")
	}
	id3, err := s.AddTask("three", time.Hour, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if id3 == id1 || id3 <= id2 {
		t.Fatalf("id3 = %d reuses or regresses (id1=%d id2=%d)", id3, id1, id2)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !s.Running() {
		t.Fatal("Running after restart = false")
	}
	seen := map[int64]bool{}
	for _, info := range s.ListTasks() {
		if seen[info.ID] {
			t.Fatalf("duplicate task id %d after restart", info.ID)
		}
		seen[info.ID] = true
	}
}

func TestTaskTimeoutCountsAsError(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, logx.Nop(), nil)
	startService(t, s)

	id, err := s.AddTask("slowpoke", 30*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(250 * time.Millisecond)
		return nil
	}, WithTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitUntil(t, 3*time.Second, "a timed out run", func() bool {
		return s.Status().TimedOut >= 1
	})
	info, ok := s.GetTaskInfo(id)
	if !ok {
		t.Fatal("task missing")
	}
	if info.Errors == 0 {
		t.Fatal("Errors = 0, want timeout counted")
	}
	if info.LastErr == "" {
		t.Fatal("LastErr empty, want timeout recorded")
	}
}

func TestBusReceivesTaskEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(testConfig(), nil, logx.Nop(), bus)
	ch, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)
	startService(t, s)

	id, err := s.AddTask("observed", 25*time.Millisecond, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != "task.completed" {
				continue
			}
			te, ok := ev.Data.(TaskEvent)
			if !ok {
				t.Fatalf("event data = %T, want TaskEvent", ev.Data)
			}
			if te.ID != id || te.Name != "observed" || te.Outcome != "completed" {
				t.Fatalf("event = %+v, want task %d observed/completed", te, id)
			}
			return
		case <-deadline:
			t.Fatal("no task.completed event within 3s")
		}
	}
}
