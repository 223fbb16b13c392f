package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	rtsup "github.com/ncandio/Health-Check-PostgreSQL/internal/runtime/supervisor"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// Config controls the dispatch loop. Zero values get safe defaults.
type Config struct {
	// Workers bounds concurrent executions in the local pool.
	Workers int

	// DefaultTimeout is the per-run budget for tasks added without an
	// explicit one.
	DefaultTimeout time.Duration

	// StuckAfter evicts a task whose run has been active longer than
	// this. Defaults to DefaultTimeout so eviction never fires inside the
	// run budget.
	StuckAfter time.Duration

	// OverlapDelay is how far a due task is pushed back while its
	// previous run is still active.
	OverlapDelay time.Duration

	// IdleSlice caps how long the loop sleeps with nothing due.
	IdleSlice time.Duration
}

// Service owns the task table and the dispatch loop. A single control
// goroutine performs every nextRun transition; callbacks run on the
// backend, never on the loop goroutine.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	backend Backend

	mu    sync.Mutex
	queue taskQueue
	tasks map[int64]*Task

	state atomic.Int32 // State
	idSeq atomic.Int64 // ids survive Stop/Start and are never reused

	// wake nudges the loop after AddTask; buffered so senders never block.
	wake chan struct{}

	ctlMu sync.Mutex
	ctl   *loopCtl

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	errorTotal atomic.Uint64

	overlapSkips    atomic.Uint64
	stuckRemoved    atomic.Uint64
	tombstonesSwept atomic.Uint64
}

// loopCtl is per-run control state; every Start gets a fresh one.
type loopCtl struct {
	sup    *rtsup.Supervisor
	cancel context.CancelFunc

	ready    chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}

	readyOnce sync.Once
	stopOnce  sync.Once
	doneOnce  sync.Once
}

// New builds a scheduler. A nil backend gets a local pool sized by
// cfg.Workers.
func New(cfg Config, backend Backend, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = cfg.DefaultTimeout
	}
	if cfg.OverlapDelay <= 0 {
		cfg.OverlapDelay = time.Second
	}
	if cfg.IdleSlice <= 0 {
		cfg.IdleSlice = 5 * time.Second
	}
	if backend == nil {
		backend = NewLocalBackend(cfg.Workers, log)
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		backend: backend,
		tasks:   make(map[int64]*Task),
		wake:    make(chan struct{}, 1),
	}
}

// Backend exposes the execution backend (for Close at shutdown).
func (s *Service) Backend() Backend { return s.backend }

// AddTask registers a periodic job and returns its id. The first run is
// due immediately; after that the task repeats on its interval. AddTask
// never blocks on the loop and works in every lifecycle state; tasks
// added while stopped run once Start is called.
func (s *Service) AddTask(name string, interval time.Duration, job Job, opts ...TaskOption) (int64, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("%w (got %v)", ErrBadInterval, interval)
	}
	if job == nil {
		return 0, ErrNilJob
	}

	t := &Task{
		id:       s.idSeq.Add(1),
		name:     name,
		interval: interval,
		timeout:  s.cfg.DefaultTimeout,
		run:      job,
		index:    -1,
	}
	for _, o := range opts {
		o(t)
	}
	if t.timeout <= 0 {
		t.timeout = s.cfg.DefaultTimeout
	}
	t.nextRun = time.Now()

	s.mu.Lock()
	s.tasks[t.id] = t
	s.queue.pushTask(t)
	s.mu.Unlock()

	s.log.Debug("task added",
		logx.Int64("task_id", t.id),
		logx.String("task", t.name),
		logx.Duration("interval", interval),
		logx.Duration("timeout", t.timeout))
	s.kick()
	return t.id, nil
}

// RemoveTask unregisters a task. The heap entry stays behind as a
// tombstone and is discarded when it surfaces; an in-flight run finishes
// but the task never runs again. Returns false for unknown ids, so the
// second of two calls for the same id reports false.
func (s *Service) RemoveTask(id int64) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.removed = true
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok {
		s.log.Debug("task removed", logx.Int64("task_id", id), logx.String("task", t.name))
	}
	return ok
}

// GetTaskInfo snapshots one task. Removed and unknown ids report false.
func (s *Service) GetTaskInfo(id int64) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// ListTasks snapshots every live task, ordered by id.
func (s *Service) ListTasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status is a point-in-time aggregate for status endpoints.
func (s *Service) Status() Snapshot {
	s.mu.Lock()
	total := len(s.tasks)
	queued := s.queue.Len()
	s.mu.Unlock()

	snap := Snapshot{
		State:            s.State().String(),
		Workers:          s.backend.Capacity(),
		AvailableWorkers: s.backend.Available(),
		TasksTotal:       total,
		TasksQueued:      queued,
		Dispatched:       s.dispatched.Load(),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		TimedOut:         s.timedOut.Load(),
		ErrorTotal:       s.errorTotal.Load(),
		OverlapSkips:     s.overlapSkips.Load(),
		StuckRemoved:     s.stuckRemoved.Load(),
		TombstonesSwept:  s.tombstonesSwept.Load(),
	}
	if fr, ok := s.backend.(fallbackReporter); ok {
		snap.RemoteFailures = fr.RemoteFailures()
	}
	return snap
}

func (s *Service) State() State { return State(s.state.Load()) }

// Running reports whether the dispatch loop is active.
func (s *Service) Running() bool { return s.State() == StateRunning }

// Start launches the dispatch loop and returns once it is accepting
// work. The loop self-restarts on panic until Stop. Tasks and the id
// sequence persist across Stop/Start cycles.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.ctlMu.Lock()
	switch s.State() {
	case StateRunning:
		s.ctlMu.Unlock()
		return ErrAlreadyRunning
	case StateStopping:
		s.ctlMu.Unlock()
		return ErrStopping
	}

	runCtx, cancel := context.WithCancel(ctx)
	ctl := &loopCtl{
		sup:      rtsup.New(runCtx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler")))),
		cancel:   cancel,
		ready:    make(chan struct{}),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
	s.ctl = ctl
	s.state.Store(int32(StateRunning))
	s.ctlMu.Unlock()

	ctl.sup.GoRestart("dispatch", func(c context.Context) error {
		return s.run(c, ctl)
	})

	select {
	case <-ctl.ready:
	case <-runCtx.Done():
		s.ctlMu.Lock()
		s.ctl = nil
		s.state.Store(int32(StateStopped))
		s.ctlMu.Unlock()
		return runCtx.Err()
	}

	s.log.Info("scheduler started",
		logx.Int("workers", s.backend.Capacity()),
		logx.Duration("default_timeout", s.cfg.DefaultTimeout),
		logx.Duration("stuck_after", s.cfg.StuckAfter))
	return nil
}

// Stop halts the loop, then cancels in-flight runs best-effort and waits
// for them within ctx. Task state survives for a later Start. Stopping an
// already stopped scheduler is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.ctlMu.Lock()
	ctl := s.ctl
	if ctl == nil || s.State() == StateStopped {
		s.ctlMu.Unlock()
		return nil
	}
	s.state.Store(int32(StateStopping))
	s.ctlMu.Unlock()

	start := time.Now()
	ctl.stopOnce.Do(func() { close(ctl.stopCh) })

	// Let the loop acknowledge before canceling, so a pass in progress
	// finishes its bookkeeping first.
	select {
	case <-ctl.stopDone:
	case <-ctx.Done():
	}

	ctl.cancel()
	err := ctl.sup.Wait(ctx)

	s.ctlMu.Lock()
	s.ctl = nil
	s.state.Store(int32(StateStopped))
	s.ctlMu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop incomplete", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// kick nudges the loop without blocking; one pending nudge is enough.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
