package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// run is the control loop: the only goroutine that moves nextRun,
// running, and heap membership. It is hosted under GoRestart, so a panic
// resumes here with the same ctl.
func (s *Service) run(ctx context.Context, ctl *loopCtl) error {
	ctl.readyOnce.Do(func() { close(ctl.ready) })

	for {
		sleep := s.pass(ctl, time.Now())

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			ctl.doneOnce.Do(func() { close(ctl.stopDone) })
			return nil
		case <-ctl.stopCh:
			timer.Stop()
			ctl.doneOnce.Do(func() { close(ctl.stopDone) })
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pass pops everything due, reschedules it, sweeps stuck runs, and
// dispatches outside the lock. Returns how long to sleep until the next
// deadline, capped at IdleSlice.
func (s *Service) pass(ctl *loopCtl, now time.Time) time.Duration {
	var due []*Task
	var stuck []*Task

	s.mu.Lock()
	for {
		next, ok := s.queue.peekNext()
		if !ok || next.After(now) {
			break
		}
		t := s.queue.popTask()

		if t.removed {
			s.tombstonesSwept.Add(1)
			continue
		}
		if t.running {
			// Previous run still active: push back, no dispatch.
			t.nextRun = now.Add(s.cfg.OverlapDelay)
			s.queue.pushTask(t)
			s.overlapSkips.Add(1)
			continue
		}

		t.running = true
		t.lastRun = now
		t.nextRun = now.Add(t.interval)
		s.queue.pushTask(t)
		due = append(due, t)
	}

	// A run that outlived its allowance is abandoned: the task is evicted
	// and its heap entry tombstoned. The callback may still be draining
	// inside the backend; it just has nothing to come back to.
	for id, t := range s.tasks {
		if t.running && now.Sub(t.lastRun) > s.cfg.StuckAfter {
			t.removed = true
			delete(s.tasks, id)
			stuck = append(stuck, t)
		}
	}

	sleep := s.cfg.IdleSlice
	if next, ok := s.queue.peekNext(); ok {
		if d := next.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	s.mu.Unlock()

	for _, t := range stuck {
		s.stuckRemoved.Add(1)
		s.log.Warn("stuck task evicted",
			logx.Int64("task_id", t.id),
			logx.String("task", t.name),
			logx.Duration("age", now.Sub(t.lastRun)),
			logx.Duration("allowance", s.cfg.StuckAfter))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.stuck", Time: now, Data: TaskEvent{
				ID: t.id, Name: t.name, Started: t.lastRun, Duration: now.Sub(t.lastRun), Outcome: "stuck",
			}})
		}
	}

	for _, t := range due {
		t := t
		s.dispatched.Add(1)
		ctl.sup.Go0("execute", func(c context.Context) { s.execute(c, t) })
	}
	return sleep
}

// execute runs one dispatch on the backend and folds the outcome back
// into the task. A failure touches only this task's counters; the loop
// and every other task are unaffected.
func (s *Service) execute(ctx context.Context, t *Task) {
	res := s.backend.Submit(ctx, t)

	// Cancellation at shutdown is not a task failure.
	canceled := errors.Is(res.Err, context.Canceled)

	s.mu.Lock()
	started := t.lastRun
	t.running = false
	if res.Outcome == OutcomeCompleted {
		t.lastErr = ""
	} else if !canceled {
		t.errors++
		s.errorTotal.Add(1)
		if res.Err != nil {
			t.lastErr = res.Err.Error()
		}
	}
	s.mu.Unlock()

	if canceled && res.Outcome != OutcomeCompleted {
		s.log.Debug("task run canceled", logx.Int64("task_id", t.id), logx.String("task", t.name))
		return
	}

	switch res.Outcome {
	case OutcomeCompleted:
		s.completed.Add(1)
		s.log.Debug("task completed",
			logx.Int64("task_id", t.id),
			logx.String("task", t.name),
			logx.Duration("took", res.Elapsed))
		s.publish("task.completed", t, started, res)
	case OutcomeTimedOut:
		s.timedOut.Add(1)
		s.log.Warn("task timed out",
			logx.Int64("task_id", t.id),
			logx.String("task", t.name),
			logx.Duration("timeout", t.timeout),
			logx.Err(res.Err))
		s.publish("task.timed_out", t, started, res)
	default:
		s.failed.Add(1)
		s.log.Warn("task failed",
			logx.Int64("task_id", t.id),
			logx.String("task", t.name),
			logx.Duration("took", res.Elapsed),
			logx.Err(res.Err))
		s.publish("task.failed", t, started, res)
	}
}

func (s *Service) publish(typ string, t *Task, started time.Time, res Result) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{ID: t.id, Name: t.name, Started: started, Duration: res.Elapsed, Outcome: res.Outcome.String()}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
