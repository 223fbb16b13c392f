package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// LocalBackend runs jobs in-process on a bounded worker-permit pool.
//
// A submission first waits for one of maxWorkers permits, then runs the
// job under a deadline context. Both phases get the full task timeout,
// mirroring the executor this replaced. The permit is released when
// Submit returns; a job that overruns its deadline keeps running on its
// own goroutine (it writes into a buffered channel and exits) but no
// longer holds capacity.
type LocalBackend struct {
	permits chan struct{}
	max     int
	log     logx.Logger

	active  atomic.Int32
	waiting atomic.Int32
}

func NewLocalBackend(maxWorkers int, log logx.Logger) *LocalBackend {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	b := &LocalBackend{
		permits: make(chan struct{}, maxWorkers),
		max:     maxWorkers,
		log:     log,
	}
	for i := 0; i < maxWorkers; i++ {
		b.permits <- struct{}{}
	}
	return b
}

func (b *LocalBackend) Capacity() int  { return b.max }
func (b *LocalBackend) Available() int { return len(b.permits) }

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Submit(ctx context.Context, t *Task) Result {
	start := time.Now()
	timeout := t.timeout

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	b.waiting.Add(1)
	select {
	case <-b.permits:
		b.waiting.Add(-1)
	case <-deadline.C:
		b.waiting.Add(-1)
		return Result{
			Outcome: OutcomeTimedOut,
			Err:     fmt.Errorf("%w (pool saturated for %s)", ErrPermitWait, timeout),
			Elapsed: time.Since(start),
		}
	case <-ctx.Done():
		b.waiting.Add(-1)
		return Result{Outcome: OutcomeFailed, Err: ctx.Err(), Elapsed: time.Since(start)}
	}

	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.permits <- struct{}{}
	}()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- t.run(rctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Result{Outcome: OutcomeFailed, Err: err, Elapsed: time.Since(start)}
		}
		return Result{Outcome: OutcomeCompleted, Elapsed: time.Since(start)}
	case <-rctx.Done():
		if err := ctx.Err(); err != nil {
			// Parent canceled (shutdown), not a task timeout.
			return Result{Outcome: OutcomeFailed, Err: err, Elapsed: time.Since(start)}
		}
		return Result{
			Outcome: OutcomeTimedOut,
			Err:     fmt.Errorf("%w after %s", ErrRunTimeout, timeout),
			Elapsed: time.Since(start),
		}
	}
}
