package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

func testTask(id int64, timeout time.Duration, job Job) *Task {
	return &Task{id: id, name: "test", interval: time.Minute, timeout: timeout, run: job, index: -1}
}

func TestLocalSubmitCompleted(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(2, logx.Nop())

	res := b.Submit(context.Background(), testTask(1, time.Second, func(ctx context.Context) error {
		return nil
	}))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %v, want %v (err=%v)", res.Outcome, OutcomeCompleted, res.Err)
	}
	if res.Err != nil {
		t.Fatalf("Err = %v, want nil", res.Err)
	}
	if got := b.Available(); got != 2 {
		t.Fatalf("Available after submit = %d, want 2", got)
	}
}

func TestLocalSubmitFailed(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(1, logx.Nop())
	boom := errors.New("boom")

	res := b.Submit(context.Background(), testTask(1, time.Second, func(ctx context.Context) error {
		return boom
	}))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeFailed)
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("Err = %v, want %v", res.Err, boom)
	}
}

func TestLocalSubmitPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(1, logx.Nop())

	res := b.Submit(context.Background(), testTask(1, time.Second, func(ctx context.Context) error {
		panic("kaboom")
	}))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeFailed)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "panic") {
		t.Fatalf("Err = %v, want panic error", res.Err)
	}
	// The pool must survive a panicking job.
	if got := b.Available(); got != 1 {
		t.Fatalf("Available after panic = %d, want 1", got)
	}
}

func TestLocalSubmitRunTimeout(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(1, logx.Nop())

	// The job ignores ctx entirely, so only the deadline can resolve it.
	res := b.Submit(context.Background(), testTask(1, 30*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}))
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %v, want %v (err=%v)", res.Outcome, OutcomeTimedOut, res.Err)
	}
	if !errors.Is(res.Err, ErrRunTimeout) {
		t.Fatalf("Err = %v, want ErrRunTimeout", res.Err)
	}
}

func TestLocalPermitWaitTimeout(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(1, logx.Nop())

	release := make(chan struct{})
	go b.Submit(context.Background(), testTask(1, time.Second, func(ctx context.Context) error {
		<-release
		return nil
	}))
	defer close(release)

	// Wait until the first job holds the only permit.
	deadline := time.Now().Add(time.Second)
	for b.Available() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("first job never acquired the permit")
		}
		time.Sleep(2 * time.Millisecond)
	}

	res := b.Submit(context.Background(), testTask(2, 30*time.Millisecond, func(ctx context.Context) error {
		return nil
	}))
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeTimedOut)
	}
	if !errors.Is(res.Err, ErrPermitWait) {
		t.Fatalf("Err = %v, want ErrPermitWait", res.Err)
	}
}

func TestLocalParentCancel(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(1, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var closeOnce atomic.Bool
	go func() {
		<-started
		cancel()
	}()

	res := b.Submit(ctx, testTask(1, time.Second, func(ctx context.Context) error {
		if closeOnce.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeFailed)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestLocalCapacityDefaults(t *testing.T) {
	t.Parallel()
	b := NewLocalBackend(0, logx.Nop())
	if got := b.Capacity(); got != 8 {
		t.Fatalf("Capacity = %d, want 8", got)
	}
	if got := b.Available(); got != 8 {
		t.Fatalf("Available = %d, want 8", got)
	}
}
