package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	boom := errors.New("boom")

	s.Go("worker", func(ctx context.Context) error { return boom })
	s.Go("quiet", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped %v", err, boom)
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want wrapped %v", err, boom)
	}
}

func TestContextCanceledIsCleanStop(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v, want nil for canceled goroutine", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background())
	s.Go("bad", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("Wait = nil, want panic error")
	}
	snap := s.Snapshot()
	var found bool
	for _, g := range snap.Goroutines {
		if g.Name == "bad" && g.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot missing panic count: %+v", snap.Goroutines)
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fatal", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after fatal error")
	}
}

func TestNoCancelWithoutOption(t *testing.T) {
	s := New(context.Background())
	s.Go("fatal", func(ctx context.Context) error { return errors.New("fatal") })

	waitFor(t, 2*time.Second, "error recorded", func() bool { return s.Err() != nil })
	select {
	case <-s.Context().Done():
		t.Fatal("context canceled without WithCancelOnError")
	default:
	}
	s.Cancel()
}

func TestGoRestartRetriesThenStops(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int64

	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitFor(t, 3*time.Second, "three runs", func() bool { return runs.Load() >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v, want nil after clean stop", err)
	}
	snap := s.Snapshot()
	for _, g := range snap.Goroutines {
		if g.Name == "flaky" && g.Restarts < 2 {
			t.Fatalf("flaky restarts = %d, want >= 2", g.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int64

	s.GoRestart("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	waitFor(t, 3*time.Second, "give-up error", func() bool { return s.Err() != nil })
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (initial + 2 restarts)", got)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := New(context.Background())
	block := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	close(block)
}
