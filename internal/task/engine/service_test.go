package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "myschedule/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func submit(t *testing.T, s *Service, task Task) <-chan Result {
	t.Helper()
	done := make(chan Result, 1)
	task.Done = func(r Result) { done <- r }
	r, err := s.TryReserve()
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if err := r.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return done
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task result")
	}
	return Result{}
}

func TestTryReserveSaturates(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 2})
	r1, err := s.TryReserve()
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.TryReserve(); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if _, err := s.TryReserve(); !errors.Is(err, ErrSaturated) {
		t.Fatalf("third reserve err = %v, want ErrSaturated", err)
	}
	if got := s.Available(); got != 0 {
		t.Fatalf("Available = %d, want 0", got)
	}
	r1.Cancel()
	r1.Cancel()
	if got := s.Available(); got != 1 {
		t.Fatalf("Available after cancel = %d, want 1", got)
	}
}

func TestSlotHeldUntilDone(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1})
	release := make(chan struct{})
	done := submit(t, s, Task{Name: "block", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	if _, err := s.TryReserve(); !errors.Is(err, ErrSaturated) {
		t.Fatalf("reserve while busy err = %v, want ErrSaturated", err)
	}
	close(release)
	if r := wait(t, done); r.Err != nil {
		t.Fatalf("Err = %v", r.Err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Available() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("slot not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1})
	r := wait(t, submit(t, s, Task{Name: "boom", Retries: 3, Run: func(ctx context.Context) error {
		panic("kaboom")
	}}))
	if !r.Panicked || !errors.Is(r.Err, ErrPanic) || r.Attempts != 1 {
		t.Fatalf("panic result = %+v", r)
	}
	r = wait(t, submit(t, s, Task{Name: "after", Run: func(ctx context.Context) error { return nil }}))
	if r.Err != nil {
		t.Fatalf("worker did not survive panic: %v", r.Err)
	}
	if snap := s.Snapshot(); snap.Panics != 1 || snap.Completed != 1 || snap.Failed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRetries(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	var calls atomic.Int32
	r := wait(t, submit(t, s, Task{Name: "flaky", Retries: 3, Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}))
	if r.Err != nil || r.Attempts != 3 {
		t.Fatalf("retry result = %+v", r)
	}

	perm := errors.New("bad input")
	r = wait(t, submit(t, s, Task{Name: "permanent", Retries: 3, Run: func(ctx context.Context) error {
		return NoRetry(perm)
	}}))
	if !errors.Is(r.Err, perm) || IsNoRetry(r.Err) || r.Attempts != 1 {
		t.Fatalf("no-retry result = %+v", r)
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1})
	started := make(chan struct{})
	done := submit(t, s, Task{ID: "fire-1", Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	if running := s.Running(); len(running) != 1 || running[0].ID != "fire-1" {
		t.Fatalf("Running = %+v", running)
	}
	if !s.Cancel("fire-1") {
		t.Fatal("Cancel returned false for running task")
	}
	r := wait(t, done)
	if !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("Err = %v, want ErrCancelled", r.Err)
	}
	if s.Cancel("unknown") {
		t.Fatal("Cancel(unknown) = true")
	}
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	r := wait(t, submit(t, s, Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("Err = %v, want deadline exceeded", r.Err)
	}
}

func TestStopRejectsReservations(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	if _, err := s.TryReserve(); !errors.Is(err, ErrStopped) {
		t.Fatalf("reserve before start err = %v", err)
	}
	s.Start(context.Background())
	r, err := s.TryReserve()
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := r.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err = %v, want ErrStopped", err)
	}
	if _, err := s.TryReserve(); !errors.Is(err, ErrStopped) {
		t.Fatalf("reserve after stop err = %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry int
		lo    time.Duration
		hi    time.Duration
	}{
		{retry: 1, lo: 80 * time.Millisecond, hi: 120 * time.Millisecond},
		{retry: 3, lo: 320 * time.Millisecond, hi: 480 * time.Millisecond},
		{retry: 10, lo: 800 * time.Millisecond, hi: time.Second},
	}
	for _, tt := range tests {
		d := backoffDelay(cfg, tt.retry, rng)
		if d < tt.lo || d > tt.hi {
			t.Fatalf("backoffDelay(%d) = %s, want [%s, %s]", tt.retry, d, tt.lo, tt.hi)
		}
	}
	hinted := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("429"), 5*time.Second), rng)
	if hinted > time.Second {
		t.Fatalf("hint not capped: %s", hinted)
	}
}
