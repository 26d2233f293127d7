package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"slices"
	"time"

	"myschedule/internal/eventbus"
	logx "myschedule/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.execOne(ctx, stopCh, qt, rng)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	t := qt.task
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.queued--
	s.inFlight++
	s.running[t.ID] = &runningTask{name: t.Name, started: start, cancel: cancel}
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("id", t.ID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start}})
	}

	retries := max(t.Retries, 0)
	var (
		err      error
		panicked bool
		attempts int
	)
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err, panicked = s.runAttempt(runCtx, qt)
		if err == nil || panicked {
			break
		}
		// Allow jobs to mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if runCtx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
			tmr := time.NewTimer(delay)
			select {
			case <-runCtx.Done():
				tmr.Stop()
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				err = ErrStopped
				break attemptLoop
			case <-tmr.C:
			}
		}
	}
	if cause := context.Cause(runCtx); errors.Is(cause, ErrCancelled) && err != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	finish := time.Now()
	dur := finish.Sub(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Any("err", err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Time: finish, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Attempts: attempts, Error: item.Error}})
		}
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Time: finish, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Attempts: attempts}})
		}
	}
	s.record(item)

	// The slot stays held through Done so completion bookkeeping counts as busy.
	s.finish(t, Result{
		ID:       t.ID,
		Name:     t.Name,
		Started:  start,
		Finished: finish,
		Duration: dur,
		Attempts: attempts,
		Err:      err,
		Panicked: panicked,
	})

	s.mu.Lock()
	delete(s.running, t.ID)
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// runAttempt runs one attempt and converts a panic into ErrPanic.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error, panicked bool) {
	attemptCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			panicked = true
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(attemptCtx), false
}

func (s *Service) finish(t Task, res Result) {
	if t.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task completion callback panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	t.Done(res)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the job.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := max(ra.RetryAfter(), 0)
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		// Jitter on top of the hint to avoid thundering herds.
		return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if maxD > 0 && d > maxD {
		d = maxD
	}
	return d
}

func sortRunning(rs []Running) {
	slices.SortFunc(rs, func(a, b Running) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
