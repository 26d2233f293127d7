package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"myschedule/internal/eventbus"
	"myschedule/internal/task/engine"
	"myschedule/internal/task/job"
	"myschedule/internal/task/store"
	"myschedule/internal/task/trigger"
	logx "myschedule/pkg/logx"
)

// dispatch handles one acquired trigger. res is consumed on every path. The
// returned bool reports whether the trigger left the ACQUIRED state for a
// reason other than a lost submit.
func (s *Service) dispatch(ctx context.Context, cfg Config, calc trigger.Calculator, res *engine.Reservation, t job.Trigger, now time.Time) (bool, error) {
	d, err := s.store.GetJob(ctx, t.JobKey)
	if err != nil {
		res.Cancel()
		if errors.Is(err, job.ErrNotFound) {
			s.failTrigger(ctx, cfg, t, "job detail missing")
			return true, nil
		}
		s.release(ctx, t.Key)
		return false, err
	}
	impl, ok := s.reg.Lookup(d.Type)
	if !ok {
		res.Cancel()
		s.failTrigger(ctx, cfg, t, fmt.Sprintf("unknown job type %q", d.Type))
		return true, nil
	}

	scheduled := t.NextFireTime
	misfired := now.Sub(scheduled) > cfg.MisfireThreshold
	if misfired {
		s.misfired.Add(1)
		if inst := t.MisfireOrDefault(); inst != job.MisfireFireNow {
			res.Cancel()
			c := skipCompletion(calc, t, now)
			s.log.Info("trigger misfired, fire skipped",
				logx.String("trigger", t.Key.String()),
				logx.String("instruction", string(inst)),
				logx.Time("scheduled", scheduled),
				logx.Time("next", c.NextFireTime),
			)
			s.publish(eventbus.TriggerMisfired, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: c.State, NextFireTime: c.NextFireTime})
			if err := s.completeWithRetry(ctx, cfg, c); err == nil && c.State == job.StateComplete {
				s.publish(eventbus.TriggerCompleted, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: c.State})
			}
			return true, nil
		}
		s.log.Info("trigger misfired, firing now",
			logx.String("trigger", t.Key.String()),
			logx.Time("scheduled", scheduled),
			logx.Duration("late", now.Sub(scheduled)),
		)
		s.publish(eventbus.TriggerMisfired, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: job.StateAcquired, NextFireTime: scheduled})
	}

	fire := job.FireInstance{
		ID:                uuid.NewString(),
		TriggerKey:        t.Key,
		JobKey:            t.JobKey,
		Trigger:           t,
		ScheduledFireTime: scheduled,
		ActualFireTime:    now,
		PreviousFireTime:  t.PreviousFireTime,
		Recovering:        t.Key.Group == RecoveryGroup,
		Misfired:          misfired,
	}
	jc := &JobContext{
		FireID:            fire.ID,
		Job:               d.Clone(),
		Trigger:           t,
		ScheduledFireTime: scheduled,
		FireTime:          now,
		Recovering:        fire.Recovering,
		Misfired:          misfired,
		Log: s.log.With(
			logx.String("job", d.Key.String()),
			logx.String("trigger", t.Key.String()),
			logx.String("fire", fire.ID),
		),
	}

	s.track(Executing{
		FireID:            fire.ID,
		JobKey:            t.JobKey,
		TriggerKey:        t.Key,
		ScheduledFireTime: scheduled,
		FireTime:          now,
		Recovering:        fire.Recovering,
	})
	err = res.Submit(engine.Task{
		ID:      fire.ID,
		Name:    d.Key.String(),
		Retries: d.MaxRetries,
		Run: func(ctx context.Context) error {
			return impl.Execute(ctx, jc)
		},
		Done: func(r engine.Result) {
			s.onComplete(t, fire, jc, r)
		},
	})
	if err != nil {
		// The pool stopped between reserve and submit.
		s.untrack(fire.ID)
		s.release(ctx, t.Key)
		s.log.Debug("fire not submitted", logx.String("trigger", t.Key.String()), logx.Any("err", err))
		return false, nil
	}
	s.fired.Add(1)
	s.log.Debug("trigger fired",
		logx.String("trigger", t.Key.String()),
		logx.String("job", d.Key.String()),
		logx.String("fire", fire.ID),
		logx.Time("scheduled", scheduled),
	)
	s.publish(eventbus.JobStarted, FireEvent{Fire: fire})
	return true, nil
}

// skipCompletion advances a misfired trigger without firing it.
func skipCompletion(calc trigger.Calculator, t job.Trigger, now time.Time) store.Completion {
	c := store.Completion{
		Key:              t.Key,
		PreviousFireTime: t.PreviousFireTime,
		TimesTriggered:   t.TimesTriggered,
	}
	var (
		next time.Time
		ok   bool
	)
	if t.MisfireOrDefault() == job.MisfireRescheduleNext {
		switch t.Schedule.Kind {
		case job.KindInterval:
			t.StartTime = now
			c.StartTime = now
			next, ok = calc.Next(t, now)
		case job.KindCalendar:
			next, ok = calc.Next(t, now)
		}
	} else {
		next, ok = calc.NextAtOrAfter(t, now)
	}
	if ok {
		c.State = job.StateWaiting
		c.NextFireTime = next
	} else {
		c.State = job.StateComplete
	}
	return c
}

// onComplete runs on the worker goroutine after the job returned.
func (s *Service) onComplete(t job.Trigger, fire job.FireInstance, jc *JobContext, r engine.Result) {
	cfg, calc := s.config()
	s.untrack(fire.ID)
	if r.Attempts == 0 && errors.Is(r.Err, engine.ErrStopped) {
		// Discarded from the queue before it ran.
		s.release(context.Background(), t.Key)
		return
	}

	fire.FinishedAt = r.Finished
	fire.Duration = r.Duration
	fire.Attempts = r.Attempts
	fire.Result = jc.Result()
	var execErr error
	if r.Err != nil {
		execErr = &job.JobExecutionError{JobKey: fire.JobKey, FireID: fire.ID, Err: r.Err}
		fire.Error = execErr.Error()
	}

	t.TimesTriggered++
	after := fire.ScheduledFireTime
	if fire.Misfired {
		after = fire.ActualFireTime
	}
	next, ok := calc.Next(t, after)
	state := job.StateComplete
	if ok {
		state = job.StateWaiting
		fire.NextFireTime = next
	} else {
		next = time.Time{}
	}
	if execErr != nil && t.OnError == job.ErrorFail {
		state = job.StateError
	}

	c := store.Completion{
		Key:              t.Key,
		State:            state,
		NextFireTime:     next,
		PreviousFireTime: fire.ActualFireTime,
		TimesTriggered:   t.TimesTriggered,
		Fire:             &fire,
	}
	ctx := context.Background()
	if err := s.completeWithRetry(ctx, cfg, c); err != nil {
		return
	}

	if execErr != nil {
		s.log.Warn("job failed",
			logx.String("job", fire.JobKey.String()),
			logx.String("trigger", fire.TriggerKey.String()),
			logx.String("fire", fire.ID),
			logx.Int("attempts", fire.Attempts),
			logx.Any("err", r.Err),
		)
		s.publish(eventbus.JobFailed, FireEvent{Fire: fire})
	} else {
		s.publish(eventbus.JobFinished, FireEvent{Fire: fire})
	}
	switch state {
	case job.StateComplete:
		s.publish(eventbus.TriggerCompleted, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: state})
		if oneShotGroup(t.Key.Group) {
			if err := s.store.RemoveTrigger(ctx, t.Key); err != nil && !errors.Is(err, job.ErrNotFound) {
				s.reportStoreError("remove one-shot trigger", err, logx.String("trigger", t.Key.String()))
			}
		}
	case job.StateError:
		s.publish(eventbus.TriggerError, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: state, NextFireTime: next})
	}
	s.signal()
}

// failTrigger moves an acquired trigger to ERROR without executing it.
func (s *Service) failTrigger(ctx context.Context, cfg Config, t job.Trigger, reason string) {
	s.log.Warn("trigger moved to ERROR", logx.String("trigger", t.Key.String()), logx.String("job", t.JobKey.String()), logx.String("reason", reason))
	c := store.Completion{
		Key:              t.Key,
		State:            job.StateError,
		NextFireTime:     t.NextFireTime,
		PreviousFireTime: t.PreviousFireTime,
		TimesTriggered:   t.TimesTriggered,
	}
	if err := s.completeWithRetry(ctx, cfg, c); err == nil {
		s.publish(eventbus.TriggerError, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: job.StateError, NextFireTime: t.NextFireTime})
	}
}

// completeWithRetry retries retryable store failures. When every attempt
// fails the trigger stays ACQUIRED and is recovered on the next Start.
func (s *Service) completeWithRetry(ctx context.Context, cfg Config, c store.Completion) error {
	var err error
	for attempt := 1; attempt <= cfg.CompletionRetries; attempt++ {
		err = s.store.CompleteFire(ctx, c)
		if err == nil {
			return nil
		}
		s.storeErrors.Add(1)
		if !job.IsRetryable(err) || errors.Is(err, store.ErrClosed) || attempt == cfg.CompletionRetries {
			break
		}
		delay := retryDelay(cfg, attempt)
		s.reportStoreError("complete fire", err, logx.String("trigger", c.Key.String()), logx.Int("attempt", attempt), logx.Duration("retry_in", delay))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	s.log.Error("fire completion not recorded", logx.String("trigger", c.Key.String()), logx.Any("err", err))
	return err
}

func (s *Service) release(ctx context.Context, k job.TriggerKey) {
	if err := s.store.ReleaseTrigger(ctx, k); err != nil {
		s.reportStoreError("release trigger", err, logx.String("trigger", k.String()))
	}
}

func (s *Service) track(e Executing) {
	s.execMu.Lock()
	s.executing[e.FireID] = e
	s.execMu.Unlock()
}

func (s *Service) untrack(id string) {
	s.execMu.Lock()
	delete(s.executing, id)
	s.execMu.Unlock()
}

func oneShotGroup(group string) bool {
	return group == RecoveryGroup || group == ManualGroup
}
