package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"myschedule/internal/eventbus"
	"myschedule/internal/task/job"
	"myschedule/internal/task/trigger"
	logx "myschedule/pkg/logx"
)

// ScheduleJob stores t, and d when non-nil, in one store operation and returns
// the first fire time. A nil d schedules t for an existing job.
//
// Unset trigger fields are defaulted: the group to DEFAULT, the job key to
// d.Key, StartTime to now, the misfire instruction to FIRE_NOW and the error
// policy to CONTINUE.
func (s *Service) ScheduleJob(ctx context.Context, d *job.JobDetail, t job.Trigger) (time.Time, error) {
	_, calc := s.config()
	if d != nil {
		dd, err := s.prepareJob(*d)
		if err != nil {
			return time.Time{}, err
		}
		if t.JobKey.IsZero() {
			t.JobKey = dd.Key
		}
		d = &dd
	}
	t, err := s.prepareTrigger(calc, t)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.ScheduleJob(ctx, d, t); err != nil {
		return time.Time{}, err
	}

	s.log.Info("trigger scheduled",
		logx.String("trigger", t.Key.String()),
		logx.String("job", t.JobKey.String()),
		logx.String("schedule", trigger.Describe(t.Schedule)),
		logx.Time("next", t.NextFireTime),
	)
	if s.log.Enabled(logx.LevelDebug) {
		preview := calc.Preview(t, t.StartTime.Add(-time.Nanosecond), 4)
		s.log.Debug("upcoming fires", logx.String("trigger", t.Key.String()), logx.Any("at", preview))
	}
	if d != nil {
		s.publish(eventbus.JobAdded, d.Key)
	}
	s.publish(eventbus.TriggerScheduled, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: t.State, NextFireTime: t.NextFireTime})
	s.signal()
	return t.NextFireTime, nil
}

// AddJob stores a job without triggers. Jobs added this way are usually
// durable; a non-durable job is collected when its last trigger is removed.
func (s *Service) AddJob(ctx context.Context, d job.JobDetail, replace bool) error {
	dd, err := s.prepareJob(d)
	if err != nil {
		return err
	}
	if err := s.store.StoreJob(ctx, dd, replace); err != nil {
		return err
	}
	s.log.Info("job stored", logx.String("job", dd.Key.String()), logx.String("type", dd.Type), logx.Bool("durable", dd.Durable))
	s.publish(eventbus.JobAdded, dd.Key)
	return nil
}

// DeleteJob removes a job and every trigger of it. Executions in flight are
// not cancelled; their triggers disappear immediately and are purged when the
// execution completes.
func (s *Service) DeleteJob(ctx context.Context, k job.JobKey) error {
	k = job.NewKey(k.Name, k.Group)
	if err := s.store.RemoveJob(ctx, k); err != nil {
		return err
	}
	s.log.Info("job deleted", logx.String("job", k.String()))
	s.publish(eventbus.JobDeleted, k)
	return nil
}

// UnscheduleJob removes a trigger. Unknown keys yield job.ErrNotFound. An
// in-flight execution is not cancelled and still records its fire instance.
func (s *Service) UnscheduleJob(ctx context.Context, k job.TriggerKey) error {
	k = job.NewKey(k.Name, k.Group)
	if err := s.store.RemoveTrigger(ctx, k); err != nil {
		return err
	}
	s.log.Info("trigger unscheduled", logx.String("trigger", k.String()))
	s.publish(eventbus.TriggerUnscheduled, TriggerEvent{TriggerKey: k})
	return nil
}

// PauseTrigger sets the paused overlay. A running execution finishes; the
// trigger stays paused afterwards.
func (s *Service) PauseTrigger(ctx context.Context, k job.TriggerKey) error {
	t, err := s.store.UpdateTrigger(ctx, job.NewKey(k.Name, k.Group), func(t *job.Trigger) error {
		t.Paused = true
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("trigger paused", logx.String("trigger", t.Key.String()))
	s.publish(eventbus.TriggerPaused, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: t.EffectiveState()})
	return nil
}

// ResumeTrigger clears the paused overlay and the ERROR state. Fires missed
// while paused go through misfire handling on the next poll.
func (s *Service) ResumeTrigger(ctx context.Context, k job.TriggerKey) error {
	t, err := s.store.UpdateTrigger(ctx, job.NewKey(k.Name, k.Group), func(t *job.Trigger) error {
		t.Paused = false
		if t.State == job.StateError {
			if t.NextFireTime.IsZero() {
				t.State = job.StateComplete
			} else {
				t.State = job.StateWaiting
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("trigger resumed", logx.String("trigger", t.Key.String()), logx.String("state", string(t.State)))
	s.publish(eventbus.TriggerResumed, TriggerEvent{TriggerKey: t.Key, JobKey: t.JobKey, State: t.EffectiveState(), NextFireTime: t.NextFireTime})
	s.signal()
	return nil
}

// PauseJob pauses every trigger of a job.
func (s *Service) PauseJob(ctx context.Context, k job.JobKey) error {
	return s.eachTriggerOf(ctx, k, s.PauseTrigger)
}

// ResumeJob resumes every trigger of a job.
func (s *Service) ResumeJob(ctx context.Context, k job.JobKey) error {
	return s.eachTriggerOf(ctx, k, s.ResumeTrigger)
}

func (s *Service) eachTriggerOf(ctx context.Context, k job.JobKey, fn func(context.Context, job.TriggerKey) error) error {
	k = job.NewKey(k.Name, k.Group)
	if _, err := s.store.GetJob(ctx, k); err != nil {
		return err
	}
	ts, err := s.store.TriggersOfJob(ctx, k)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range ts {
		if err := fn(ctx, t.Key); err != nil && !errors.Is(err, job.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerJob fires a stored job once, now, through a one-shot trigger in
// ManualGroup. The trigger is removed after it completes.
func (s *Service) TriggerJob(ctx context.Context, k job.JobKey) (job.TriggerKey, error) {
	k = job.NewKey(k.Name, k.Group)
	if _, err := s.store.GetJob(ctx, k); err != nil {
		return job.TriggerKey{}, err
	}
	now := s.now()
	t := job.Trigger{
		Key:         job.NewKey(k.Name+"-"+uuid.NewString(), ManualGroup),
		JobKey:      k,
		Description: "manual fire",
		Schedule:    job.Schedule{Kind: job.KindOnce},
		StartTime:   now,
		Priority:    10,
	}
	if _, err := s.ScheduleJob(ctx, nil, t); err != nil {
		return job.TriggerKey{}, err
	}
	return t.Key, nil
}

// Interrupt requests cancellation of every running execution of a job and
// returns how many were signalled. Jobs must honor ctx to stop early.
func (s *Service) Interrupt(ctx context.Context, k job.JobKey) (int, error) {
	k = job.NewKey(k.Name, k.Group)
	if _, err := s.store.GetJob(ctx, k); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range s.CurrentlyExecuting() {
		if e.JobKey == k && s.pool.Cancel(e.FireID) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("job interrupted", logx.String("job", k.String()), logx.Int("executions", n))
	}
	return n, nil
}

// GetAllTriggers lists every trigger ordered by key. Triggers removed while
// executing are not listed.
func (s *Service) GetAllTriggers(ctx context.Context) ([]job.Trigger, error) {
	return s.store.AllTriggers(ctx)
}

func (s *Service) GetTrigger(ctx context.Context, k job.TriggerKey) (job.Trigger, error) {
	return s.store.GetTrigger(ctx, job.NewKey(k.Name, k.Group))
}

func (s *Service) GetTriggersOfJob(ctx context.Context, k job.JobKey) ([]job.Trigger, error) {
	return s.store.TriggersOfJob(ctx, job.NewKey(k.Name, k.Group))
}

func (s *Service) GetJobDetail(ctx context.Context, k job.JobKey) (job.JobDetail, error) {
	return s.store.GetJob(ctx, job.NewKey(k.Name, k.Group))
}

func (s *Service) GetJobKeys(ctx context.Context) ([]job.JobKey, error) {
	return s.store.JobKeys(ctx)
}

// TriggerHistory returns recorded fire instances of a trigger, newest first.
func (s *Service) TriggerHistory(ctx context.Context, k job.TriggerKey, limit int) ([]job.FireInstance, error) {
	return s.store.History(ctx, job.NewKey(k.Name, k.Group), limit)
}

// CurrentlyExecuting lists fires running in the pool, oldest first.
func (s *Service) CurrentlyExecuting() []Executing {
	s.execMu.Lock()
	out := slices.Collect(maps.Values(s.executing))
	s.execMu.Unlock()
	slices.SortFunc(out, func(a, b Executing) int {
		if c := a.FireTime.Compare(b.FireTime); c != 0 {
			return c
		}
		if a.FireID < b.FireID {
			return -1
		}
		if a.FireID > b.FireID {
			return 1
		}
		return 0
	})
	return out
}

// Subscribe returns a channel of scheduler events. Call unsubscribe when done.
func (s *Service) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Location is the default zone for calendar schedules and displayed times.
func (s *Service) Location() *time.Location {
	_, calc := s.config()
	return calc.Loc
}

func (s *Service) Snapshot() Snapshot {
	cfg, calc := s.config()
	snap := Snapshot{
		InstanceID:       cfg.InstanceID,
		Running:          s.Running(),
		Timezone:         calc.Loc.String(),
		TickInterval:     cfg.TickInterval,
		MisfireThreshold: cfg.MisfireThreshold,
		Polls:            s.polls.Load(),
		Fired:            s.fired.Load(),
		Misfired:         s.misfired.Load(),
		StoreErrors:      s.storeErrors.Load(),
		Executing:        s.CurrentlyExecuting(),
		JobTypes:         s.reg.Types(),
	}
	if s.pool != nil {
		snap.Engine = s.pool.Snapshot()
	}
	return snap
}

func (s *Service) prepareJob(d job.JobDetail) (job.JobDetail, error) {
	d = d.Clone()
	d.Key = job.NewKey(d.Key.Name, d.Key.Group)
	if err := d.Validate(); err != nil {
		return job.JobDetail{}, err
	}
	if _, ok := s.reg.Lookup(d.Type); !ok {
		return job.JobDetail{}, job.InvalidJob("job %s: unknown type %q (registered: %v)", d.Key, d.Type, s.reg.Types())
	}
	return d, nil
}

func (s *Service) prepareTrigger(calc trigger.Calculator, t job.Trigger) (job.Trigger, error) {
	t.Key = job.NewKey(t.Key.Name, t.Key.Group)
	t.JobKey = job.NewKey(t.JobKey.Name, t.JobKey.Group)
	if t.StartTime.IsZero() {
		t.StartTime = s.now()
	}
	if t.Misfire == "" {
		t.Misfire = job.MisfireFireNow
	}
	if t.OnError == "" {
		t.OnError = job.ErrorContinue
	}
	t.State = job.StateWaiting
	t.Paused = false
	t.PreviousFireTime = time.Time{}
	t.TimesTriggered = 0
	if err := calc.Validate(t); err != nil {
		return job.Trigger{}, err
	}
	first, ok := calc.First(t)
	if !ok {
		return job.Trigger{}, fmt.Errorf("trigger %s will never fire: %w", t.Key, job.ErrInvalidSchedule)
	}
	t.NextFireTime = first
	return t, nil
}
