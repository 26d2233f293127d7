package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"myschedule/internal/task/job"
	"myschedule/internal/task/trigger"
	logx "myschedule/pkg/logx"
)

// recover releases triggers this instance left ACQUIRED, moves them past the
// interrupted fire and schedules a one-shot recovery fire for recoverable jobs.
func (s *Service) recover(ctx context.Context) error {
	cfg, calc := s.config()
	ts, err := s.store.RecoverAcquired(ctx, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("recover acquired triggers: %w", err)
	}
	if len(ts) == 0 {
		return nil
	}
	recovered := 0
	for _, t := range ts {
		ok, err := s.recoverOne(ctx, calc, t)
		if err != nil {
			s.log.Warn("trigger recovery failed", logx.String("trigger", t.Key.String()), logx.Any("err", err))
			continue
		}
		if ok {
			recovered++
		}
	}
	s.log.Info("recovered interrupted triggers",
		logx.String("instance", cfg.InstanceID),
		logx.Int("released", len(ts)),
		logx.Int("refired", recovered),
	)
	return nil
}

func (s *Service) recoverOne(ctx context.Context, calc trigger.Calculator, t job.Trigger) (bool, error) {
	if oneShotGroup(t.Key.Group) {
		if err := s.store.RemoveTrigger(ctx, t.Key); err != nil && !errors.Is(err, job.ErrNotFound) {
			return false, err
		}
	} else {
		scheduled := t.NextFireTime
		_, err := s.store.UpdateTrigger(ctx, t.Key, func(cur *job.Trigger) error {
			if cur.State != job.StateWaiting {
				return nil
			}
			cur.TimesTriggered++
			cur.PreviousFireTime = scheduled
			if next, ok := calc.Next(*cur, scheduled); ok {
				cur.NextFireTime = next
			} else {
				cur.NextFireTime = time.Time{}
				cur.State = job.StateComplete
			}
			return nil
		})
		if err != nil && !errors.Is(err, job.ErrNotFound) {
			return false, err
		}
	}

	d, err := s.store.GetJob(ctx, t.JobKey)
	if errors.Is(err, job.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !d.Recoverable {
		return false, nil
	}

	now := s.now()
	rt := job.Trigger{
		Key:          job.NewKey(fmt.Sprintf("recover_%s_%s_%d", t.Key.Group, t.Key.Name, now.UnixNano()), RecoveryGroup),
		JobKey:       t.JobKey,
		Description:  "recovery of " + t.Key.String(),
		Schedule:     job.Schedule{Kind: job.KindOnce},
		StartTime:    now,
		Priority:     t.Priority,
		Misfire:      job.MisfireFireNow,
		OnError:      job.ErrorContinue,
		State:        job.StateWaiting,
		NextFireTime: now,
	}
	if err := s.store.ScheduleJob(ctx, nil, rt); err != nil {
		return false, err
	}
	s.log.Info("scheduled recovery fire", logx.String("trigger", t.Key.String()), logx.String("recovery", rt.Key.String()))
	return true, nil
}
