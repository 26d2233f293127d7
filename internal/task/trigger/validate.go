package trigger

import (
	"time"

	"myschedule/internal/task/job"
)

// MinInterval is the smallest accepted repeat interval.
const MinInterval = time.Millisecond

// ValidateSchedule rejects malformed schedule specs.
func ValidateSchedule(s job.Schedule) error {
	if s.RepeatCount < 0 {
		return job.InvalidSchedule("repeat_count must be >= 0")
	}
	switch s.Kind {
	case job.KindInterval:
		if s.Interval < MinInterval {
			return job.InvalidSchedule("interval must be >= %s, got %s", MinInterval, s.Interval)
		}
	case job.KindCalendar:
		if _, err := parseCron(s.Cron); err != nil {
			return err
		}
		if s.Timezone != "" {
			if _, err := loadLocation(s.Timezone); err != nil {
				return err
			}
		}
	case job.KindOnce:
		if s.RepeatCount > 1 {
			return job.InvalidSchedule("once schedule cannot repeat %d times", s.RepeatCount)
		}
	case "":
		return job.InvalidSchedule("schedule kind required")
	default:
		return job.InvalidSchedule("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Validate checks a trigger definition before it is stored. A trigger that
// would never fire is rejected too.
func (c Calculator) Validate(t job.Trigger) error {
	if err := t.Key.Validate(); err != nil {
		return job.InvalidSchedule("trigger key: %v", err)
	}
	if err := t.JobKey.Validate(); err != nil {
		return job.InvalidSchedule("trigger %s job key: %v", t.Key, err)
	}
	if err := ValidateSchedule(t.Schedule); err != nil {
		return err
	}
	if t.StartTime.IsZero() {
		return job.InvalidSchedule("trigger %s: start time required", t.Key)
	}
	if !t.EndTime.IsZero() && !t.StartTime.IsZero() && t.EndTime.Before(t.StartTime) {
		return job.InvalidSchedule("trigger %s: end time %s before start time %s",
			t.Key, t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	switch t.Misfire {
	case "", job.MisfireFireNow, job.MisfireDoNothing, job.MisfireRescheduleNext:
	default:
		return job.InvalidSchedule("trigger %s: unknown misfire instruction %q", t.Key, t.Misfire)
	}
	switch t.OnError {
	case "", job.ErrorContinue, job.ErrorFail:
	default:
		return job.InvalidSchedule("trigger %s: unknown error policy %q", t.Key, t.OnError)
	}
	probe := t
	probe.TimesTriggered = 0
	if _, ok := c.First(probe); !ok {
		return job.InvalidSchedule("trigger %s will never fire", t.Key)
	}
	return nil
}

// Validate checks a trigger with UTC as the default calendar timezone.
func Validate(t job.Trigger) error { return defaultCalc.Validate(t) }
