// Package trigger computes fire times for job triggers (interval, calendar, once).
//
// Everything here is pure: the same trigger and instant always yield the same
// answer, and nothing is mutated.
package trigger

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"myschedule/internal/task/job"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Calculator evaluates triggers. Loc is the fallback timezone for calendar
// schedules that do not name one.
type Calculator struct {
	Loc *time.Location
}

// NewCalculator returns a calculator with the given default location (UTC when nil).
func NewCalculator(loc *time.Location) Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return Calculator{Loc: loc}
}

var defaultCalc = NewCalculator(time.UTC)

// NextFireTime returns the first fire time strictly after `after`, using UTC
// for calendar schedules without a timezone.
func NextFireTime(t job.Trigger, after time.Time) (time.Time, bool) {
	return defaultCalc.Next(t, after)
}

// FirstFireTime returns the first fire time at or after the trigger's start.
func FirstFireTime(t job.Trigger) (time.Time, bool) {
	return defaultCalc.First(t)
}

// Next returns the first fire time strictly after `after`. It returns false when
// the schedule is exhausted: repeat count reached, once-trigger already fired,
// no calendar match, or the next fire would fall after EndTime.
//
// If `after` is before StartTime, interval and once triggers fire at StartTime
// itself; calendar triggers fire at the first match at or after StartTime.
func (c Calculator) Next(t job.Trigger, after time.Time) (time.Time, bool) {
	s := t.Schedule
	if s.RepeatCount > 0 && t.TimesTriggered >= s.RepeatCount {
		return time.Time{}, false
	}

	var next time.Time
	switch s.Kind {
	case job.KindInterval:
		if s.Interval <= 0 || t.StartTime.IsZero() {
			return time.Time{}, false
		}
		if after.Before(t.StartTime) {
			next = t.StartTime
		} else {
			k := after.Sub(t.StartTime)/s.Interval + 1
			next = t.StartTime.Add(k * s.Interval)
		}
	case job.KindCalendar:
		sched, loc, err := c.calendar(s)
		if err != nil {
			return time.Time{}, false
		}
		from := after
		if !t.StartTime.IsZero() && after.Before(t.StartTime) {
			// Next() works on whole seconds strictly after its input; stepping back
			// one nanosecond makes StartTime itself eligible.
			from = t.StartTime.Add(-time.Nanosecond)
		}
		next = sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		next = next.In(after.Location())
	case job.KindOnce:
		if t.TimesTriggered > 0 || t.StartTime.IsZero() || !after.Before(t.StartTime) {
			return time.Time{}, false
		}
		next = t.StartTime
	default:
		return time.Time{}, false
	}

	if !t.EndTime.IsZero() && next.After(t.EndTime) {
		return time.Time{}, false
	}
	return next, true
}

// First returns the first fire time at or after StartTime.
func (c Calculator) First(t job.Trigger) (time.Time, bool) {
	return c.Next(t, t.StartTime.Add(-time.Nanosecond))
}

// NextAtOrAfter returns the first fire time at or after `at`.
func (c Calculator) NextAtOrAfter(t job.Trigger, at time.Time) (time.Time, bool) {
	return c.Next(t, at.Add(-time.Nanosecond))
}

// Preview lists up to n upcoming fire times after `from`, as if every one of
// them fired on time.
func (c Calculator) Preview(t job.Trigger, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	cur := from
	for i := 0; i < n; i++ {
		next, ok := c.Next(t, cur)
		if !ok {
			break
		}
		out = append(out, next)
		t.TimesTriggered++
		cur = next
	}
	return out
}

// Location resolves the timezone a calendar schedule is evaluated in.
func (c Calculator) Location(s job.Schedule) (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		if c.Loc == nil {
			return time.UTC, nil
		}
		return c.Loc, nil
	}
	return loadLocation(tz)
}

func (c Calculator) calendar(s job.Schedule) (cron.Schedule, *time.Location, error) {
	loc, err := c.Location(s)
	if err != nil {
		return nil, nil, err
	}
	sched, err := parseCron(s.Cron)
	if err != nil {
		return nil, nil, err
	}
	return sched, loc, nil
}

// Parsed cron expressions and locations are immutable; cache them since the
// poller evaluates the same handful of expressions over and over.
var (
	cronCache sync.Map // string -> cron.Schedule
	locCache  sync.Map // string -> *time.Location
)

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := cronCache.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, job.InvalidSchedule("calendar expression %q: use an interval schedule for @every", expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, job.InvalidSchedule("calendar expression %q: %v", expr, err)
	}
	cronCache.Store(expr, sched)
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if v, ok := locCache.Load(tz); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, job.InvalidSchedule("timezone %q: %v", tz, err)
	}
	locCache.Store(tz, loc)
	return loc, nil
}
