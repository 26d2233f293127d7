package trigger

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"myschedule/internal/task/job"
)

// Parse turns a schedule string into a job.Schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "@daily"
//   - Interval duration: "55m", "2h30m", "@every 55m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - "once": a single fire at the trigger's start time
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
func Parse(raw string) (job.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return job.Schedule{}, job.InvalidSchedule("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case low == "once":
		return job.Schedule{Kind: job.KindOnce}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return job.Schedule{}, job.InvalidSchedule("cron schedule required after 'cron:'")
		}
		return calendarSchedule(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return intervalSchedule(s[len("@every"):])
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return calendarSchedule(s)
	}

	if reHHMM.MatchString(s) {
		return intervalSchedule(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return job.Schedule{}, job.InvalidSchedule("interval must be > 0")
		}
		return job.Schedule{Kind: job.KindInterval, Interval: d}, nil
	}

	return job.Schedule{}, job.InvalidSchedule(
		"schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or 'once')",
		raw,
	)
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func calendarSchedule(expr string) (job.Schedule, error) {
	if _, err := parseCron(expr); err != nil {
		return job.Schedule{}, err
	}
	return job.Schedule{Kind: job.KindCalendar, Cron: expr}, nil
}

func intervalSchedule(v string) (job.Schedule, error) {
	d, err := parseInterval(v)
	if err != nil {
		return job.Schedule{}, err
	}
	return job.Schedule{Kind: job.KindInterval, Interval: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, job.InvalidSchedule("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, job.InvalidSchedule("interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, job.InvalidSchedule("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, job.InvalidSchedule("HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, job.InvalidSchedule("minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, job.InvalidSchedule("interval must be > 0")
	}
	return d, nil
}

// Describe renders a schedule for humans and logs.
func Describe(s job.Schedule) string {
	var b strings.Builder
	switch s.Kind {
	case job.KindInterval:
		b.WriteString("every " + s.Interval.String())
	case job.KindCalendar:
		b.WriteString("cron " + s.Cron)
		if s.Timezone != "" {
			b.WriteString(" (" + s.Timezone + ")")
		}
	case job.KindOnce:
		return "once"
	default:
		return string(s.Kind)
	}
	if s.RepeatCount > 0 {
		b.WriteString(" x")
		b.WriteString(strconv.Itoa(s.RepeatCount))
	}
	return b.String()
}
