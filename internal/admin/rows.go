package admin

import (
	"context"
	"errors"
	"time"

	"myschedule/internal/task/job"
)

// TimeLayout renders NextRun and LastRun.
const TimeLayout = "2006-01-02 15:04:05"

// Row is one line of the scheduler's trigger table.
type Row struct {
	Trigger   string    `json:"trigger"`
	JobDetail string    `json:"job_detail"`
	Type      string    `json:"type"`
	State     job.State `json:"state"`
	NextRun   string    `json:"next_run"`
	LastRun   string    `json:"last_run"`
}

// Reader is the read side of the management API that Rows needs.
type Reader interface {
	GetAllTriggers(ctx context.Context) ([]job.Trigger, error)
	GetJobDetail(ctx context.Context, k job.JobKey) (job.JobDetail, error)
}

// Rows lists every trigger as a table row, in trigger key order. Times are
// rendered in loc (UTC when nil). A job removed between the two reads leaves
// the job type empty.
func Rows(ctx context.Context, r Reader, loc *time.Location) ([]Row, error) {
	ts, err := r.GetAllTriggers(ctx)
	if err != nil {
		return nil, err
	}
	jobTypes := map[job.Key]string{}
	out := make([]Row, 0, len(ts))
	for _, t := range ts {
		typ, ok := jobTypes[t.JobKey]
		if !ok {
			d, err := r.GetJobDetail(ctx, t.JobKey)
			switch {
			case err == nil:
				typ = d.Type
			case errors.Is(err, job.ErrNotFound):
			default:
				return nil, err
			}
			jobTypes[t.JobKey] = typ
		}
		out = append(out, NewRow(t, typ, loc))
	}
	return out, nil
}

// NewRow formats one trigger.
func NewRow(t job.Trigger, jobType string, loc *time.Location) Row {
	return Row{
		Trigger:   t.Key.String(),
		JobDetail: t.JobKey.String(),
		Type:      string(t.Schedule.Kind) + "/" + jobType,
		State:     t.EffectiveState(),
		NextRun:   formatTime(t.NextFireTime, loc),
		LastRun:   formatTime(t.PreviousFireTime, loc),
	}
}

func formatTime(ts time.Time, loc *time.Location) string {
	if ts.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(TimeLayout)
}
