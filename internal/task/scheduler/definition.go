package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"myschedule/internal/task/job"
	"myschedule/internal/task/trigger"
	logx "myschedule/pkg/logx"
)

// JobDefinition declares a job and its triggers in config files or API
// requests. Schedules use the trigger.Parse syntax.
type JobDefinition struct {
	Name               string              `json:"name"`
	Group              string              `json:"group,omitempty"`
	Type               string              `json:"type"`
	Description        string              `json:"description,omitempty"`
	Durable            bool                `json:"durable,omitempty"`
	Recoverable        bool                `json:"recoverable,omitempty"`
	DisallowConcurrent bool                `json:"disallow_concurrent,omitempty"`
	MaxRetries         int                 `json:"max_retries,omitempty"`
	Data               map[string]string   `json:"data,omitempty"`
	Triggers           []TriggerDefinition `json:"triggers,omitempty"`
}

// TriggerDefinition declares one trigger. StartAt and EndAt are RFC 3339
// timestamps; an empty StartAt means now.
type TriggerDefinition struct {
	Name        string `json:"name,omitempty"`
	Group       string `json:"group,omitempty"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Repeat      int    `json:"repeat,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	StartAt     string `json:"start_at,omitempty"`
	EndAt       string `json:"end_at,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Misfire     string `json:"misfire,omitempty"`
	OnError     string `json:"on_error,omitempty"`
}

// Build converts the definition. Unnamed triggers are named after the job,
// with a numeric suffix when there are several.
func (d JobDefinition) Build() (job.JobDetail, []job.Trigger, error) {
	jd := job.JobDetail{
		Key:                job.NewKey(strings.TrimSpace(d.Name), strings.TrimSpace(d.Group)),
		Type:               strings.TrimSpace(d.Type),
		Description:        d.Description,
		Durable:            d.Durable,
		Recoverable:        d.Recoverable,
		DisallowConcurrent: d.DisallowConcurrent,
		MaxRetries:         d.MaxRetries,
		Data:               d.Data,
	}
	if err := jd.Validate(); err != nil {
		return job.JobDetail{}, nil, err
	}
	ts := make([]job.Trigger, 0, len(d.Triggers))
	for i, td := range d.Triggers {
		name := strings.TrimSpace(td.Name)
		if name == "" {
			name = jd.Key.Name
			if len(d.Triggers) > 1 {
				name += "-" + strconv.Itoa(i+1)
			}
		}
		t, err := td.build(job.NewKey(name, td.Group), jd.Key)
		if err != nil {
			return job.JobDetail{}, nil, err
		}
		ts = append(ts, t)
	}
	return jd, ts, nil
}

func (td TriggerDefinition) build(k job.TriggerKey, jk job.JobKey) (job.Trigger, error) {
	sched, err := trigger.Parse(td.Schedule)
	if err != nil {
		return job.Trigger{}, err
	}
	sched.RepeatCount = td.Repeat
	sched.Timezone = strings.TrimSpace(td.Timezone)
	t := job.Trigger{
		Key:         k,
		JobKey:      jk,
		Description: td.Description,
		Schedule:    sched,
		Priority:    td.Priority,
		Misfire:     job.MisfireInstruction(strings.ToUpper(strings.TrimSpace(td.Misfire))),
		OnError:     job.ErrorPolicy(strings.ToUpper(strings.TrimSpace(td.OnError))),
	}
	if t.StartTime, err = parseTimestamp(k, "start_at", td.StartAt); err != nil {
		return job.Trigger{}, err
	}
	if t.EndTime, err = parseTimestamp(k, "end_at", td.EndAt); err != nil {
		return job.Trigger{}, err
	}
	return t, nil
}

func parseTimestamp(k job.TriggerKey, field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, job.InvalidSchedule("trigger %s: %s %q is not RFC 3339", k, field, raw)
	}
	return ts, nil
}

// DefineResult reports what Define changed.
type DefineResult struct {
	Job       job.JobKey       `json:"job"`
	Created   bool             `json:"created"`
	Scheduled []job.TriggerKey `json:"scheduled,omitempty"`
	Kept      []job.TriggerKey `json:"kept,omitempty"`
}

// Define stores a job definition. A new job is inserted together with its
// first trigger. An existing job has its detail replaced. Triggers that
// already exist are kept with their runtime state; missing ones are scheduled.
func (s *Service) Define(ctx context.Context, def JobDefinition) (DefineResult, error) {
	d, ts, err := def.Build()
	if err != nil {
		return DefineResult{}, err
	}
	_, calc := s.config()
	for _, t := range ts {
		if _, err := s.prepareTrigger(calc, t); err != nil {
			return DefineResult{}, err
		}
	}

	res := DefineResult{Job: d.Key}
	_, err = s.store.GetJob(ctx, d.Key)
	switch {
	case errors.Is(err, job.ErrNotFound):
		res.Created = true
		if len(ts) == 0 {
			if err := s.AddJob(ctx, d, false); err != nil {
				return res, err
			}
			break
		}
		if _, err := s.ScheduleJob(ctx, &d, ts[0]); err != nil {
			return res, err
		}
		res.Scheduled = append(res.Scheduled, ts[0].Key)
		ts = ts[1:]
	case err != nil:
		return res, err
	default:
		if err := s.AddJob(ctx, d, true); err != nil {
			return res, err
		}
	}

	for _, t := range ts {
		_, err := s.store.GetTrigger(ctx, t.Key)
		switch {
		case err == nil:
			res.Kept = append(res.Kept, t.Key)
			continue
		case !errors.Is(err, job.ErrNotFound):
			return res, err
		}
		if _, err := s.ScheduleJob(ctx, nil, t); err != nil {
			return res, err
		}
		res.Scheduled = append(res.Scheduled, t.Key)
	}
	if len(res.Kept) > 0 {
		s.log.Debug("kept existing triggers", logx.String("job", d.Key.String()), logx.Int("count", len(res.Kept)))
	}
	return res, nil
}
