package job

import (
	"maps"
	"strings"
	"time"
)

// ScheduleKind tags the trigger variant.
type ScheduleKind string

const (
	KindInterval ScheduleKind = "interval"
	KindCalendar ScheduleKind = "calendar"
	KindOnce     ScheduleKind = "once"
)

// Schedule is the schedule payload of a trigger. Which fields are
// meaningful depends on Kind:
//   - interval: Interval, RepeatCount
//   - calendar: Cron, Timezone, RepeatCount
//   - once: none (fires at Trigger.StartTime)
type Schedule struct {
	Kind     ScheduleKind  `json:"kind"`
	Interval time.Duration `json:"interval,omitempty"`
	// RepeatCount is the total number of fires. 0 means unbounded.
	RepeatCount int    `json:"repeat_count,omitempty"`
	Cron        string `json:"cron,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// State is the lifecycle state of a trigger.
type State string

const (
	StateWaiting  State = "WAITING"
	StateAcquired State = "ACQUIRED"
	StatePaused   State = "PAUSED"
	StateBlocked  State = "BLOCKED"
	StateError    State = "ERROR"
	StateComplete State = "COMPLETE"
)

// MisfireInstruction selects what happens to a trigger whose fire time was
// missed by more than the scheduler's misfire threshold.
type MisfireInstruction string

const (
	// MisfireFireNow fires once immediately, then continues after the actual fire time.
	MisfireFireNow MisfireInstruction = "FIRE_NOW"
	// MisfireDoNothing skips to the next computed fire at or after now.
	MisfireDoNothing MisfireInstruction = "DO_NOTHING"
	// MisfireRescheduleNext skips the fire and re-anchors the schedule at now.
	MisfireRescheduleNext MisfireInstruction = "RESCHEDULE_NEXT"
)

// ErrorPolicy selects the trigger state after a failed execution.
type ErrorPolicy string

const (
	// ErrorContinue keeps the trigger on its schedule.
	ErrorContinue ErrorPolicy = "CONTINUE"
	// ErrorFail moves the trigger to ERROR until resumed.
	ErrorFail ErrorPolicy = "FAIL"
)

// JobDetail is the unit of work referenced by triggers.
type JobDetail struct {
	Key         Key    `json:"key"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Durable jobs survive the removal of their last trigger.
	Durable bool `json:"durable,omitempty"`
	// Recoverable jobs are re-fired after a crash interrupted their execution.
	Recoverable bool `json:"recoverable,omitempty"`
	// DisallowConcurrent blocks sibling triggers while one execution is in flight.
	DisallowConcurrent bool              `json:"disallow_concurrent,omitempty"`
	MaxRetries         int               `json:"max_retries,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
}

// Clone returns a deep copy.
func (d JobDetail) Clone() JobDetail {
	if d.Data != nil {
		d.Data = maps.Clone(d.Data)
	}
	return d
}

// Validate checks the job definition.
func (d JobDetail) Validate() error {
	if err := d.Key.Validate(); err != nil {
		return InvalidJob("job key: %v", err)
	}
	if strings.TrimSpace(d.Type) == "" {
		return InvalidJob("job %s: type required", d.Key)
	}
	if d.MaxRetries < 0 {
		return InvalidJob("job %s: max_retries must be >= 0", d.Key)
	}
	return nil
}

// Trigger is a schedule bound to exactly one job.
type Trigger struct {
	Key         Key                `json:"key"`
	JobKey      Key                `json:"job_key"`
	Description string             `json:"description,omitempty"`
	Schedule    Schedule           `json:"schedule"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time,omitempty"`
	Priority    int                `json:"priority,omitempty"`
	Misfire     MisfireInstruction `json:"misfire,omitempty"`
	OnError     ErrorPolicy        `json:"on_error,omitempty"`

	// Runtime state, owned by the scheduler.
	State            State     `json:"state"`
	Paused           bool      `json:"paused"`
	NextFireTime     time.Time `json:"next_fire_time,omitempty"`
	PreviousFireTime time.Time `json:"previous_fire_time,omitempty"`
	TimesTriggered   int       `json:"times_triggered,omitempty"`
}

// EffectiveState folds the paused overlay into the lifecycle state.
// An in-flight trigger reports ACQUIRED even when paused.
func (t Trigger) EffectiveState() State {
	if t.Paused && (t.State == StateWaiting || t.State == StateBlocked) {
		return StatePaused
	}
	return t.State
}

// MisfireOrDefault returns the misfire instruction, defaulting to FIRE_NOW.
func (t Trigger) MisfireOrDefault() MisfireInstruction {
	switch t.Misfire {
	case MisfireDoNothing, MisfireRescheduleNext:
		return t.Misfire
	default:
		return MisfireFireNow
	}
}

// Dispatchable reports whether the trigger may be picked up by the poller.
func (t Trigger) Dispatchable() bool {
	return t.State == StateWaiting && !t.Paused && !t.NextFireTime.IsZero()
}

// FireInstance is one concrete execution record of a trigger firing.
type FireInstance struct {
	ID                string        `json:"id"`
	TriggerKey        Key           `json:"trigger_key"`
	JobKey            Key           `json:"job_key"`
	Trigger           Trigger       `json:"trigger"`
	ScheduledFireTime time.Time     `json:"scheduled_fire_time"`
	ActualFireTime    time.Time     `json:"actual_fire_time"`
	PreviousFireTime  time.Time     `json:"previous_fire_time,omitempty"`
	NextFireTime      time.Time     `json:"next_fire_time,omitempty"`
	FinishedAt        time.Time     `json:"finished_at"`
	Duration          time.Duration `json:"duration"`
	Attempts          int           `json:"attempts"`
	Recovering        bool          `json:"recovering,omitempty"`
	Misfired          bool          `json:"misfired,omitempty"`
	Result            string        `json:"result,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// Succeeded reports whether the execution finished without error.
func (f FireInstance) Succeeded() bool { return f.Error == "" }
