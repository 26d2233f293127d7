package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/job"
	logx "myschedule/pkg/logx"
)

// Config controls the coordinator loop.
type Config struct {
	// InstanceID owns acquired triggers. Triggers left ACQUIRED by the same ID
	// are recovered on Start.
	InstanceID string
	// TickInterval is the poll period when nothing wakes the loop earlier.
	TickInterval time.Duration
	// BatchSize caps the triggers acquired per poll.
	BatchSize int
	// MisfireThreshold is how late a fire may be before misfire handling applies.
	MisfireThreshold time.Duration
	// Timezone is the default IANA zone for calendar schedules.
	Timezone string

	// Store retry policy for polling and completion.
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	CompletionRetries int
}

const (
	DefaultInstanceID = "NON_CLUSTERED"

	// RecoveryGroup holds one-shot triggers that re-fire jobs interrupted by a crash.
	RecoveryGroup = "RECOVERING_JOBS"
	// ManualGroup holds one-shot triggers created by TriggerJob.
	ManualGroup = "MANUAL_TRIGGER"

	defaultTick              = 100 * time.Millisecond
	defaultBatchSize         = 16
	defaultMisfireThreshold  = 60 * time.Second
	defaultRetryBase         = 200 * time.Millisecond
	defaultRetryMaxDelay     = 10 * time.Second
	defaultCompletionRetries = 5
)

func (c Config) withDefaults() Config {
	c.InstanceID = strings.TrimSpace(c.InstanceID)
	if c.InstanceID == "" {
		c.InstanceID = DefaultInstanceID
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTick
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = defaultMisfireThreshold
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.CompletionRetries <= 0 {
		c.CompletionRetries = defaultCompletionRetries
	}
	return c
}

// Job is a registered job implementation.
type Job interface {
	Execute(ctx context.Context, jc *JobContext) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, jc *JobContext) error

func (f JobFunc) Execute(ctx context.Context, jc *JobContext) error { return f(ctx, jc) }

// JobContext is handed to a job for one fire.
type JobContext struct {
	FireID            string
	Job               job.JobDetail
	Trigger           job.Trigger
	ScheduledFireTime time.Time
	FireTime          time.Time
	Recovering        bool
	Misfired          bool
	Log               logx.Logger

	mu     sync.Mutex
	result string
}

// SetResult stores a short result string in the fire instance.
func (jc *JobContext) SetResult(s string) {
	jc.mu.Lock()
	jc.result = s
	jc.mu.Unlock()
}

func (jc *JobContext) Result() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.result
}

// Registry maps job type names to implementations.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]Job{}}
}

// Register adds a job type. Registering the same name twice is an error.
func (r *Registry) Register(name string, j Job) error {
	name = strings.TrimSpace(name)
	if name == "" || j == nil {
		return fmt.Errorf("register job type %q: name and implementation required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("job type %q already registered", name)
	}
	r.jobs[name] = j
	return nil
}

func (r *Registry) Lookup(name string) (Job, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	return j, ok
}

// Types lists registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Executing describes a fire currently running in the pool.
type Executing struct {
	FireID            string    `json:"fire_id"`
	JobKey            job.Key   `json:"job_key"`
	TriggerKey        job.Key   `json:"trigger_key"`
	ScheduledFireTime time.Time `json:"scheduled_fire_time"`
	FireTime          time.Time `json:"fire_time"`
	Recovering        bool      `json:"recovering,omitempty"`
}

// TriggerEvent is the payload of trigger.* bus events.
type TriggerEvent struct {
	TriggerKey   job.Key   `json:"trigger_key"`
	JobKey       job.Key   `json:"job_key"`
	State        job.State `json:"state,omitempty"`
	NextFireTime time.Time `json:"next_fire_time,omitempty"`
}

// FireEvent is the payload of job.started/finished/failed bus events.
type FireEvent struct {
	Fire job.FireInstance `json:"fire"`
}

// Snapshot is a diagnostics view of the scheduler.
type Snapshot struct {
	InstanceID       string          `json:"instance_id"`
	Running          bool            `json:"running"`
	Timezone         string          `json:"timezone"`
	TickInterval     time.Duration   `json:"tick_interval"`
	MisfireThreshold time.Duration   `json:"misfire_threshold"`
	Polls            uint64          `json:"polls"`
	Fired            uint64          `json:"fired"`
	Misfired         uint64          `json:"misfired"`
	StoreErrors      uint64          `json:"store_errors"`
	Executing        []Executing     `json:"executing"`
	JobTypes         []string        `json:"job_types"`
	Engine           engine.Snapshot `json:"engine"`
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for due checks and fire times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
