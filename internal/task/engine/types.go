package engine

import (
	"context"
	"time"
)

// Config controls the execution pool.
//
// The pool never queues beyond its worker count: callers reserve a slot with
// TryReserve before handing over work, so a saturated pool pushes back instead
// of buffering.
type Config struct {
	Workers int

	// DefaultTimeout bounds every execution when Task.Timeout is 0.
	// 0 means no timeout.
	DefaultTimeout time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

const (
	defaultWorkers       = 4
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
	defaultHistorySize   = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = defaultRetryJitter
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Task is a unit of work executed by the pool.
type Task struct {
	ID   string
	Name string
	// Timeout overrides Config.DefaultTimeout when > 0.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure.
	Retries int
	Run     func(ctx context.Context) error
	// Done is called on the worker goroutine once the task finished, failed,
	// was cancelled, or was discarded because the pool stopped.
	Done func(Result)
}

// Result describes a finished task.
type Result struct {
	ID       string
	Name     string
	Started  time.Time
	Finished time.Time
	Duration time.Duration
	Attempts int
	Err      error
	Panicked bool
}

// Running describes an in-flight task.
type Running struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	Reserved int
	Queued   int
	InFlight int

	Completed uint64
	Failed    uint64
	Panics    uint64
	Discarded uint64

	DefaultTimeout time.Duration

	History []HistoryItem
}
