// Package store persists job details, triggers and fire history.
//
// Three backends share one contract:
//   - "memory": RAM only, lost on restart
//   - "file": memory plus a JSON Lines change journal and periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// Every mutating call is a single atomic store operation. Store I/O failures
// are reported wrapped in job.ErrStoreUnavailable and may be retried.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"myschedule/internal/task/job"
	logx "myschedule/pkg/logx"
)

// ErrClosed is returned (wrapped in job.ErrStoreUnavailable) after Close.
var ErrClosed = errors.New("store closed")

// DefaultHistorySize bounds the fire history kept per trigger.
const DefaultHistorySize = 100

// Config configures the store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	HistorySize int           // per trigger; 0 means DefaultHistorySize
	// CompactEvery is the number of journal writes between snapshots (file only).
	CompactEvery int
}

// Completion is the post-fire update applied by CompleteFire.
type Completion struct {
	Key job.TriggerKey
	// State is WAITING, COMPLETE or ERROR.
	State            job.State
	NextFireTime     time.Time
	PreviousFireTime time.Time
	TimesTriggered   int
	// StartTime re-anchors the schedule when non-zero.
	StartTime time.Time
	// Fire is nil when the trigger advanced without executing (misfire skip).
	Fire *job.FireInstance
}

// Store is the persistence API used by the scheduler.
type Store interface {
	// StoreJob adds a job. An existing job is overwritten only when replace is set.
	StoreJob(ctx context.Context, d job.JobDetail, replace bool) error
	GetJob(ctx context.Context, k job.JobKey) (job.JobDetail, error)
	// RemoveJob deletes a job and all its triggers. In-flight triggers are
	// soft-deleted and purged when their execution completes.
	RemoveJob(ctx context.Context, k job.JobKey) error
	JobKeys(ctx context.Context) ([]job.JobKey, error)

	// ScheduleJob inserts the trigger, and the job when d is non-nil, atomically.
	// A nil d requires the trigger's job to exist already.
	ScheduleJob(ctx context.Context, d *job.JobDetail, t job.Trigger) error
	GetTrigger(ctx context.Context, k job.TriggerKey) (job.Trigger, error)
	TriggersOfJob(ctx context.Context, k job.JobKey) ([]job.Trigger, error)
	AllTriggers(ctx context.Context) ([]job.Trigger, error)
	// RemoveTrigger deletes a trigger, and its job when the job is not durable
	// and has no other trigger. An in-flight trigger is soft-deleted.
	RemoveTrigger(ctx context.Context, k job.TriggerKey) error
	// UpdateTrigger applies fn to a copy of the trigger and stores the result.
	// The key and job key cannot be changed.
	UpdateTrigger(ctx context.Context, k job.TriggerKey, fn func(*job.Trigger) error) (job.Trigger, error)

	// TriggersDueBefore lists dispatchable triggers with NextFireTime <= instant,
	// ordered by NextFireTime, then priority descending, then key.
	TriggersDueBefore(ctx context.Context, instant time.Time, limit int) ([]job.TriggerKey, error)
	// AcquireTrigger claims a WAITING trigger for instanceID. It fails with
	// job.ErrConflict when the trigger is not acquirable.
	AcquireTrigger(ctx context.Context, k job.TriggerKey, instanceID string) (job.Trigger, error)
	// ReleaseTrigger returns an acquired trigger to WAITING. It is a no-op for
	// unknown or unheld triggers.
	ReleaseTrigger(ctx context.Context, k job.TriggerKey) error
	// CompleteFire applies the post-fire update, records the fire instance and
	// clears the claim in one operation.
	CompleteFire(ctx context.Context, c Completion) error
	// History returns up to limit fire instances of a trigger, newest first.
	History(ctx context.Context, k job.TriggerKey, limit int) ([]job.FireInstance, error)
	// RecoverAcquired releases triggers left ACQUIRED by instanceID (after a
	// crash) and returns them as they were when acquired.
	RecoverAcquired(ctx context.Context, instanceID string) ([]job.Trigger, error)

	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	switch driver {
	case "", "memory", "mem":
		return NewMemory(cfg.HistorySize), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
