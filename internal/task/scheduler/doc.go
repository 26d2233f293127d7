// Package scheduler is the scheduler core: one coordinator loop per instance
// polls the store for due triggers, claims them and hands the bound jobs to the
// execution pool.
//
// The coordinator never runs job bodies itself. Each fire is:
//   - reserve a worker slot (saturated pools leave triggers WAITING)
//   - acquire the trigger in the store (exclusive claim)
//   - resolve the job detail and its registered implementation
//   - apply misfire handling, then submit to the pool
//
// Completion runs on the worker goroutine: it computes the next fire time,
// records the fire instance and returns the trigger to WAITING, COMPLETE or
// ERROR in one store operation.
//
// The management API (ScheduleJob, UnscheduleJob, GetAllTriggers, ...) lives
// on the same Service handle.
package scheduler
