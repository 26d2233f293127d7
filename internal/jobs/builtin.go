// Package jobs holds the job types shipped with the daemon.
//
// Every type reads its parameters from JobDetail.Data:
//
//	noop                        does nothing
//	log      message, level     writes message to the log
//	sleep    duration           blocks for duration or until interrupted
//	http     url, method,       sends a request and fails on non-2xx
//	         timeout
//	systemd  unit, action       start/stop/restart a unit over D-Bus (linux)
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
	logx "myschedule/pkg/logx"
)

const (
	TypeNoop    = "noop"
	TypeLog     = "log"
	TypeSleep   = "sleep"
	TypeHTTP    = "http"
	TypeSystemd = "systemd"
)

// RegisterBuiltins adds every built-in job type to reg.
func RegisterBuiltins(reg *scheduler.Registry) error {
	builtins := []struct {
		name string
		job  scheduler.Job
	}{
		{TypeNoop, scheduler.JobFunc(noop)},
		{TypeLog, scheduler.JobFunc(logMessage)},
		{TypeSleep, scheduler.JobFunc(sleep)},
		{TypeHTTP, NewHTTP(nil)},
		{TypeSystemd, NewSystemd()},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.job); err != nil {
			return err
		}
	}
	return nil
}

func noop(ctx context.Context, jc *scheduler.JobContext) error { return nil }

func logMessage(ctx context.Context, jc *scheduler.JobContext) error {
	msg := strings.TrimSpace(jc.Job.Data["message"])
	if msg == "" {
		msg = "job fired"
	}
	fields := []logx.Field{
		logx.String("job", jc.Job.Key.String()),
		logx.String("trigger", jc.Trigger.Key.String()),
		logx.Time("scheduled", jc.ScheduledFireTime),
	}
	if jc.Misfired {
		fields = append(fields, logx.Bool("misfired", true))
	}
	if jc.Recovering {
		fields = append(fields, logx.Bool("recovering", true))
	}
	switch strings.ToLower(strings.TrimSpace(jc.Job.Data["level"])) {
	case "debug":
		jc.Log.Debug(msg, fields...)
	case "warn", "warning":
		jc.Log.Warn(msg, fields...)
	case "error":
		jc.Log.Error(msg, fields...)
	default:
		jc.Log.Info(msg, fields...)
	}
	jc.SetResult(msg)
	return nil
}

func sleep(ctx context.Context, jc *scheduler.JobContext) error {
	d, err := dataDuration(jc, "duration", time.Second)
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		jc.SetResult("slept " + d.String())
		return nil
	}
}

// dataDuration reads a duration parameter. Malformed values are not retried.
func dataDuration(jc *scheduler.JobContext, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(jc.Job.Data[key])
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, engine.NoRetry(fmt.Errorf("%s: invalid %s %q", jc.Job.Type, key, raw))
	}
	return d, nil
}
