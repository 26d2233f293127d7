//go:build linux

package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
)

// Systemd controls a unit through the systemd D-Bus API. A connection is
// opened per fire; fires are infrequent and the bus may restart in between.
type Systemd struct{}

func NewSystemd() *Systemd { return &Systemd{} }

func (Systemd) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	unit, action, err := unitAction(jc)
	if err != nil {
		return err
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("systemd: connect: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	}
	if err != nil {
		return fmt.Errorf("systemd: %s %s: %w", action, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		jc.SetResult(action + " " + unit + ": " + res)
		if res != "done" {
			return fmt.Errorf("systemd: %s %s: job %s", action, unit, res)
		}
		return nil
	}
}

func unitAction(jc *scheduler.JobContext) (string, string, error) {
	unit := strings.TrimSpace(jc.Job.Data["unit"])
	if unit == "" {
		return "", "", engine.NoRetry(fmt.Errorf("systemd: unit is required"))
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action := strings.ToLower(strings.TrimSpace(jc.Job.Data["action"]))
	switch action {
	case "":
		action = "restart"
	case "start", "stop", "restart":
	default:
		return "", "", engine.NoRetry(fmt.Errorf("systemd: unknown action %q", action))
	}
	return unit, action, nil
}
