//go:build !linux

package jobs

import (
	"context"
	"errors"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
)

var errSystemdUnsupported = errors.New("systemd: unsupported OS (linux only)")

type Systemd struct{}

func NewSystemd() *Systemd { return &Systemd{} }

func (Systemd) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	return engine.NoRetry(errSystemdUnsupported)
}
