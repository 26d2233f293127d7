package app

import (
	"strings"
	"time"

	"myschedule/internal/admin"
	"myschedule/internal/config"
	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
	"myschedule/internal/task/store"
	logx "myschedule/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick_interval", s.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	misfire, err := config.ParseDurationField("scheduler.misfire_threshold", s.MisfireThreshold)
	if err != nil {
		return scheduler.Config{}, err
	}
	base, err := config.ParseDurationField("scheduler.retry_base", s.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", s.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	// zero values fall back to scheduler defaults
	return scheduler.Config{
		InstanceID:        strings.TrimSpace(s.InstanceID),
		TickInterval:      tick,
		BatchSize:         s.BatchSize,
		MisfireThreshold:  misfire,
		Timezone:          strings.TrimSpace(s.Timezone),
		RetryBase:         base,
		RetryMaxDelay:     maxDelay,
		CompletionRetries: s.CompletionRetries,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	timeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("engine.retry_base", e.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        e.Workers,
		DefaultTimeout: timeout,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		HistorySize:    e.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "mem" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	out := store.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		HistorySize:  sc.HistorySize,
		CompactEvery: sc.CompactEvery,
	}
	if driver == "sqlite" || driver == "sqlite3" {
		out.BusyTimeout = busy
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 30*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
