package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks a parsed config before it is committed. Every problem is
// reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		check(fmt.Errorf("logging.format: unknown %q (want console or json)", cfg.Logging.Format))
	}

	s := cfg.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	duration("scheduler.tick_interval", s.TickInterval)
	duration("scheduler.misfire_threshold", s.MisfireThreshold)
	duration("scheduler.retry_base", s.RetryBase)
	duration("scheduler.retry_max_delay", s.RetryMaxDelay)
	nonNegative("scheduler.batch_size", s.BatchSize)
	nonNegative("scheduler.completion_retries", s.CompletionRetries)

	e := cfg.Engine
	nonNegative("engine.workers", e.Workers)
	nonNegative("engine.history_size", e.HistorySize)
	duration("engine.default_timeout", e.DefaultTimeout)
	duration("engine.retry_base", e.RetryBase)
	duration("engine.retry_max_delay", e.RetryMaxDelay)

	st := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			check(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
		}
	default:
		check(fmt.Errorf("unknown storage.driver: %s", st.Driver))
	}
	duration("storage.busy_timeout", st.BusyTimeout)
	nonNegative("storage.history_size", st.HistorySize)
	nonNegative("storage.compact_every", st.CompactEvery)

	a := cfg.Admin
	duration("admin.read_timeout", a.ReadTimeout)
	duration("admin.write_timeout", a.WriteTimeout)
	duration("admin.idle_timeout", a.IdleTimeout)

	seen := map[string]bool{}
	for i, def := range cfg.Jobs {
		_, ts, err := def.Build()
		if err != nil {
			check(fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		for _, t := range ts {
			if seen[t.Key.String()] {
				check(fmt.Errorf("jobs[%d]: duplicate trigger %s", i, t.Key))
			}
			seen[t.Key.String()] = true
		}
	}
	return errors.Join(errs...)
}
