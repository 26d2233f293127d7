package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"myschedule/internal/task/scheduler"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Berlin
  tick_interval: 50ms
storage:
  driver: memory
admin:
  enabled: true
  addr: 127.0.0.1:0
  token: s3cret
jobs:
  - name: heartbeat
    type: log
    data:
      message: alive
    triggers:
      - schedule: "every:30s"
      - schedule: "0 3 * * *"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Timezone != "Europe/Berlin" || cfg.Admin.Token != "s3cret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Jobs) != 1 || len(cfg.Jobs[0].Triggers) != 2 || cfg.Jobs[0].Data["message"] != "alive" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"engine":{"workers":8},"storage":{"driver":"sqlite","path":"x.db"}}`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Engine.Workers != 8 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"engine":{"wokers":2}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"multi document yaml", "c.yaml", "engine: {}\n---\nadmin: {}\n", "multiple documents"},
		{"unknown yaml field", "c.yml", "storage:\n  drivr: memory\n", "unknown field"},
		{"bad duration", "c.yaml", "scheduler:\n  tick_interval: soon\n", "scheduler.tick_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tc.file, tc.body)
			_, err := NewConfigManager(p).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "")
	if _, err := NewConfigManager(p).Parse(); err != nil {
		t.Fatalf("Parse empty yaml: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", BatchSize: -1},
		Engine:    EngineConfig{Workers: -2, RetryBase: "-1s"},
		Storage:   StorageConfig{Driver: "sqlite"},
		Jobs: []scheduler.JobDefinition{
			{Name: "a", Type: "noop", Triggers: []scheduler.TriggerDefinition{{Schedule: "every:1m"}}},
			{Name: "a", Type: "noop", Triggers: []scheduler.TriggerDefinition{{Schedule: "every:5m"}}},
			{Name: "b", Type: "noop", Triggers: []scheduler.TriggerDefinition{{Schedule: "every:nope"}}},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{
		"scheduler.timezone",
		"scheduler.batch_size",
		"engine.workers",
		"engine.retry_base",
		"storage.path is required",
		"duplicate trigger",
		"jobs[2]",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("Validate(zero) = %v", err)
	}
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Admin: AdminConfig{Enabled: true, Token: "old-secret"}}
	newCfg := &Config{
		Admin:  AdminConfig{Enabled: true, Token: "new-secret"},
		Engine: EngineConfig{Workers: 3},
		Jobs:   []scheduler.JobDefinition{{Name: "x", Type: "noop"}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "admin,engine,jobs" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("slow subscriber did not receive the latest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	m.Unsubscribe(ch)
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "engine:\n  workers: 2\n")
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Engine.Workers == 99 {
			return errors.New("too many workers")
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// fsnotify needs the watch registered before the write lands.
	var got *Config
	waitFor(t, 3*time.Second, "reload", func() bool {
		writeFile(t, dir, "config.yaml", "engine:\n  workers: 5\n")
		select {
		case got = <-ch:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	})
	if got.Engine.Workers != 5 || m.Get().Engine.Workers != 5 {
		t.Fatalf("workers = %d / %d, want 5", got.Engine.Workers, m.Get().Engine.Workers)
	}

	for _, body := range []string{"engine:\n  workers: -1\n", "engine:\n  workers: 99\n"} {
		writeFile(t, dir, "config.yaml", body)
		time.Sleep(200 * time.Millisecond)
		if w := m.Get().Engine.Workers; w != 5 {
			t.Fatalf("rejected config committed: workers = %d", w)
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()
	b := newBackoff()
	var last time.Duration
	for range 20 {
		last = b.next()
	}
	if last < restartBackoffMax || last > restartBackoffMax*3/2 {
		t.Fatalf("backoff = %v, want within [%v, %v]", last, restartBackoffMax, restartBackoffMax*3/2)
	}
	b.reset()
	if d := b.next(); d > restartBackoffBase*3/2 {
		t.Fatalf("after reset backoff = %v", d)
	}
}
