package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"myschedule/internal/eventbus"
	"myschedule/internal/task/engine"
	"myschedule/internal/task/job"
	"myschedule/internal/task/store"
	logx "myschedule/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store store.Store
	pool  *engine.Service
	reg   *Registry
}

func newHarness(t *testing.T, cfg Config, workers int, opts ...Option) *harness {
	t.Helper()
	st := store.NewMemory(store.DefaultHistorySize)
	pool := engine.New(engine.Config{Workers: workers, RetryBase: time.Millisecond}, logx.Nop(), nil)
	pool.Start(context.Background())
	reg := NewRegistry()
	svc := New(cfg, st, pool, reg, logx.Nop(), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
		pool.Stop(ctx)
		_ = st.Close()
	})
	return &harness{svc: svc, store: st, pool: pool, reg: reg}
}

func (h *harness) register(t *testing.T, name string, fn JobFunc) {
	t.Helper()
	if err := h.reg.Register(name, fn); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		<-tick.C
	}
}

func mustTrigger(t *testing.T, h *harness, k job.TriggerKey) job.Trigger {
	t.Helper()
	tr, err := h.svc.GetTrigger(context.Background(), k)
	if err != nil {
		t.Fatalf("GetTrigger(%s): %v", k, err)
	}
	return tr
}

func intervalTrigger(name string, start time.Time, every time.Duration, repeat int) job.Trigger {
	return job.Trigger{
		Key:       job.NewKey(name, ""),
		Schedule:  job.Schedule{Kind: job.KindInterval, Interval: every, RepeatCount: repeat},
		StartTime: start,
	}
}

func TestRepeatCountFiresExactlyN(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 2)
	var runs atomic.Int32
	h.register(t, "count", func(ctx context.Context, jc *JobContext) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()
	d := &job.JobDetail{Key: job.NewKey("counter", ""), Type: "count"}
	tk := job.NewKey("every-20ms", "")
	if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(tk.Name, time.Now(), 20*time.Millisecond, 4)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, "trigger COMPLETE", func() bool {
		return mustTrigger(t, h, tk).State == job.StateComplete
	})
	hist, err := h.svc.TriggerHistory(ctx, tk, 0)
	if err != nil {
		t.Fatalf("TriggerHistory: %v", err)
	}
	if len(hist) != 4 || runs.Load() != 4 {
		t.Fatalf("fires = %d, runs = %d, want 4", len(hist), runs.Load())
	}
	tr := mustTrigger(t, h, tk)
	if tr.TimesTriggered != 4 || !tr.NextFireTime.IsZero() {
		t.Fatalf("trigger after completion = %+v", tr)
	}
	// Newest first.
	if !hist[0].ScheduledFireTime.After(hist[3].ScheduledFireTime) {
		t.Fatalf("history not newest first: %v then %v", hist[0].ScheduledFireTime, hist[3].ScheduledFireTime)
	}
}

func TestEndToEndIntervalOneSecondRepeatThree(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for several seconds")
	}
	t.Parallel()
	h := newHarness(t, Config{}, 4)
	h.register(t, "noop", func(ctx context.Context, jc *JobContext) error { return nil })
	ctx := context.Background()
	tk := job.NewKey("e2e", "")
	d := &job.JobDetail{Key: job.NewKey("e2e-job", ""), Type: "noop"}
	if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(tk.Name, time.Now(), time.Second, 3)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(4 * time.Second)

	hist, err := h.svc.TriggerHistory(ctx, tk, 0)
	if err != nil {
		t.Fatalf("TriggerHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("fires = %d, want 3", len(hist))
	}
	if st := mustTrigger(t, h, tk).State; st != job.StateComplete {
		t.Fatalf("state = %s, want COMPLETE", st)
	}
}

func TestScheduleJobRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	h.register(t, "noop", func(ctx context.Context, jc *JobContext) error { return nil })
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &job.JobDetail{Key: job.NewKey("report", "billing"), Type: "noop", Description: "nightly", Data: map[string]string{"k": "v"}}
	tr := job.Trigger{
		Key:       job.NewKey("nightly", "billing"),
		Schedule:  job.Schedule{Kind: job.KindCalendar, Cron: "0 0 2 * * *"},
		StartTime: start,
	}
	first, err := h.svc.ScheduleJob(ctx, d, tr)
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if want := start.Add(2 * time.Hour); !first.Equal(want) {
		t.Fatalf("first fire = %v, want %v", first, want)
	}

	got, err := h.svc.GetJobDetail(ctx, d.Key)
	if err != nil {
		t.Fatalf("GetJobDetail: %v", err)
	}
	if got.Type != "noop" || got.Description != "nightly" || got.Data["k"] != "v" {
		t.Fatalf("job detail = %+v", got)
	}
	all, err := h.svc.GetAllTriggers(ctx)
	if err != nil {
		t.Fatalf("GetAllTriggers: %v", err)
	}
	if len(all) != 1 || all[0].Key != tr.Key || all[0].JobKey != d.Key || all[0].State != job.StateWaiting {
		t.Fatalf("triggers = %+v", all)
	}
	if all[0].Misfire != job.MisfireFireNow || all[0].OnError != job.ErrorContinue {
		t.Fatalf("defaults not applied: %+v", all[0])
	}

	if _, err := h.svc.ScheduleJob(ctx, d, tr); !errors.Is(err, job.ErrConflict) {
		t.Fatalf("duplicate ScheduleJob err = %v, want ErrConflict", err)
	}
}

func TestScheduleJobRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	h.register(t, "noop", func(ctx context.Context, jc *JobContext) error { return nil })
	ctx := context.Background()

	tests := []struct {
		name string
		d    *job.JobDetail
		tr   job.Trigger
		want error
	}{
		{
			name: "unknown type",
			d:    &job.JobDetail{Key: job.NewKey("a", ""), Type: "nope"},
			tr:   intervalTrigger("a", time.Now(), time.Second, 0),
			want: job.ErrInvalidJob,
		},
		{
			name: "bad cron",
			d:    &job.JobDetail{Key: job.NewKey("b", ""), Type: "noop"},
			tr:   job.Trigger{Key: job.NewKey("b", ""), Schedule: job.Schedule{Kind: job.KindCalendar, Cron: "not cron"}},
			want: job.ErrInvalidSchedule,
		},
		{
			name: "zero interval",
			d:    &job.JobDetail{Key: job.NewKey("c", ""), Type: "noop"},
			tr:   intervalTrigger("c", time.Now(), 0, 0),
			want: job.ErrInvalidSchedule,
		},
		{
			name: "missing job",
			tr:   job.Trigger{Key: job.NewKey("d", ""), JobKey: job.NewKey("ghost", ""), Schedule: job.Schedule{Kind: job.KindOnce}},
			want: job.ErrNotFound,
		},
	}
	for _, tt := range tests {
		if _, err := h.svc.ScheduleJob(ctx, tt.d, tt.tr); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if all, _ := h.svc.GetAllTriggers(ctx); len(all) != 0 {
		t.Fatalf("invalid triggers were stored: %+v", all)
	}
}

func TestUnscheduleJobUnknownKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	h.register(t, "noop", func(ctx context.Context, jc *JobContext) error { return nil })
	ctx := context.Background()
	d := &job.JobDetail{Key: job.NewKey("j", ""), Type: "noop"}
	tk := job.NewKey("t", "")
	if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(tk.Name, time.Now().Add(time.Hour), time.Hour, 0)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.UnscheduleJob(ctx, tk); err != nil {
		t.Fatalf("UnscheduleJob: %v", err)
	}
	if err := h.svc.UnscheduleJob(ctx, tk); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("second UnscheduleJob err = %v, want ErrNotFound", err)
	}
	// The non-durable job went with its last trigger.
	if _, err := h.svc.GetJobDetail(ctx, d.Key); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("GetJobDetail err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMidExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	h.register(t, "block", func(ctx context.Context, jc *JobContext) error {
		close(started)
		<-release
		jc.SetResult("done")
		return nil
	})
	ctx := context.Background()
	tk := job.NewKey("slow", "")
	d := &job.JobDetail{Key: job.NewKey("slow-job", ""), Type: "block"}
	if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(tk.Name, time.Now(), time.Hour, 0)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	if n := len(h.svc.CurrentlyExecuting()); n != 1 {
		t.Fatalf("executing = %d, want 1", n)
	}

	if err := h.svc.UnscheduleJob(ctx, tk); err != nil {
		t.Fatalf("UnscheduleJob: %v", err)
	}
	all, err := h.svc.GetAllTriggers(ctx)
	if err != nil {
		t.Fatalf("GetAllTriggers: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("trigger still listed after delete: %+v", all)
	}

	close(release)
	waitFor(t, 2*time.Second, "fire instance", func() bool {
		hist, _ := h.svc.TriggerHistory(ctx, tk, 0)
		return len(hist) == 1
	})
	hist, _ := h.svc.TriggerHistory(ctx, tk, 0)
	if hist[0].Result != "done" || !hist[0].Succeeded() {
		t.Fatalf("fire = %+v", hist[0])
	}
	if _, err := h.svc.GetTrigger(ctx, tk); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("GetTrigger err = %v, want ErrNotFound", err)
	}
}

func TestOnErrorFailMovesToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 1)
	boom := errors.New("boom")
	h.register(t, "fail", func(ctx context.Context, jc *JobContext) error { return boom })
	ctx := context.Background()
	tk := job.NewKey("failing", "")
	tr := intervalTrigger(tk.Name, time.Now(), time.Hour, 0)
	tr.OnError = job.ErrorFail
	if _, err := h.svc.ScheduleJob(ctx, &job.JobDetail{Key: job.NewKey("f", ""), Type: "fail"}, tr); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	events, unsub := h.svc.Subscribe(32)
	defer unsub()
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "ERROR state", func() bool {
		return mustTrigger(t, h, tk).State == job.StateError
	})
	hist, _ := h.svc.TriggerHistory(ctx, tk, 1)
	if len(hist) != 1 || hist[0].Succeeded() {
		t.Fatalf("history = %+v", hist)
	}

	sawFailed := false
	for !sawFailed {
		select {
		case e := <-events:
			sawFailed = e.Type == eventbus.JobFailed
		case <-time.After(time.Second):
			t.Fatal("no job.failed event")
		}
	}

	if err := h.svc.ResumeTrigger(ctx, tk); err != nil {
		t.Fatalf("ResumeTrigger: %v", err)
	}
	if st := mustTrigger(t, h, tk).State; st != job.StateWaiting {
		t.Fatalf("state after resume = %s, want WAITING", st)
	}
}

func TestUnknownJobTypeMovesToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	ctx := context.Background()
	now := time.Now()
	d := &job.JobDetail{Key: job.NewKey("legacy", ""), Type: "removed-type"}
	tr := intervalTrigger("legacy", now, time.Hour, 0)
	tr.JobKey = d.Key
	tr.State = job.StateWaiting
	tr.NextFireTime = now
	tr.Misfire = job.MisfireFireNow
	if err := h.store.ScheduleJob(ctx, d, tr); err != nil {
		t.Fatalf("store.ScheduleJob: %v", err)
	}
	if _, err := h.svc.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if st := mustTrigger(t, h, tr.Key).State; st != job.StateError {
		t.Fatalf("state = %s, want ERROR", st)
	}
}

func TestPausedTriggerDoesNotFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	var runs atomic.Int32
	h.register(t, "count", func(ctx context.Context, jc *JobContext) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()
	jk := job.NewKey("p", "")
	tk := job.NewKey("p", "")
	if _, err := h.svc.ScheduleJob(ctx, &job.JobDetail{Key: jk, Type: "count"}, intervalTrigger(tk.Name, time.Now(), time.Hour, 0)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.PauseJob(ctx, jk); err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	if n, err := h.svc.pollOnce(ctx); err != nil || n != 0 {
		t.Fatalf("pollOnce = %d, %v; want nothing fired", n, err)
	}
	if st := mustTrigger(t, h, tk).EffectiveState(); st != job.StatePaused {
		t.Fatalf("effective state = %s, want PAUSED", st)
	}
	if err := h.svc.ResumeJob(ctx, jk); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if n, err := h.svc.pollOnce(ctx); err != nil || n != 1 {
		t.Fatalf("pollOnce after resume = %d, %v; want 1", n, err)
	}
	waitFor(t, time.Second, "job run", func() bool { return runs.Load() == 1 })
}

func TestSaturatedPoolLeavesTriggersWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 1)
	release := make(chan struct{})
	defer close(release)
	h.register(t, "block", func(ctx context.Context, jc *JobContext) error {
		<-release
		return nil
	})
	ctx := context.Background()
	now := time.Now()
	for _, name := range []string{"a", "b"} {
		d := &job.JobDetail{Key: job.NewKey(name, ""), Type: "block"}
		if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(name, now, time.Hour, 0)); err != nil {
			t.Fatalf("ScheduleJob(%s): %v", name, err)
		}
	}
	if n, err := h.svc.pollOnce(ctx); err != nil || n != 1 {
		t.Fatalf("pollOnce = %d, %v; want 1", n, err)
	}
	if n, err := h.svc.pollOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second pollOnce = %d, %v; want 0", n, err)
	}
	states := map[job.State]int{}
	all, _ := h.svc.GetAllTriggers(ctx)
	for _, tr := range all {
		states[tr.State]++
	}
	if states[job.StateAcquired] != 1 || states[job.StateWaiting] != 1 {
		t.Fatalf("states = %v", states)
	}
}

func TestTriggerJobFiresOnceAndCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 1)
	fired := make(chan string, 1)
	h.register(t, "manual", func(ctx context.Context, jc *JobContext) error {
		fired <- jc.Trigger.Key.Group
		return nil
	})
	ctx := context.Background()
	jk := job.NewKey("on-demand", "")
	if err := h.svc.AddJob(ctx, job.JobDetail{Key: jk, Type: "manual", Durable: true}, false); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tk, err := h.svc.TriggerJob(ctx, jk)
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	select {
	case g := <-fired:
		if g != ManualGroup {
			t.Fatalf("group = %s", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manual fire did not run")
	}
	waitFor(t, 2*time.Second, "manual trigger removal", func() bool {
		_, err := h.svc.GetTrigger(ctx, tk)
		return errors.Is(err, job.ErrNotFound)
	})
	if _, err := h.svc.GetJobDetail(ctx, jk); err != nil {
		t.Fatalf("durable job removed: %v", err)
	}
}

func TestInterruptCancelsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 1)
	started := make(chan struct{})
	h.register(t, "wait", func(ctx context.Context, jc *JobContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	ctx := context.Background()
	jk := job.NewKey("long", "")
	tk := job.NewKey("long", "")
	if _, err := h.svc.ScheduleJob(ctx, &job.JobDetail{Key: jk, Type: "wait"}, intervalTrigger(tk.Name, time.Now(), time.Hour, 0)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	n, err := h.svc.Interrupt(ctx, jk)
	if err != nil || n != 1 {
		t.Fatalf("Interrupt = %d, %v", n, err)
	}
	waitFor(t, 2*time.Second, "interrupted fire", func() bool {
		hist, _ := h.svc.TriggerHistory(ctx, tk, 1)
		return len(hist) == 1 && !hist[0].Succeeded()
	})
	if st := mustTrigger(t, h, tk).State; st != job.StateWaiting {
		t.Fatalf("state = %s, want WAITING", st)
	}
}

func TestStartRecoversInterruptedFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, 1)
	recovering := make(chan bool, 1)
	h.register(t, "rec", func(ctx context.Context, jc *JobContext) error {
		recovering <- jc.Recovering
		return nil
	})
	ctx := context.Background()
	start := time.Now().Add(time.Hour)
	tk := job.NewKey("rec", "")
	d := &job.JobDetail{Key: job.NewKey("rec", ""), Type: "rec", Recoverable: true}
	if _, err := h.svc.ScheduleJob(ctx, d, intervalTrigger(tk.Name, start, time.Hour, 0)); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	// Simulate a crash while the fire was in flight.
	if _, err := h.store.AcquireTrigger(ctx, tk, DefaultInstanceID); err != nil {
		t.Fatalf("AcquireTrigger: %v", err)
	}
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case rec := <-recovering:
		if !rec {
			t.Fatal("recovery fire not flagged as recovering")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery fire did not run")
	}
	tr := mustTrigger(t, h, tk)
	if tr.State != job.StateWaiting || tr.TimesTriggered != 1 || !tr.NextFireTime.Equal(start.Add(time.Hour)) {
		t.Fatalf("original trigger after recovery = %+v", tr)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(cfg, tt.failures); got != tt.want {
			t.Fatalf("retryDelay(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	noop := JobFunc(func(ctx context.Context, jc *JobContext) error { return nil })
	if err := r.Register("a", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", noop); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
	if err := r.Register(" ", noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if got := r.Types(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Types = %v", got)
	}
}

func TestLocationFollowsConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "Europe/Berlin"}, 1)
	if got := h.svc.Location().String(); got != "Europe/Berlin" {
		t.Fatalf("Location = %s, want Europe/Berlin", got)
	}
	h.svc.Apply(Config{Timezone: "Mars/Olympus"})
	if got := h.svc.Location(); got != time.UTC {
		t.Fatalf("Location after invalid zone = %v, want UTC", got)
	}
}
