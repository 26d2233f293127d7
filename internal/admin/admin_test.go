package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/job"
	"myschedule/internal/task/scheduler"
	"myschedule/internal/task/store"
	logx "myschedule/pkg/logx"
)

type fakeReader struct {
	triggers []job.Trigger
	jobs     map[job.Key]job.JobDetail
}

func (f fakeReader) GetAllTriggers(ctx context.Context) ([]job.Trigger, error) {
	return f.triggers, nil
}

func (f fakeReader) GetJobDetail(ctx context.Context, k job.JobKey) (job.JobDetail, error) {
	d, ok := f.jobs[k]
	if !ok {
		return job.JobDetail{}, job.NotFound("job", k)
	}
	return d, nil
}

func TestRowsFormatting(t *testing.T) {
	t.Parallel()
	jk := job.NewKey("backup", "ops")
	next := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	prev := time.Date(2026, 2, 28, 2, 0, 0, 0, time.UTC)
	r := fakeReader{
		triggers: []job.Trigger{
			{Key: job.NewKey("nightly", "ops"), JobKey: jk, Schedule: job.Schedule{Kind: job.KindCalendar}, State: job.StateWaiting, NextFireTime: next, PreviousFireTime: prev},
			{Key: job.NewKey("fresh", ""), JobKey: jk, Schedule: job.Schedule{Kind: job.KindInterval}, State: job.StateWaiting, Paused: true, NextFireTime: next},
			{Key: job.NewKey("orphan", ""), JobKey: job.NewKey("gone", ""), Schedule: job.Schedule{Kind: job.KindOnce}, State: job.StateWaiting, NextFireTime: next},
		},
		jobs: map[job.Key]job.JobDetail{jk: {Key: jk, Type: "http"}},
	}
	rows, err := Rows(context.Background(), r, nil)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	want := []Row{
		{Trigger: "nightly/ops", JobDetail: "backup/ops", Type: "calendar/http", State: job.StateWaiting, NextRun: "2026-03-01 02:00:00", LastRun: "2026-02-28 02:00:00"},
		{Trigger: "fresh/DEFAULT", JobDetail: "backup/ops", Type: "interval/http", State: job.StatePaused, NextRun: "2026-03-01 02:00:00", LastRun: ""},
		{Trigger: "orphan/DEFAULT", JobDetail: "gone/DEFAULT", Type: "once/", State: job.StateWaiting, NextRun: "2026-03-01 02:00:00", LastRun: ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %d, want %d", len(rows), len(want))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	if got := NewRow(r.triggers[0], "http", berlin).NextRun; got != "2026-03-01 03:00:00" {
		t.Fatalf("NextRun in Berlin = %q", got)
	}
}

type stack struct {
	sched *scheduler.Service
	admin *Service
	srv   *httptest.Server
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	st := store.NewMemory(store.DefaultHistorySize)
	pool := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	pool.Start(context.Background())
	reg := scheduler.NewRegistry()
	block := make(chan struct{})
	_ = reg.Register("noop", scheduler.JobFunc(func(ctx context.Context, jc *scheduler.JobContext) error { return nil }))
	_ = reg.Register("block", scheduler.JobFunc(func(ctx context.Context, jc *scheduler.JobContext) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	sched := scheduler.New(scheduler.Config{TickInterval: 10 * time.Millisecond}, st, pool, reg, logx.Nop(), nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler Start: %v", err)
	}
	adm := New(cfg, sched, logx.Nop())
	srv := httptest.NewServer(adm.Handler())
	t.Cleanup(func() {
		srv.Close()
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		pool.Stop(ctx)
		_ = st.Close()
	})
	return &stack{sched: sched, admin: adm, srv: srv}
}

func (s *stack) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestTriggerLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})

	def := scheduler.JobDefinition{
		Name:     "report",
		Group:    "ops",
		Type:     "noop",
		Durable:  true,
		Triggers: []scheduler.TriggerDefinition{{Name: "nightly", Group: "ops", Schedule: "0 0 2 * * *"}},
	}
	var res scheduler.DefineResult
	if code := s.do(t, http.MethodPost, "/api/jobs", def, &res); code != http.StatusCreated || !res.Created {
		t.Fatalf("POST /api/jobs = %d %+v", code, res)
	}

	var rows []Row
	if code := s.do(t, http.MethodGet, "/api/triggers", nil, &rows); code != http.StatusOK {
		t.Fatalf("GET /api/triggers = %d", code)
	}
	if len(rows) != 1 || rows[0].Trigger != "nightly/ops" || rows[0].JobDetail != "report/ops" || rows[0].Type != "calendar/noop" || rows[0].LastRun != "" {
		t.Fatalf("rows = %+v", rows)
	}
	if !strings.HasSuffix(rows[0].NextRun, "02:00:00") {
		t.Fatalf("next run = %q", rows[0].NextRun)
	}

	var detail TriggerDetail
	if code := s.do(t, http.MethodGet, "/api/triggers/ops/nightly", nil, &detail); code != http.StatusOK || detail.Job == nil || detail.Job.Type != "noop" {
		t.Fatalf("GET trigger = %d %+v", code, detail)
	}

	var tr job.Trigger
	if code := s.do(t, http.MethodPost, "/api/triggers/ops/nightly/pause", nil, &tr); code != http.StatusOK || tr.EffectiveState() != job.StatePaused {
		t.Fatalf("pause = %d state %s", code, tr.EffectiveState())
	}
	var resumed job.Trigger
	if code := s.do(t, http.MethodPost, "/api/triggers/ops/nightly/resume", nil, &resumed); code != http.StatusOK || resumed.EffectiveState() != job.StateWaiting {
		t.Fatalf("resume = %d state %s", code, resumed.EffectiveState())
	}

	// paused:false must be on the wire so a client merging responses into
	// its last copy sees the resume.
	if code := s.do(t, http.MethodPost, "/api/triggers/ops/nightly/pause", nil, &tr); code != http.StatusOK || !tr.Paused {
		t.Fatalf("second pause = %d paused %v", code, tr.Paused)
	}
	if code := s.do(t, http.MethodPost, "/api/triggers/ops/nightly/resume", nil, &tr); code != http.StatusOK || tr.Paused || tr.EffectiveState() != job.StateWaiting {
		t.Fatalf("resume into previous copy = %d paused %v state %s", code, tr.Paused, tr.EffectiveState())
	}

	if code := s.do(t, http.MethodDelete, "/api/triggers/ops/nightly", nil, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", code)
	}
	if code := s.do(t, http.MethodDelete, "/api/triggers/ops/nightly", nil, nil); code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", code)
	}

	var view JobView
	if code := s.do(t, http.MethodGet, "/api/jobs/ops/report", nil, &view); code != http.StatusOK || len(view.Triggers) != 0 {
		t.Fatalf("GET job = %d %+v", code, view)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})
	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/triggers/DEFAULT/missing", nil, http.StatusNotFound},
		{http.MethodGet, "/api/jobs/DEFAULT/missing", nil, http.StatusNotFound},
		{http.MethodPost, "/api/jobs/DEFAULT/missing/trigger", nil, http.StatusNotFound},
		{http.MethodPost, "/api/jobs", scheduler.JobDefinition{Name: "x", Type: "noop", Triggers: []scheduler.TriggerDefinition{{Schedule: "whenever"}}}, http.StatusBadRequest},
		{http.MethodPost, "/api/jobs", scheduler.JobDefinition{Name: "x", Type: "unregistered"}, http.StatusBadRequest},
		{http.MethodPost, "/api/jobs", map[string]string{"bogus": "field"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := s.do(t, tt.method, tt.path, tt.body, nil); code != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, code, tt.want)
		}
	}
}

func TestManualFireAndExecuting(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})
	def := scheduler.JobDefinition{Name: "long", Type: "block", Durable: true}
	if code := s.do(t, http.MethodPost, "/api/jobs", def, nil); code != http.StatusCreated {
		t.Fatalf("define = %d", code)
	}
	if code := s.do(t, http.MethodPost, "/api/jobs/DEFAULT/long/trigger", nil, nil); code != http.StatusAccepted {
		t.Fatalf("trigger = %d", code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var running []scheduler.Executing
		s.do(t, http.MethodGet, "/api/executing", nil, &running)
		if len(running) == 1 && running[0].JobKey == job.NewKey("long", "") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution not listed: %+v", running)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var out map[string]int
	if code := s.do(t, http.MethodPost, "/api/jobs/DEFAULT/long/interrupt", nil, &out); code != http.StatusOK || out["interrupted"] != 1 {
		t.Fatalf("interrupt = %d %v", code, out)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{Token: "s3cret"})

	resp, err := http.Get(s.srv.URL + "/api/triggers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/triggers", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(s.srv.URL + "/healthz?token=wrong")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong query token = %d, want 401", resp.StatusCode)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := newStack(t, Config{})
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, s.sched, logx.Nop())
	svc.Start(context.Background())
	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("admin server not ready")
	}
	addr := svc.Addr()
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Apply(ctx, Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("addr after disable = %q", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"bad":            false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
