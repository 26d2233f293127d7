package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"myschedule/internal/task/job"
	"myschedule/internal/task/scheduler"
	logx "myschedule/pkg/logx"
)

// Scheduler is the management API the admin server exposes.
type Scheduler interface {
	Reader
	GetTrigger(ctx context.Context, k job.TriggerKey) (job.Trigger, error)
	GetTriggersOfJob(ctx context.Context, k job.JobKey) ([]job.Trigger, error)
	GetJobKeys(ctx context.Context) ([]job.JobKey, error)
	TriggerHistory(ctx context.Context, k job.TriggerKey, limit int) ([]job.FireInstance, error)
	UnscheduleJob(ctx context.Context, k job.TriggerKey) error
	PauseTrigger(ctx context.Context, k job.TriggerKey) error
	ResumeTrigger(ctx context.Context, k job.TriggerKey) error
	DeleteJob(ctx context.Context, k job.JobKey) error
	TriggerJob(ctx context.Context, k job.JobKey) (job.TriggerKey, error)
	Interrupt(ctx context.Context, k job.JobKey) (int, error)
	Define(ctx context.Context, def scheduler.JobDefinition) (scheduler.DefineResult, error)
	CurrentlyExecuting() []scheduler.Executing
	Snapshot() scheduler.Snapshot
	Running() bool
	Location() *time.Location
}

// TriggerDetail is the drill-down view of one trigger.
type TriggerDetail struct {
	Row     Row                `json:"row"`
	Trigger job.Trigger        `json:"trigger"`
	Job     *job.JobDetail     `json:"job,omitempty"`
	History []job.FireInstance `json:"history"`
}

// JobView is a job with its triggers.
type JobView struct {
	Job      job.JobDetail `json:"job"`
	Triggers []job.Trigger `json:"triggers"`
}

const maxBodyBytes = 1 << 20

// Handler returns the HTTP handler for cfg without starting a listener.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/triggers", s.listTriggers)
	mux.HandleFunc("GET /api/triggers/{group}/{name}", s.getTrigger)
	mux.HandleFunc("DELETE /api/triggers/{group}/{name}", s.unschedule)
	mux.HandleFunc("POST /api/triggers/{group}/{name}/pause", s.pauseTrigger)
	mux.HandleFunc("POST /api/triggers/{group}/{name}/resume", s.resumeTrigger)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.defineJob)
	mux.HandleFunc("GET /api/jobs/{group}/{name}", s.getJob)
	mux.HandleFunc("DELETE /api/jobs/{group}/{name}", s.deleteJob)
	mux.HandleFunc("POST /api/jobs/{group}/{name}/trigger", s.triggerJob)
	mux.HandleFunc("POST /api/jobs/{group}/{name}/interrupt", s.interruptJob)
	mux.HandleFunc("GET /api/executing", s.executing)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

func pathKey(r *http.Request) job.Key {
	return job.NewKey(r.PathValue("name"), r.PathValue("group"))
}

func (s *Service) location() *time.Location {
	if loc := s.api.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	if !s.api.Running() {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.Snapshot())
}

func (s *Service) listTriggers(w http.ResponseWriter, r *http.Request) {
	rows, err := Rows(r.Context(), s.api, s.location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Service) getTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.api.GetTrigger(ctx, pathKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("history")); err == nil && v >= 0 {
		limit = v
	}
	hist, err := s.api.TriggerHistory(ctx, t.Key, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := TriggerDetail{Trigger: t, History: hist}
	typ := ""
	if d, err := s.api.GetJobDetail(ctx, t.JobKey); err == nil {
		out.Job = &d
		typ = d.Type
	} else if !errors.Is(err, job.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	out.Row = NewRow(t, typ, s.location())
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) unschedule(w http.ResponseWriter, r *http.Request) {
	if err := s.api.UnscheduleJob(r.Context(), pathKey(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) pauseTrigger(w http.ResponseWriter, r *http.Request) {
	s.triggerAction(w, r, s.api.PauseTrigger)
}

func (s *Service) resumeTrigger(w http.ResponseWriter, r *http.Request) {
	s.triggerAction(w, r, s.api.ResumeTrigger)
}

func (s *Service) triggerAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, job.TriggerKey) error) {
	ctx := r.Context()
	k := pathKey(r)
	if err := fn(ctx, k); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.api.GetTrigger(ctx, k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	keys, err := s.api.GetJobKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

func (s *Service) defineJob(w http.ResponseWriter, r *http.Request) {
	var def scheduler.JobDefinition
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	res, err := s.api.Define(r.Context(), def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	s.writeJSON(w, code, res)
}

func (s *Service) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	k := pathKey(r)
	d, err := s.api.GetJobDetail(ctx, k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ts, err := s.api.GetTriggersOfJob(ctx, k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, JobView{Job: d, Triggers: ts})
}

func (s *Service) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.api.DeleteJob(r.Context(), pathKey(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) triggerJob(w http.ResponseWriter, r *http.Request) {
	tk, err := s.api.TriggerJob(r.Context(), pathKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]job.TriggerKey{"trigger": tk})
}

func (s *Service) interruptJob(w http.ResponseWriter, r *http.Request) {
	n, err := s.api.Interrupt(r.Context(), pathKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"interrupted": n})
}

func (s *Service) executing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.CurrentlyExecuting())
}

type errorBody struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidSchedule), errors.Is(err, job.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		s.log.Warn("admin request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	s.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("admin response write failed", logx.Err(err))
	}
}
