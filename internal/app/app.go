package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"myschedule/internal/admin"
	"myschedule/internal/config"
	"myschedule/internal/eventbus"
	"myschedule/internal/jobs"
	rtsup "myschedule/internal/runtime/supervisor"
	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
	"myschedule/internal/task/store"
	logx "myschedule/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  store.Store
	engine *engine.Service
	sched  *scheduler.Service
	admin  *admin.Service
}

// NewApp loads cfgPath and wires every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgPath, cfgm, cfg, scheduler.NewRegistry())
}

func newApp(cfgPath string, cfgm *config.ConfigManager, cfg *config.Config, reg *scheduler.Registry) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return fail(err)
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}

	if err := jobs.RegisterBuiltins(reg); err != nil {
		return fail(err)
	}

	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	appLog.Info("store opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	bus := eventbus.New()
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)
	schedSvc := scheduler.New(schedCfg, st, engineSvc, reg, log.With(logx.String("comp", "scheduler")), bus)
	adminSvc := admin.New(adminCfg, schedSvc, log.With(logx.String("comp", "admin")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		engine:  engineSvc,
		sched:   schedSvc,
		admin:   adminSvc,
	}, nil
}

// Scheduler exposes the scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Registry returns the job registry; register custom types before Start.
func (a *App) Registry() *scheduler.Registry { return a.sched.Registry() }

// AdminAddr returns the bound management API address, or "".
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the pool, then the scheduler, defines configured jobs and
// starts the management API and config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: sections that need mapping must map
	// cleanly before the new config is committed
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		_, e1 := mapEngineConfig(cfg)
		_, e2 := mapSchedulerConfig(cfg)
		_, e3 := mapAdminConfig(cfg)
		_, e4 := mapStorageConfig(cfg)
		return errors.Join(e1, e2, e3, e4)
	})

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	cfg := a.cfgm.Get()
	a.defineJobs(runCtx, cfg.Jobs)

	if adminCfg, err := mapAdminConfig(cfg); err == nil {
		a.admin.Apply(runCtx, adminCfg)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise for frequent triggers.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", len(cfg.Jobs)))
	return nil
}

// defineJobs stores configured jobs. One bad definition does not block the
// others.
func (a *App) defineJobs(ctx context.Context, defs []scheduler.JobDefinition) {
	for _, def := range defs {
		res, err := a.sched.Define(ctx, def)
		if err != nil {
			a.log.Warn("job definition rejected", logx.String("job", def.Name), logx.Err(err))
			continue
		}
		a.log.Debug("job defined",
			logx.String("job", res.Job.String()),
			logx.Bool("created", res.Created),
			logx.Int("scheduled", len(res.Scheduled)),
			logx.Int("kept", len(res.Kept)),
		)
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("engine") {
		if ec, err := mapEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}
	if changed("scheduler") {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if changed("admin") {
		if ac, err := mapAdminConfig(newCfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Apply(ctx, ac)
		}
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("jobs") {
		// Jobs removed from the file are left in the store; delete them via the API.
		a.defineJobs(ctx, newCfg.Jobs)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in reverse dependency order. Each step is bounded so one
// component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "store", 1*time.Second, func(context.Context) error { return a.closeStore() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; report when a step finishes late.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
