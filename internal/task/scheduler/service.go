package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"myschedule/internal/eventbus"
	rtsup "myschedule/internal/runtime/supervisor"
	"myschedule/internal/task/engine"
	"myschedule/internal/task/job"
	"myschedule/internal/task/store"
	"myschedule/internal/task/trigger"
	logx "myschedule/pkg/logx"
)

// Pool is the part of the execution pool the coordinator uses.
type Pool interface {
	TryReserve() (*engine.Reservation, error)
	Available() int
	Cancel(id string) bool
	Snapshot() engine.Snapshot
}

// Service is one scheduler instance.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	calc trigger.Calculator

	store store.Store
	pool  Pool
	reg   *Registry
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	wake chan struct{}
	sup  *rtsup.Supervisor

	execMu    sync.Mutex
	executing map[string]Executing

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter

	polls       atomic.Uint64
	fired       atomic.Uint64
	misfired    atomic.Uint64
	storeErrors atomic.Uint64
}

func New(cfg Config, st store.Store, pool Pool, reg *Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{
		store:     st,
		pool:      pool,
		reg:       reg,
		log:       log,
		bus:       bus,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		executing: map[string]Executing{},
		warn:      map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	s.setConfig(cfg)
	return s
}

func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid scheduler timezone, using UTC", logx.String("tz", tz), logx.Any("err", err))
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.calc = trigger.NewCalculator(loc)
	s.mu.Unlock()
}

func (s *Service) config() (Config, trigger.Calculator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.calc
}

// Registry returns the job registry.
func (s *Service) Registry() *Registry { return s.reg }

// Apply swaps the configuration. The running loop picks it up on its next poll.
func (s *Service) Apply(cfg Config) {
	prev, _ := s.config()
	s.setConfig(cfg)
	next, _ := s.config()
	if prev.InstanceID != next.InstanceID {
		s.log.Warn("instance id changed at runtime; triggers acquired under the old id are recovered on next restart",
			logx.String("old", prev.InstanceID), logx.String("new", next.InstanceID))
	}
	s.signal()
}

// Start recovers triggers interrupted by a previous crash and starts the
// coordinator loop. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cfg, calc := s.cfg, s.calc
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return err
	}

	sup := rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		sup.Cancel()
		return nil
	}
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started",
		logx.String("instance", cfg.InstanceID),
		logx.Duration("tick", cfg.TickInterval),
		logx.Duration("misfire_threshold", cfg.MisfireThreshold),
		logx.String("tz", calc.Loc.String()),
	)
	return nil
}

// Stop ends the coordinator loop. Executions already handed to the pool keep
// running; stop the pool afterwards to cancel them.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop timed out", logx.Any("err", err))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Running reports whether the coordinator loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// signal wakes the coordinator loop without blocking.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	failures := 0
	tmr := time.NewTimer(0)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tmr.C:
		case <-s.wake:
		}

		cfg, _ := s.config()
		n, err := s.pollOnce(ctx)
		wait := cfg.TickInterval
		switch {
		case err != nil:
			failures++
			wait = retryDelay(cfg, failures)
			s.storeErrors.Add(1)
			s.reportStoreError("poll", err, logx.Int("failures", failures), logx.Duration("retry_in", wait))
		case n > 0:
			failures = 0
			// More triggers may be due; poll again right away.
			wait = 0
		default:
			failures = 0
		}
		tmr.Reset(wait)
	}
}

// pollOnce runs one acquisition round and returns the number of triggers it
// handled (fired, skipped as misfired or moved to ERROR).
func (s *Service) pollOnce(ctx context.Context) (int, error) {
	s.polls.Add(1)
	cfg, calc := s.config()

	free := s.pool.Available()
	if free <= 0 {
		return 0, nil
	}
	now := s.now()
	keys, err := s.store.TriggersDueBefore(ctx, now, min(cfg.BatchSize, free))
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			return handled, nil
		}
		res, err := s.pool.TryReserve()
		if err != nil {
			// Saturated or stopping: the remaining triggers stay WAITING.
			break
		}
		t, err := s.store.AcquireTrigger(ctx, k, cfg.InstanceID)
		if err != nil {
			res.Cancel()
			if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrNotFound) {
				s.log.Trace("trigger not acquired", logx.String("trigger", k.String()), logx.Any("err", err))
				continue
			}
			return handled, err
		}
		ok, err := s.dispatch(ctx, cfg, calc, res, t, s.now())
		if err != nil {
			return handled, err
		}
		if ok {
			handled++
		}
	}
	return handled, nil
}

// retryDelay is capped exponential backoff on consecutive store failures.
func retryDelay(cfg Config, failures int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
