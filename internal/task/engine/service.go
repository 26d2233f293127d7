package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"myschedule/internal/eventbus"
	logx "myschedule/pkg/logx"

	rtsup "myschedule/internal/runtime/supervisor"
)

// Service is a bounded worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q   chan queuedTask
	gen uint64

	// Slot accounting. reserved+queued+inFlight never exceeds the worker count
	// of the running generation.
	workers  int
	reserved int
	queued   int
	inFlight int
	running  map[string]*runningTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	discarded atomic.Uint64
}

type queuedTask struct {
	task    Task
	timeout time.Duration
}

type runningTask struct {
	name    string
	started time.Time
	cancel  context.CancelCauseFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		running: make(map[string]*runningTask),
	}
}

// Supervisor returns the pool's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the configuration. A worker count change restarts the pool;
// in-flight tasks are cancelled by the restart.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	workers := cfg.Workers
	s.gen++
	s.workers = workers
	s.reserved, s.queued, s.inFlight = 0, 0, 0
	// Every queued task holds a slot, so the queue can never fill up.
	s.q = make(chan queuedTask, workers)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Worker failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("execution pool started", logx.Int("workers", workers), logx.Duration("default_timeout", cfg.DefaultTimeout))
}

// Stop cancels in-flight tasks, waits for workers to exit (bounded by ctx) and
// discards queued tasks with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.workers = 0
		s.reserved, s.queued, s.inFlight = 0, 0, 0
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("execution pool stopped")
	case <-ctx.Done():
		s.log.Warn("execution pool stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.discarded.Add(1)
			now := time.Now()
			s.finish(qt.task, Result{ID: qt.task.ID, Name: qt.task.Name, Started: now, Finished: now, Err: ErrStopped})
		default:
			return
		}
	}
}

// Reservation is a held worker slot. Exactly one of Submit or Cancel must be
// called.
type Reservation struct {
	s    *Service
	gen  uint64
	once sync.Once
}

// TryReserve claims a worker slot without blocking.
func (s *Service) TryReserve() (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopDone != nil {
		return nil, ErrStopped
	}
	if s.reserved+s.queued+s.inFlight >= s.workers {
		return nil, ErrSaturated
	}
	s.reserved++
	return &Reservation{s: s, gen: s.gen}, nil
}

// Available returns the number of free worker slots.
func (s *Service) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopDone != nil {
		return 0
	}
	return max(s.workers-s.reserved-s.queued-s.inFlight, 0)
}

// Cancel gives the slot back.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		s := r.s
		s.mu.Lock()
		if s.gen == r.gen && s.reserved > 0 {
			s.reserved--
		}
		s.mu.Unlock()
	})
}

// Submit hands t to a worker. It never blocks. When the pool stopped in the
// meantime it returns ErrStopped and t.Done is not called.
func (r *Reservation) Submit(t Task) error {
	if t.Run == nil {
		r.Cancel()
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		r.Cancel()
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	err := ErrStopped
	r.once.Do(func() {
		s := r.s
		if strings.TrimSpace(t.ID) == "" {
			t.ID = s.newTaskID(time.Now())
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != r.gen || s.stopCh == nil || s.stopDone != nil {
			return
		}
		s.reserved--
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		select {
		case s.q <- queuedTask{task: t, timeout: timeout}:
			s.queued++
			err = nil
		default:
			// Unreachable while the slot accounting holds.
			err = ErrSaturated
		}
	})
	return err
}

// Cancel requests cooperative cancellation of a running task. It reports
// whether the task was found.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	rt := s.running[id]
	s.mu.Unlock()
	if rt == nil {
		return false
	}
	rt.cancel(ErrCancelled)
	return true
}

// Running lists in-flight tasks, oldest first.
func (s *Service) Running() []Running {
	s.mu.Lock()
	out := make([]Running, 0, len(s.running))
	for id, rt := range s.running {
		out = append(out, Running{ID: id, Name: rt.name, Started: rt.started})
	}
	s.mu.Unlock()
	sortRunning(out)
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:        s.stopCh != nil && s.stopDone == nil,
		Workers:        s.cfg.Workers,
		Reserved:       s.reserved,
		Queued:         s.queued,
		InFlight:       s.inFlight,
		DefaultTimeout: s.cfg.DefaultTimeout,
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()

	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Panics = s.panics.Load()
	snap.Discarded = s.discarded.Load()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
