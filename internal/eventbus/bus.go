// Package eventbus is the in-process notification channel for scheduler
// state changes.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and the execution pool.
const (
	TriggerScheduled   = "trigger.scheduled"
	TriggerUnscheduled = "trigger.unscheduled"
	TriggerPaused      = "trigger.paused"
	TriggerResumed     = "trigger.resumed"
	TriggerMisfired    = "trigger.misfired"
	TriggerCompleted   = "trigger.completed"
	TriggerError       = "trigger.error"

	JobAdded    = "job.added"
	JobDeleted  = "job.deleted"
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
)

// Event is a small in-memory signal.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. The channel is closed by
// unsubscribe, which is safe to call more than once.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Filter forwards events whose type starts with one of prefixes. The returned
// channel closes when in closes.
func Filter(in <-chan Event, prefixes ...string) <-chan Event {
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for e := range in {
			if matches(e.Type, prefixes) {
				out <- e
			}
		}
	}()
	return out
}

func matches(typ string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}
