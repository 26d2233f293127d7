package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"myschedule/internal/task/job"
)

// triggerRecord is a stored trigger plus its claim bookkeeping.
type triggerRecord struct {
	Trigger job.Trigger `json:"trigger"`
	// Owner is the instance ID holding the ACQUIRED claim.
	Owner string `json:"owner,omitempty"`
	// Removing marks a trigger unscheduled while in flight.
	Removing bool `json:"removing,omitempty"`
}

func (r *triggerRecord) dispatchable() bool {
	return !r.Removing && r.Trigger.Dispatchable()
}

// change is one atomic mutation. The file backend journals it as one line.
type change struct {
	PutJobs     []job.JobDetail    `json:"put_jobs,omitempty"`
	DelJobs     []job.Key          `json:"del_jobs,omitempty"`
	PutTriggers []triggerRecord    `json:"put_triggers,omitempty"`
	DelTriggers []job.Key          `json:"del_triggers,omitempty"`
	Fires       []job.FireInstance `json:"fires,omitempty"`
}

func (c *change) empty() bool {
	return len(c.PutJobs) == 0 && len(c.DelJobs) == 0 && len(c.PutTriggers) == 0 &&
		len(c.DelTriggers) == 0 && len(c.Fires) == 0
}

// Memory is an in-memory Store. Reads share a read lock; writes are serialized.
type Memory struct {
	mu sync.RWMutex

	jobs     map[job.Key]job.JobDetail
	triggers map[job.Key]*triggerRecord
	byJob    map[job.Key]map[job.Key]struct{}
	due      *dueIndex
	history  map[job.Key][]job.FireInstance

	historySize int
	closed      bool

	// sink persists a change before it is applied; afterCommit runs once it
	// is (file backend).
	sink        func(*change) error
	afterCommit func()
}

// NewMemory returns an empty in-memory store.
func NewMemory(historySize int) *Memory {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Memory{
		jobs:        make(map[job.Key]job.JobDetail),
		triggers:    make(map[job.Key]*triggerRecord),
		byJob:       make(map[job.Key]map[job.Key]struct{}),
		due:         newDueIndex(),
		history:     make(map[job.Key][]job.FireInstance),
		historySize: historySize,
	}
}

// commit persists and applies ch. Caller holds m.mu.
func (m *Memory) commit(op string, ch *change) error {
	if ch.empty() {
		return nil
	}
	if m.sink != nil {
		if err := m.sink(ch); err != nil {
			return job.Unavailable(op, err)
		}
	}
	m.apply(ch)
	if m.afterCommit != nil {
		m.afterCommit()
	}
	return nil
}

func (m *Memory) apply(ch *change) {
	for _, d := range ch.PutJobs {
		m.jobs[d.Key] = d.Clone()
	}
	for _, rec := range ch.PutTriggers {
		k := rec.Trigger.Key
		m.due.remove(k)
		r := rec
		m.triggers[k] = &r
		set := m.byJob[rec.Trigger.JobKey]
		if set == nil {
			set = make(map[job.Key]struct{})
			m.byJob[rec.Trigger.JobKey] = set
		}
		set[k] = struct{}{}
		if r.dispatchable() {
			m.due.put(r.Trigger)
		}
	}
	for _, k := range ch.DelTriggers {
		r, ok := m.triggers[k]
		if !ok {
			continue
		}
		m.due.remove(k)
		delete(m.triggers, k)
		if set := m.byJob[r.Trigger.JobKey]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(m.byJob, r.Trigger.JobKey)
			}
		}
	}
	for _, k := range ch.DelJobs {
		delete(m.jobs, k)
	}
	for _, f := range ch.Fires {
		h := append(m.history[f.TriggerKey], f)
		if over := len(h) - m.historySize; over > 0 {
			h = slices.Delete(h, 0, over)
		}
		m.history[f.TriggerKey] = h
	}
}

func (m *Memory) checkOpen(op string) error {
	if m.closed {
		return job.Unavailable(op, ErrClosed)
	}
	return nil
}

// live returns a visible (not soft-deleted) trigger.
func (m *Memory) live(k job.Key) (*triggerRecord, bool) {
	r, ok := m.triggers[k]
	if !ok || r.Removing {
		return nil, false
	}
	return r, true
}

// siblings returns the other triggers of the job, soft-deleted ones included.
func (m *Memory) siblings(jk, self job.Key) []*triggerRecord {
	set := m.byJob[jk]
	out := make([]*triggerRecord, 0, len(set))
	for k := range set {
		if k == self {
			continue
		}
		if r, ok := m.triggers[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

// unblock moves BLOCKED siblings back to WAITING when the job allows it.
func (m *Memory) unblock(ch *change, jk, self job.Key) {
	for _, r := range m.siblings(jk, self) {
		if r.Trigger.State == job.StateBlocked {
			rec := *r
			rec.Trigger.State = job.StateWaiting
			ch.PutTriggers = append(ch.PutTriggers, rec)
		}
	}
}

// gcJob deletes a non-durable job whose last trigger is going away.
func (m *Memory) gcJob(ch *change, jk, self job.Key) {
	d, ok := m.jobs[jk]
	if !ok || d.Durable {
		return
	}
	if len(m.siblings(jk, self)) == 0 {
		ch.DelJobs = append(ch.DelJobs, jk)
	}
}

// purge removes a soft-deleted or finished trigger.
func (m *Memory) purge(ch *change, r *triggerRecord) {
	ch.DelTriggers = append(ch.DelTriggers, r.Trigger.Key)
	m.gcJob(ch, r.Trigger.JobKey, r.Trigger.Key)
}

func (m *Memory) StoreJob(ctx context.Context, d job.JobDetail, replace bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("store job"); err != nil {
		return err
	}
	if _, ok := m.jobs[d.Key]; ok && !replace {
		return job.Conflict("job", d.Key, "already exists")
	}
	return m.commit("store job", &change{PutJobs: []job.JobDetail{d}})
}

func (m *Memory) GetJob(ctx context.Context, k job.JobKey) (job.JobDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("get job"); err != nil {
		return job.JobDetail{}, err
	}
	d, ok := m.jobs[k]
	if !ok {
		return job.JobDetail{}, job.NotFound("job", k)
	}
	return d.Clone(), nil
}

func (m *Memory) RemoveJob(ctx context.Context, k job.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("remove job"); err != nil {
		return err
	}
	if _, ok := m.jobs[k]; !ok {
		return job.NotFound("job", k)
	}
	ch := &change{DelJobs: []job.Key{k}}
	for tk := range m.byJob[k] {
		r := m.triggers[tk]
		if r == nil {
			continue
		}
		if r.Trigger.State == job.StateAcquired {
			rec := *r
			rec.Removing = true
			ch.PutTriggers = append(ch.PutTriggers, rec)
			continue
		}
		ch.DelTriggers = append(ch.DelTriggers, tk)
	}
	return m.commit("remove job", ch)
}

func (m *Memory) JobKeys(ctx context.Context) ([]job.JobKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("job keys"); err != nil {
		return nil, err
	}
	out := make([]job.JobKey, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	slices.SortFunc(out, job.Key.Compare)
	return out, nil
}

func (m *Memory) ScheduleJob(ctx context.Context, d *job.JobDetail, t job.Trigger) error {
	if d != nil {
		if err := d.Validate(); err != nil {
			return err
		}
		if t.JobKey != d.Key {
			return job.InvalidJob("trigger %s references job %s, not %s", t.Key, t.JobKey, d.Key)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("schedule job"); err != nil {
		return err
	}
	if r, ok := m.triggers[t.Key]; ok {
		if r.Removing {
			return job.PendingRemoval(t.Key)
		}
		return job.Conflict("trigger", t.Key, "already exists")
	}
	ch := &change{}
	var detail job.JobDetail
	if d != nil {
		if _, ok := m.jobs[d.Key]; ok {
			return job.Conflict("job", d.Key, "already exists")
		}
		detail = *d
		ch.PutJobs = append(ch.PutJobs, detail)
	} else {
		var ok bool
		if detail, ok = m.jobs[t.JobKey]; !ok {
			return job.NotFound("job", t.JobKey)
		}
	}
	if detail.DisallowConcurrent && t.State == job.StateWaiting {
		for _, r := range m.siblings(t.JobKey, t.Key) {
			if r.Trigger.State == job.StateAcquired {
				t.State = job.StateBlocked
				break
			}
		}
	}
	ch.PutTriggers = append(ch.PutTriggers, triggerRecord{Trigger: t})
	return m.commit("schedule job", ch)
}

func (m *Memory) GetTrigger(ctx context.Context, k job.TriggerKey) (job.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("get trigger"); err != nil {
		return job.Trigger{}, err
	}
	r, ok := m.live(k)
	if !ok {
		return job.Trigger{}, job.NotFound("trigger", k)
	}
	return r.Trigger, nil
}

func (m *Memory) TriggersOfJob(ctx context.Context, k job.JobKey) ([]job.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("triggers of job"); err != nil {
		return nil, err
	}
	out := make([]job.Trigger, 0, len(m.byJob[k]))
	for tk := range m.byJob[k] {
		if r, ok := m.live(tk); ok {
			out = append(out, r.Trigger)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (m *Memory) AllTriggers(ctx context.Context) ([]job.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("all triggers"); err != nil {
		return nil, err
	}
	out := make([]job.Trigger, 0, len(m.triggers))
	for _, r := range m.triggers {
		if !r.Removing {
			out = append(out, r.Trigger)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (m *Memory) RemoveTrigger(ctx context.Context, k job.TriggerKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("remove trigger"); err != nil {
		return err
	}
	r, ok := m.live(k)
	if !ok {
		return job.NotFound("trigger", k)
	}
	ch := &change{}
	if r.Trigger.State == job.StateAcquired {
		rec := *r
		rec.Removing = true
		ch.PutTriggers = append(ch.PutTriggers, rec)
	} else {
		m.purge(ch, r)
	}
	return m.commit("remove trigger", ch)
}

func (m *Memory) UpdateTrigger(ctx context.Context, k job.TriggerKey, fn func(*job.Trigger) error) (job.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("update trigger"); err != nil {
		return job.Trigger{}, err
	}
	r, ok := m.live(k)
	if !ok {
		return job.Trigger{}, job.NotFound("trigger", k)
	}
	rec := *r
	if err := fn(&rec.Trigger); err != nil {
		return job.Trigger{}, err
	}
	rec.Trigger.Key, rec.Trigger.JobKey = r.Trigger.Key, r.Trigger.JobKey
	if err := m.commit("update trigger", &change{PutTriggers: []triggerRecord{rec}}); err != nil {
		return job.Trigger{}, err
	}
	return rec.Trigger, nil
}

func (m *Memory) TriggersDueBefore(ctx context.Context, instant time.Time, limit int) ([]job.TriggerKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("due triggers"); err != nil {
		return nil, err
	}
	return m.due.before(instant, limit), nil
}

func (m *Memory) AcquireTrigger(ctx context.Context, k job.TriggerKey, instanceID string) (job.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("acquire trigger"); err != nil {
		return job.Trigger{}, err
	}
	r, ok := m.live(k)
	if !ok {
		return job.Trigger{}, job.NotFound("trigger", k)
	}
	if !r.dispatchable() {
		return job.Trigger{}, job.Conflict("trigger", k, "not acquirable in state "+string(r.Trigger.EffectiveState()))
	}
	ch := &change{}
	if d, ok := m.jobs[r.Trigger.JobKey]; ok && d.DisallowConcurrent {
		for _, s := range m.siblings(r.Trigger.JobKey, k) {
			switch s.Trigger.State {
			case job.StateAcquired:
				return job.Trigger{}, job.Conflict("trigger", k, "job "+d.Key.String()+" already executing")
			case job.StateWaiting:
				rec := *s
				rec.Trigger.State = job.StateBlocked
				ch.PutTriggers = append(ch.PutTriggers, rec)
			}
		}
	}
	rec := *r
	rec.Trigger.State = job.StateAcquired
	rec.Owner = instanceID
	ch.PutTriggers = append(ch.PutTriggers, rec)
	if err := m.commit("acquire trigger", ch); err != nil {
		return job.Trigger{}, err
	}
	return rec.Trigger, nil
}

func (m *Memory) ReleaseTrigger(ctx context.Context, k job.TriggerKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("release trigger"); err != nil {
		return err
	}
	r, ok := m.triggers[k]
	if !ok || r.Trigger.State != job.StateAcquired {
		return nil
	}
	ch := &change{}
	m.releaseLocked(ch, r)
	return m.commit("release trigger", ch)
}

func (m *Memory) releaseLocked(ch *change, r *triggerRecord) {
	m.unblock(ch, r.Trigger.JobKey, r.Trigger.Key)
	if r.Removing {
		m.purge(ch, r)
		return
	}
	rec := *r
	rec.Trigger.State = job.StateWaiting
	rec.Owner = ""
	ch.PutTriggers = append(ch.PutTriggers, rec)
}

func (m *Memory) CompleteFire(ctx context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("complete fire"); err != nil {
		return err
	}
	ch := &change{}
	if c.Fire != nil {
		ch.Fires = append(ch.Fires, *c.Fire)
	}
	if r, ok := m.triggers[c.Key]; ok {
		m.unblock(ch, r.Trigger.JobKey, r.Trigger.Key)
		if r.Removing {
			m.purge(ch, r)
		} else {
			rec := *r
			applyCompletion(&rec.Trigger, c)
			rec.Owner = ""
			ch.PutTriggers = append(ch.PutTriggers, rec)
		}
	}
	return m.commit("complete fire", ch)
}

func applyCompletion(t *job.Trigger, c Completion) {
	t.State = c.State
	t.NextFireTime = c.NextFireTime
	t.PreviousFireTime = c.PreviousFireTime
	t.TimesTriggered = c.TimesTriggered
	if !c.StartTime.IsZero() {
		t.StartTime = c.StartTime
	}
}

func (m *Memory) History(ctx context.Context, k job.TriggerKey, limit int) ([]job.FireInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("history"); err != nil {
		return nil, err
	}
	h := m.history[k]
	n := len(h)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]job.FireInstance, 0, n)
	for i := len(h) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (m *Memory) RecoverAcquired(ctx context.Context, instanceID string) ([]job.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("recover acquired"); err != nil {
		return nil, err
	}
	ch := &change{}
	var out []job.Trigger
	for _, r := range m.triggers {
		if r.Trigger.State != job.StateAcquired || r.Owner != instanceID {
			continue
		}
		out = append(out, r.Trigger)
		m.releaseLocked(ch, r)
	}
	if err := m.commit("recover acquired", ch); err != nil {
		return nil, err
	}
	sortTriggers(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortTriggers(ts []job.Trigger) {
	slices.SortFunc(ts, func(a, b job.Trigger) int { return a.Key.Compare(b.Key) })
}
