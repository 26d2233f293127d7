package store

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"

	"myschedule/internal/task/job"
)

type dueEntry struct {
	at   int64 // unix nanos
	prio int
	key  job.Key
}

// compareDue orders by fire time, then priority descending, then key.
func compareDue(a, b interface{}) int {
	x, y := a.(dueEntry), b.(dueEntry)
	switch {
	case x.at < y.at:
		return -1
	case x.at > y.at:
		return 1
	case x.prio > y.prio:
		return -1
	case x.prio < y.prio:
		return 1
	}
	return x.key.Compare(y.key)
}

// dueIndex keeps dispatchable triggers sorted by due order.
type dueIndex struct {
	tree    *redblacktree.Tree
	entries map[job.Key]dueEntry
}

func newDueIndex() *dueIndex {
	return &dueIndex{
		tree:    redblacktree.NewWith(compareDue),
		entries: make(map[job.Key]dueEntry),
	}
}

func (ix *dueIndex) put(t job.Trigger) {
	ix.remove(t.Key)
	e := dueEntry{at: t.NextFireTime.UnixNano(), prio: t.Priority, key: t.Key}
	ix.tree.Put(e, t.Key)
	ix.entries[t.Key] = e
}

func (ix *dueIndex) remove(k job.Key) {
	e, ok := ix.entries[k]
	if !ok {
		return
	}
	ix.tree.Remove(e)
	delete(ix.entries, k)
}

func (ix *dueIndex) before(instant time.Time, limit int) []job.Key {
	cut := instant.UnixNano()
	out := make([]job.Key, 0, min(max(limit, 0), ix.tree.Size()))
	it := ix.tree.Iterator()
	for it.Next() {
		e := it.Key().(dueEntry)
		if e.at > cut {
			break
		}
		out = append(out, e.key)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (ix *dueIndex) len() int { return ix.tree.Size() }
