package schedule

import (
	"sort"
	"sync/atomic"
	"time"
)

// bag is the unordered set of scheduled tasks.
//
// It is an immutable slice behind an atomic pointer: readers/mutators take
// the whole snapshot (swap in an empty one), work on it exclusively, and
// reinsert what they keep via CAS-append. No lock is ever held across a
// scan, so the loop and concurrent Add* calls never block each other.
type bag struct {
	tasks atomic.Pointer[[]*Task]
}

var emptyTasks []*Task

func newBag() *bag {
	b := &bag{}
	b.tasks.Store(&emptyTasks)
	return b
}

// takeAll removes and returns every task in one swap.
func (b *bag) takeAll() []*Task {
	for {
		cur := b.tasks.Load()
		if len(*cur) == 0 {
			return nil
		}
		if b.tasks.CompareAndSwap(cur, &emptyTasks) {
			return *cur
		}
	}
}

// reinsert puts tasks back. Appends onto whatever has been added since the
// matching takeAll.
func (b *bag) reinsert(ts ...*Task) {
	if len(ts) == 0 {
		return
	}
	for {
		cur := b.tasks.Load()
		next := make([]*Task, 0, len(*cur)+len(ts))
		next = append(next, *cur...)
		next = append(next, ts...)
		if b.tasks.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// snapshot returns the current contents without removing them.
func (b *bag) snapshot() []*Task {
	return *b.tasks.Load()
}

// dueGroup is the set of tasks sharing one exact trigger time.
type dueGroup struct {
	at    time.Time
	tasks []*Task
}

// partitionDue splits tasks into groups due by the cutoff (grouped by exact
// trigger time, soonest first), the not-yet-due remainder, and terminal
// entries that must be finalized.
func partitionDue(tasks []*Task, cutoff time.Time) (due []dueGroup, keep, dead []*Task) {
	byTime := map[time.Time][]*Task{}
	for _, t := range tasks {
		switch {
		case t.terminal():
			dead = append(dead, t)
		case !t.next.After(cutoff):
			byTime[t.next] = append(byTime[t.next], t)
		default:
			keep = append(keep, t)
		}
	}
	for at, ts := range byTime {
		due = append(due, dueGroup{at: at, tasks: ts})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due, keep, dead
}

// minNext returns the earliest trigger time among non-terminal tasks.
func minNext(tasks []*Task) (time.Time, bool) {
	var (
		min time.Time
		ok  bool
	)
	for _, t := range tasks {
		if t.terminal() {
			continue
		}
		if !ok || t.next.Before(min) {
			min = t.next
			ok = true
		}
	}
	return min, ok
}
