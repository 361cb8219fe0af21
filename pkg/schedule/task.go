package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskrig/pkg/notify"
	"taskrig/pkg/queue"
)

var (
	ErrBadDelay  = errors.New("delay must be strictly positive")
	ErrBadPeriod = errors.New("period must be strictly positive")
	ErrBadCount  = errors.New("occurrence count must be positive or Unlimited")
	ErrBadTime   = errors.New("trigger time must not be zero")
	ErrNilFunc   = errors.New("occurrence func is nil")
	ErrNoQueue   = errors.New("queued execution requires a manager")
)

// Unlimited marks a repeating task with no occurrence bound.
const Unlimited = -1

// Func is one occurrence's computation.
type Func func(ctx context.Context) (any, error)

// Kind describes how a task's trigger times are produced.
type Kind int

const (
	KindDelayed Kind = iota // single shot, relative delay
	KindAt                  // single shot, absolute instant
	KindEvery               // periodic, fixed period
	KindCron                // periodic, cron expression
)

func (k Kind) String() string {
	switch k {
	case KindDelayed:
		return "delayed"
	case KindAt:
		return "at"
	case KindEvery:
		return "every"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Task is one schedule entry.
//
// Lifecycle: Pending(next) -> Pending(next') -> ... -> exhausted or
// canceled (terminal). Mutable state (next, remaining) is only touched by
// whoever exclusively holds the task outside the bag, so it needs no lock.
type Task struct {
	id   string
	name string
	kind Kind
	fn   Func

	ctx    context.Context // caller scope; canceling it is terminal
	cancel context.CancelFunc
	feed   *notify.Feed

	period    time.Duration // KindEvery
	sched     cron.Schedule // KindCron
	next      time.Time
	hasNext   bool
	remaining int // Unlimited or occurrences left

	// Queued composition: when mgr is set, occurrences are enqueued as
	// jobs instead of running inline.
	mgr      *queue.Manager
	level    int
	attempts int
}

func newTask(ctx context.Context, name string, kind Kind, fn Func) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithCancel(ctx)
	return &Task{
		id:        uuid.NewString(),
		name:      name,
		kind:      kind,
		fn:        fn,
		ctx:       tctx,
		cancel:    cancel,
		feed:      notify.NewFeed(),
		remaining: 1,
		attempts:  1,
	}
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Kind() Kind         { return t.kind }
func (t *Task) Feed() *notify.Feed { return t.feed }

// terminal reports whether the task has no future occurrence.
func (t *Task) terminal() bool {
	return !t.hasNext || t.ctx.Err() != nil
}

// advance computes the trigger time after an occurrence fired and burns one
// occurrence off the counter.
func (t *Task) advance(now time.Time) {
	if t.remaining != Unlimited {
		t.remaining--
		if t.remaining <= 0 {
			t.hasNext = false
			return
		}
	}
	switch t.kind {
	case KindEvery:
		t.next = t.next.Add(t.period)
	case KindCron:
		t.next = t.sched.Next(now)
		if t.next.IsZero() {
			t.hasNext = false
		}
	default:
		// Single-shot kinds never get a second trigger.
		t.hasNext = false
	}
}

// alignStart skips a periodic start time forward past already-elapsed
// periods so a task created with a start in the past fires once
// immediately and then stays on the start+k*period grid.
func alignStart(start, now time.Time, period time.Duration) time.Time {
	if !start.Before(now) {
		return start
	}
	elapsed := now.Sub(start)
	k := elapsed / period
	if elapsed%period != 0 {
		k++
	}
	aligned := start.Add(k * period)
	// Keep the immediate occurrence: the previous grid point already
	// passed, so fire now rather than waiting out a full period.
	if aligned.After(now) {
		aligned = aligned.Add(-period)
	}
	return aligned
}

// Info is a diagnostics view of one schedule entry.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Next      time.Time `json:"next,omitempty"`
	Remaining int       `json:"remaining"`
	Queued    bool      `json:"queued"`
}

func (t *Task) info() Info {
	in := Info{
		ID:        t.id,
		Name:      t.name,
		Kind:      t.kind.String(),
		Remaining: t.remaining,
		Queued:    t.mgr != nil,
	}
	if t.hasNext {
		in.Next = t.next
	}
	return in
}
