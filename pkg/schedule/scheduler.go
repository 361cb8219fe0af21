package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskrig/internal/runtime/supervisor"
	logx "taskrig/pkg/logx"
	"taskrig/pkg/notify"
	"taskrig/pkg/queue"
)

// Config controls the scheduler loop.
type Config struct {
	// Horizon is the coarse poll window: tasks due within it are handed
	// their own precisely-timed goroutine. Default 250ms.
	Horizon time.Duration
	// Beforehand is the lookahead margin subtracted from the computed wake
	// time so the loop re-polls before a task is actually due. Default 100ms.
	Beforehand time.Duration
	// MaxTimeout caps a single sleep of the loop. Default 1m.
	MaxTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 250 * time.Millisecond
	}
	if c.Beforehand <= 0 {
		c.Beforehand = 100 * time.Millisecond
	}
	if c.Horizon < c.Beforehand {
		c.Horizon = c.Beforehand
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = time.Minute
	}
	return c
}

// Option tweaks a task at Add time.
type Option func(*Task)

// WithQueue makes the task's occurrences enqueue a job into m at the given
// deferral level with the given attempt budget, instead of running inline.
// Timed triggers thereby reuse the queue's retry machinery.
func WithQueue(m *queue.Manager, level, attempts int) Option {
	return func(t *Task) {
		t.mgr = m
		t.level = level
		t.attempts = attempts
	}
}

// Scheduler owns scheduled tasks and the background loop that fires them.
type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	parser cron.Parser

	bag  *bag
	wake chan struct{}

	// sup hosts per-occurrence goroutines; they are detached from the
	// loop's lifetime but wake up on loop shutdown via the run context.
	sup *supervisor.Supervisor

	imu   sync.Mutex
	index map[string]*Task

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	fired uint64
}

func New(cfg Config, log logx.Logger) *Scheduler {
	return &Scheduler{
		log: log,
		cfg: cfg.withDefaults(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		bag:    newBag(),
		wake:   make(chan struct{}, 1),
		sup:    supervisor.New(context.Background(), supervisor.WithLogger(log)),
		index:  map[string]*Task{},
	}
}

// ---- Registration ----

// AddDelayed schedules fn to run once after delay. The returned handle
// resolves with the occurrence outcome (or cancellation).
func (s *Scheduler) AddDelayed(ctx context.Context, name string, delay time.Duration, fn Func, opts ...Option) (*queue.Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if delay <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadDelay, delay)
	}
	t := newTask(ctx, name, KindDelayed, fn)
	t.next = time.Now().Add(delay)
	t.hasNext = true
	if err := s.applyOpts(t, opts); err != nil {
		return nil, err
	}
	h := s.bridgeSingleShot(t)
	s.adopt(t)
	return h, nil
}

// AddAt schedules fn to run once at the absolute instant at. A past
// instant fires immediately.
func (s *Scheduler) AddAt(ctx context.Context, name string, at time.Time, fn Func, opts ...Option) (*queue.Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if at.IsZero() {
		return nil, ErrBadTime
	}
	t := newTask(ctx, name, KindAt, fn)
	t.next = at
	t.hasNext = true
	if err := s.applyOpts(t, opts); err != nil {
		return nil, err
	}
	h := s.bridgeSingleShot(t)
	s.adopt(t)
	return h, nil
}

// AddRepeated schedules fn every period, starting at start (zero = now),
// for count occurrences (Unlimited for no bound). A start in the past
// fires one occurrence immediately and then stays on the start+k*period
// grid. Outcomes are published on the task's feed, which closes when the
// task exhausts or is canceled.
func (s *Scheduler) AddRepeated(ctx context.Context, name string, start time.Time, period time.Duration, count int, fn Func, opts ...Option) (*Task, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadPeriod, period)
	}
	if count == 0 || count < Unlimited {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	now := time.Now()
	if start.IsZero() {
		start = now
	}
	t := newTask(ctx, name, KindEvery, fn)
	t.period = period
	t.remaining = count
	t.next = alignStart(start, now, period)
	t.hasNext = true
	if err := s.applyOpts(t, opts); err != nil {
		return nil, err
	}
	s.adopt(t)
	return t, nil
}

// AddEvery schedules fn every period with the first occurrence one period
// from now.
func (s *Scheduler) AddEvery(ctx context.Context, name string, period time.Duration, count int, fn Func, opts ...Option) (*Task, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadPeriod, period)
	}
	return s.AddRepeated(ctx, name, time.Now().Add(period), period, count, fn, opts...)
}

// AddCron schedules fn per a cron expression (5-field, 6-field with
// seconds, or a @descriptor). Malformed expressions fail here, at
// registration time.
func (s *Scheduler) AddCron(ctx context.Context, name, spec string, fn Func, opts ...Option) (*Task, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	t := newTask(ctx, name, KindCron, fn)
	t.sched = sched
	t.remaining = Unlimited
	t.next = sched.Next(time.Now())
	t.hasNext = !t.next.IsZero()
	if err := s.applyOpts(t, opts); err != nil {
		return nil, err
	}
	s.adopt(t)
	return t, nil
}

func (s *Scheduler) applyOpts(t *Task, opts []Option) error {
	for _, o := range opts {
		o(t)
	}
	if t.mgr == nil {
		if t.level != 0 || t.attempts > 1 {
			return ErrNoQueue
		}
		return nil
	}
	if t.level < 0 || t.level > t.mgr.MaxLevel() {
		return fmt.Errorf("%w: %d not in [0, %d]", queue.ErrBadLevel, t.level, t.mgr.MaxLevel())
	}
	if t.attempts < 1 || t.attempts > t.mgr.MaxAttempts() {
		return fmt.Errorf("%w: %d not in [1, %d]", queue.ErrBadAttempts, t.attempts, t.mgr.MaxAttempts())
	}
	return nil
}

func (s *Scheduler) adopt(t *Task) {
	s.imu.Lock()
	s.index[t.id] = t
	s.imu.Unlock()
	// Log before publishing: once the task is in the bag the loop owns it
	// and may rewrite next at any moment.
	s.log.Debug("task scheduled",
		logx.String("task", t.name), logx.String("kind", t.kind.String()), logx.Time("next", t.next))
	s.bag.reinsert(t)
	s.signal()
}

// bridgeSingleShot adapts a one-shot task's feed to a completion handle.
func (s *Scheduler) bridgeSingleShot(t *Task) *queue.Handle {
	h := queue.NewHandle()
	ch, _ := t.feed.Subscribe(1)
	go func() {
		if o, ok := <-ch; ok {
			h.Resolve(o.Value, o.Err)
			return
		}
		// Feed closed without an occurrence: the task was canceled.
		h.Resolve(nil, context.Canceled)
	}()
	return h
}

// Cancel terminally cancels a scheduled task. The task's feed closes once
// the loop observes the cancellation.
func (s *Scheduler) Cancel(id string) bool {
	s.imu.Lock()
	t, ok := s.index[id]
	s.imu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	s.signal()
	return true
}

func (s *Scheduler) finalize(t *Task) {
	t.cancel()
	t.feed.Close()
	s.imu.Lock()
	delete(s.index, t.id)
	s.imu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ---- Lifecycle ----

func (s *Scheduler) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh)
	}()

	s.log.Info("scheduler started",
		logx.Duration("horizon", s.cfg.Horizon), logx.Duration("beforehand", s.cfg.Beforehand))
}

func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.loopWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// ---- Background loop ----

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		cutoff := time.Now().Add(s.cfg.Horizon + s.cfg.Beforehand)
		due, keep, dead := partitionDue(s.bag.takeAll(), cutoff)
		s.bag.reinsert(keep...)
		for _, t := range dead {
			s.finalize(t)
		}
		for _, g := range due {
			for _, t := range g.tasks {
				s.fire(ctx, t)
			}
		}

		var sleep time.Duration
		if wakeAt, ok := s.nextWake(); ok {
			sleep = time.Until(wakeAt) - s.cfg.Beforehand
			if sleep < s.cfg.Beforehand {
				// Inside the lookahead window: the next poll will pick the
				// task up, so go around without sleeping.
				continue
			}
			if sleep > s.cfg.MaxTimeout {
				sleep = s.cfg.MaxTimeout
			}
		} else {
			sleep = s.cfg.MaxTimeout
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fire runs one occurrence on its own goroutine: sleep the exact remaining
// delay, re-check cancellation, execute, publish, and make the task
// eligible again if it is still non-terminal.
func (s *Scheduler) fire(runCtx context.Context, t *Task) {
	s.sup.Go0("schedule.occurrence", func(context.Context) {
		if d := time.Until(t.next); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				s.finalize(t)
				return
			case <-runCtx.Done():
				// Shutdown: keep the task for the next Start.
				timer.Stop()
				s.bag.reinsert(t)
				return
			case <-timer.C:
			}
		}
		if t.ctx.Err() != nil {
			s.finalize(t)
			return
		}
		s.runOccurrence(t)
	})
}

func (s *Scheduler) runOccurrence(t *Task) {
	atomic.AddUint64(&s.fired, 1)
	started := time.Now()

	var (
		value    any
		err      error
		attempts = 1
	)
	if t.mgr != nil {
		j := queue.NewJob(t.ctx, t.name, t.attempts, func(ctx context.Context, arg any) (any, error) {
			return t.fn(ctx)
		})
		if qerr := t.mgr.Enqueue(j, t.level); qerr != nil {
			err = qerr
			s.log.Warn("occurrence enqueue failed", logx.String("task", t.name), logx.Err(qerr))
		} else {
			value, err = j.Handle().Wait(t.ctx)
			select {
			case <-j.Handle().Done():
				attempts = j.Budget() - j.Remaining()
			default:
				// Canceled while queued; the job resolves on its own later.
			}
		}
	} else {
		value, err = t.fn(t.ctx)
	}

	if err != nil {
		s.log.Warn("occurrence failed", logx.String("task", t.name), logx.Err(err), logx.Duration("dur", time.Since(started)))
	} else {
		s.log.Debug("occurrence completed", logx.String("task", t.name), logx.Duration("dur", time.Since(started)))
	}

	t.advance(time.Now())
	t.feed.Publish(notify.Outcome{At: started, Value: value, Err: err, Attempts: attempts})
	if t.terminal() {
		s.finalize(t)
		return
	}
	s.bag.reinsert(t)
	s.signal()
}

// nextWake returns the earliest trigger among non-terminal tasks,
// finalizing any terminal entries it sweeps up.
func (s *Scheduler) nextWake() (time.Time, bool) {
	tasks := s.bag.takeAll()
	var keep, dead []*Task
	for _, t := range tasks {
		if t.terminal() {
			dead = append(dead, t)
		} else {
			keep = append(keep, t)
		}
	}
	min, ok := minNext(keep)
	s.bag.reinsert(keep...)
	for _, t := range dead {
		s.finalize(t)
	}
	return min, ok
}

// ---- Diagnostics ----

type Snapshot struct {
	Tasks       []Info              `json:"tasks"`
	Fired       uint64              `json:"fired"`
	Occurrences supervisor.Counters `json:"occurrences"`
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Fired:       atomic.LoadUint64(&s.fired),
		Occurrences: s.sup.Counters(),
	}
	for _, t := range s.bag.snapshot() {
		snap.Tasks = append(snap.Tasks, t.info())
	}
	return snap
}
