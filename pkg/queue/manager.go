package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Config controls a Manager.
type Config struct {
	// MaxLevel is the highest usable deferral level. A manager with
	// MaxLevel = P maintains P+1 FIFO lanes. 0 means a single flat lane.
	MaxLevel int
	// MaxAttempts caps the per-job attempt budget accepted by Enqueue.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxLevel < 0 {
		c.MaxLevel = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Manager is a concurrent, lane-bucketed queue of pending jobs.
//
// It owns every enqueued job until a worker takes it; a taken job is owned
// by exactly one worker until it completes or is reverted. All operations
// are safe under unbounded concurrent callers.
type Manager struct {
	mu    sync.Mutex
	lanes [][]*Job

	// wake nudges WaitForPending when a job arrives. Buffered so Enqueue
	// never blocks on a missing waiter.
	wake chan struct{}

	cfg Config

	// Lifetime counters for operator diagnostics.
	enqueued uint64
	taken    uint64
	reverted uint64
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		lanes: make([][]*Job, cfg.MaxLevel+1),
		wake:  make(chan struct{}, 1),
		cfg:   cfg,
	}
}

// MaxAttempts returns the attempt-budget cap.
func (m *Manager) MaxAttempts() int { return m.cfg.MaxAttempts }

// MaxLevel returns the highest usable deferral level.
func (m *Manager) MaxLevel() int { return m.cfg.MaxLevel }

// Enqueue adds a job to the given lane. Level 0 is the default lane and is
// serviced before every higher level.
//
// Validation failures are synchronous and never retried.
func (m *Manager) Enqueue(j *Job, level int) error {
	if j == nil || j.run == nil {
		return ErrNilRun
	}
	if level < 0 || level > m.cfg.MaxLevel {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrBadLevel, level, m.cfg.MaxLevel)
	}
	if j.budget < 1 || j.budget > m.cfg.MaxAttempts {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrBadAttempts, j.budget, m.cfg.MaxAttempts)
	}

	m.mu.Lock()
	j.level = level
	m.lanes[level] = append(m.lanes[level], j)
	m.mu.Unlock()

	atomic.AddUint64(&m.enqueued, 1)
	m.signal()
	return nil
}

// Submit is the one-call convenience path: build a job from run and enqueue
// it, returning its completion handle.
func (m *Manager) Submit(ctx context.Context, name string, attempts, level int, run RunFunc) (*Handle, error) {
	if run == nil {
		return nil, ErrNilRun
	}
	j := NewJob(ctx, name, attempts, run)
	if err := m.Enqueue(j, level); err != nil {
		return nil, err
	}
	return j.handle, nil
}

// HasPending reports whether any lane holds a job.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lane := range m.lanes {
		if len(lane) > 0 {
			return true
		}
	}
	return false
}

// TakeNext pops the head of the first non-empty lane, scanning ascending
// from level 0. No job is ever visible to more than one TakeNext caller.
func (m *Manager) TakeNext() (*Job, int, bool) {
	m.mu.Lock()
	var (
		j     *Job
		level int
		more  bool
	)
	for lv, lane := range m.lanes {
		if len(lane) == 0 {
			continue
		}
		if j == nil {
			j = lane[0]
			level = lv
			// Drop the head without retaining it in the backing array.
			copy(lane, lane[1:])
			lane[len(lane)-1] = nil
			m.lanes[lv] = lane[:len(lane)-1]
			if len(m.lanes[lv]) > 0 {
				more = true
			}
			continue
		}
		more = true
		break
	}
	m.mu.Unlock()

	if j == nil {
		return nil, 0, false
	}
	atomic.AddUint64(&m.taken, 1)
	if more {
		// Keep other waiters moving; a consumed wake token is not enough
		// when several jobs arrived at once.
		m.signal()
	}
	return j, level, true
}

// Revert pushes a taken job back into the lane it came from, making it
// eligible for another attempt. Revert is lossless: the job keeps whatever
// attempt budget it has left.
func (m *Manager) Revert(j *Job, level int) {
	if j == nil {
		return
	}
	if level < 0 || level > m.cfg.MaxLevel {
		level = 0
	}
	m.mu.Lock()
	j.level = level
	m.lanes[level] = append(m.lanes[level], j)
	m.mu.Unlock()

	atomic.AddUint64(&m.reverted, 1)
	m.signal()
}

// WaitForPending suspends until a job is pending or ctx is canceled.
func (m *Manager) WaitForPending(ctx context.Context) error {
	for {
		if m.HasPending() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	MaxLevel    int
	MaxAttempts int
	Pending     []int // jobs per lane, index = level
	Total       int
	Enqueued    uint64
	Taken       uint64
	Reverted    uint64
}

func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		MaxLevel:    m.cfg.MaxLevel,
		MaxAttempts: m.cfg.MaxAttempts,
		Enqueued:    atomic.LoadUint64(&m.enqueued),
		Taken:       atomic.LoadUint64(&m.taken),
		Reverted:    atomic.LoadUint64(&m.reverted),
	}
	m.mu.Lock()
	snap.Pending = make([]int, len(m.lanes))
	for lv, lane := range m.lanes {
		snap.Pending[lv] = len(lane)
		snap.Total += len(lane)
	}
	m.mu.Unlock()
	return snap
}
