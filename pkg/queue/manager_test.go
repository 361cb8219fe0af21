package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func noopRun(ctx context.Context, arg any) (any, error) { return nil, nil }

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxLevel: 2, MaxAttempts: 3})

	tests := []struct {
		name     string
		attempts int
		level    int
		want     error
	}{
		{name: "level too high", attempts: 1, level: 3, want: ErrBadLevel},
		{name: "negative level", attempts: 1, level: -1, want: ErrBadLevel},
		{name: "zero attempts", attempts: 0, level: 0, want: ErrBadAttempts},
		{name: "attempts above cap", attempts: 4, level: 0, want: ErrBadAttempts},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := m.Enqueue(NewJob(context.Background(), tt.name, tt.attempts, noopRun), tt.level)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Enqueue error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := m.Enqueue(nil, 0); !errors.Is(err, ErrNilRun) {
		t.Fatalf("nil job error = %v, want ErrNilRun", err)
	}
	if _, err := m.Submit(context.Background(), "nil-run", 1, 0, nil); !errors.Is(err, ErrNilRun) {
		t.Fatalf("Submit nil run error = %v, want ErrNilRun", err)
	}
}

func TestTakeNextPrefersLowerLevels(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxLevel: 2, MaxAttempts: 3})

	deferred := NewJob(context.Background(), "deferred", 1, noopRun)
	urgent := NewJob(context.Background(), "default", 1, noopRun)

	// Enqueue order is the opposite of service order.
	if err := m.Enqueue(deferred, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(urgent, 0); err != nil {
		t.Fatal(err)
	}

	j, level, ok := m.TakeNext()
	if !ok || j != urgent || level != 0 {
		t.Fatalf("first take = (%v, %d, %v), want the level-0 job", j, level, ok)
	}
	j, level, ok = m.TakeNext()
	if !ok || j != deferred || level != 2 {
		t.Fatalf("second take = (%v, %d, %v), want the level-2 job", j, level, ok)
	}
	if _, _, ok = m.TakeNext(); ok {
		t.Fatal("queue should be drained")
	}
}

func TestLaneFIFO(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxAttempts: 1})

	var jobs []*Job
	for i := 0; i < 5; i++ {
		j := NewJob(context.Background(), "fifo", 1, noopRun)
		jobs = append(jobs, j)
		if err := m.Enqueue(j, 0); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range jobs {
		got, _, ok := m.TakeNext()
		if !ok || got != want {
			t.Fatalf("take %d returned the wrong job", i)
		}
	}
}

func TestRevertIsLossless(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxLevel: 1, MaxAttempts: 5})

	calls := 0
	j := NewJob(context.Background(), "revert", 3, func(ctx context.Context, arg any) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})
	if err := m.Enqueue(j, 1); err != nil {
		t.Fatal(err)
	}

	reverts := 0
	for {
		got, level, ok := m.TakeNext()
		if !ok {
			t.Fatal("job lost from the queue")
		}
		if level != 1 {
			t.Fatalf("job drifted to lane %d, want 1", level)
		}
		if got.Execute(nil, context.Background()) {
			break
		}
		reverts++
		m.Revert(got, level)
	}

	if reverts != 2 {
		t.Fatalf("reverted %d times, want 2", reverts)
	}
	if calls != 3 {
		t.Fatalf("computation ran %d times, want reverts+1 = 3", calls)
	}
	if v, err := j.Handle().Result(); err != nil || v != "done" {
		t.Fatalf("Result() = (%v, %v), want (done, nil)", v, err)
	}
}

func TestWaitForPending(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxAttempts: 1})

	released := make(chan error, 1)
	go func() {
		released <- m.WaitForPending(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("WaitForPending returned before a job existed")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Enqueue(NewJob(context.Background(), "wake", 1, noopRun), 0); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitForPending error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForPending missed the wake signal")
	}
}

func TestWaitForPendingCancel(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WaitForPending(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitForPending error = %v, want context.Canceled", err)
	}
}

func TestTakeNextExclusive(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxAttempts: 1})

	const jobs = 200
	for i := 0; i < jobs; i++ {
		if err := m.Enqueue(NewJob(context.Background(), "shared", 1, noopRun), 0); err != nil {
			t.Fatal(err)
		}
	}

	seen := make(map[*Job]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, _, ok := m.TakeNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[j]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("took %d distinct jobs, want %d", len(seen), jobs)
	}
	for j, n := range seen {
		if n != 1 {
			t.Fatalf("job %s taken %d times", j.ID(), n)
		}
	}
}

func TestSnapshotCounters(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{MaxLevel: 1, MaxAttempts: 2})
	for i := 0; i < 3; i++ {
		if err := m.Enqueue(NewJob(context.Background(), "snap", 1, noopRun), 1); err != nil {
			t.Fatal(err)
		}
	}
	j, level, _ := m.TakeNext()
	m.Revert(j, level)

	snap := m.Snapshot()
	if snap.Total != 3 || snap.Pending[1] != 3 {
		t.Fatalf("snapshot pending = %+v, want 3 jobs in lane 1", snap.Pending)
	}
	if snap.Enqueued != 3 || snap.Taken != 1 || snap.Reverted != 1 {
		t.Fatalf("counters = %+v", snap)
	}
}
