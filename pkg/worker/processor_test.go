package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "taskrig/pkg/logx"
	"taskrig/pkg/queue"
)

// fakeResource is an Activatable (and optionally Throttled) argument.
type fakeResource struct {
	mu            sync.Mutex
	active        bool
	activations   int
	deactivations int
	minInterval   time.Duration
}

func (r *fakeResource) Activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.activations++
	return nil
}

func (r *fakeResource) Deactivate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.deactivations++
	return nil
}

func (r *fakeResource) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeResource) MinInterval() time.Duration { return r.minInterval }

func (r *fakeResource) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activations, r.deactivations
}

func startWorker(t *testing.T, m *queue.Manager, cfg Config) *Worker {
	t.Helper()
	p, err := NewProcessor(m, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	w := NewWorker(p, logx.Nop())
	w.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.Stop(ctx)
	})
	return w
}

func submitAndWait(t *testing.T, m *queue.Manager, n int) {
	t.Helper()
	handles := make([]*queue.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := m.Submit(context.Background(), "job", 1, 0, func(ctx context.Context, arg any) (any, error) {
			return arg, nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("job did not complete: %v", err)
		}
	}
}

func TestOneTimeFabricatesPerJob(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	var fabricated uint64
	cfg := Config{
		Strategy: OneTime,
		Factory: func(ctx context.Context) (any, error) {
			atomic.AddUint64(&fabricated, 1)
			return &fakeResource{}, nil
		},
	}
	startWorker(t, m, cfg)

	const jobs = 7
	submitAndWait(t, m, jobs)

	if got := atomic.LoadUint64(&fabricated); got != jobs {
		t.Fatalf("fabrications = %d, want one per job (%d)", got, jobs)
	}
}

func TestReusableFabricatesOncePerLoop(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	var fabricated uint64
	cfg := Config{
		Strategy:    Reusable,
		Parallelism: 1,
		Factory: func(ctx context.Context) (any, error) {
			atomic.AddUint64(&fabricated, 1)
			return &fakeResource{}, nil
		},
	}
	startWorker(t, m, cfg)

	submitAndWait(t, m, 10)

	if got := atomic.LoadUint64(&fabricated); got != 1 {
		t.Fatalf("fabrications = %d, want 1 regardless of job count", got)
	}
}

func TestStaticFabricatesNothing(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	res := &fakeResource{}
	cfg := Config{Strategy: Static, Instances: []any{res}}
	p, err := NewProcessor(m, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(p, logx.Nop())
	w.Start(context.Background())
	defer w.Stop(context.Background())

	h, err := m.Submit(context.Background(), "static", 1, 0, func(ctx context.Context, arg any) (any, error) {
		if arg != res {
			t.Error("job did not receive the pre-supplied instance")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if snap := p.Snapshot(); snap.Fabricated != 0 {
		t.Fatalf("fabrications = %d, want 0 for static instances", snap.Fabricated)
	}
	if acts, _ := res.counts(); acts == 0 {
		t.Fatal("static activatable instance was never activated")
	}
}

func TestFabricationFailureRevertsJob(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	var attempts uint64
	cfg := Config{
		Strategy: OneTime,
		Factory: func(ctx context.Context) (any, error) {
			if atomic.AddUint64(&attempts, 1) < 3 {
				return nil, errors.New("resource unavailable")
			}
			return &fakeResource{}, nil
		},
	}
	startWorker(t, m, cfg)

	h, err := m.Submit(context.Background(), "resilient", 1, 0, func(ctx context.Context, arg any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("job lost to fabrication failure: %v", err)
	}
	if v != "ok" {
		t.Fatalf("value = %v, want ok", v)
	}
}

func TestThrottledSpacing(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	const spacing = 60 * time.Millisecond
	res := &fakeResource{minInterval: spacing}
	cfg := Config{Strategy: Static, Instances: []any{res}}
	startWorker(t, m, cfg)

	start := time.Now()
	submitAndWait(t, m, 3)
	elapsed := time.Since(start)

	// Three uses of one throttled instance need at least two spacings.
	if elapsed < 2*spacing {
		t.Fatalf("3 jobs finished in %v, want >= %v of throttle spacing", elapsed, 2*spacing)
	}
}

func TestDrainDeactivatesHeldArgument(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 3})

	res := &fakeResource{}
	cfg := Config{
		Strategy:    Reusable,
		Parallelism: 1,
		Factory:     func(ctx context.Context) (any, error) { return res, nil },
	}
	startWorker(t, m, cfg)

	submitAndWait(t, m, 2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, deacts := res.counts(); deacts > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("held argument was not deactivated after the queue drained")
}

func TestRetryAcrossWorkers(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{MaxAttempts: 5})

	cfg := Config{
		Strategy:    Reusable,
		Parallelism: 2,
		Factory:     func(ctx context.Context) (any, error) { return &fakeResource{}, nil },
	}
	startWorker(t, m, cfg)

	var calls uint64
	h, err := m.Submit(context.Background(), "flaky", 3, 0, func(ctx context.Context, arg any) (any, error) {
		if atomic.AddUint64(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if v != 42 {
		t.Fatalf("value = %v, want 42", v)
	}
	if got := atomic.LoadUint64(&calls); got != 3 {
		t.Fatalf("computation ran %d times, want 3", got)
	}
}

func TestProcessorConfigValidation(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(queue.Config{})

	if _, err := NewProcessor(nil, Config{Factory: func(ctx context.Context) (any, error) { return nil, nil }}, logx.Nop()); !errors.Is(err, ErrNilManager) {
		t.Fatalf("nil manager error = %v", err)
	}
	if _, err := NewProcessor(m, Config{Strategy: Reusable}, logx.Nop()); !errors.Is(err, ErrNoFactory) {
		t.Fatalf("missing factory error = %v", err)
	}
	if _, err := NewProcessor(m, Config{Strategy: Static}, logx.Nop()); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("missing instances error = %v", err)
	}
}
