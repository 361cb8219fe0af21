package queue

import (
	"context"
	"errors"
	"testing"
)

func TestExecuteSuccessResolvesHandle(t *testing.T) {
	t.Parallel()
	j := NewJob(context.Background(), "ok", 3, func(ctx context.Context, arg any) (any, error) {
		return 42, nil
	})

	if done := j.Execute(nil, context.Background()); !done {
		t.Fatal("Execute should report done on success")
	}
	v, err := j.Handle().Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("value = %v, want 42", v)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	j := NewJob(context.Background(), "flaky", 3, func(ctx context.Context, arg any) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	})

	// Drive the job the way a worker loop would: revert on done=false.
	for !j.Execute(nil, context.Background()) {
	}

	if calls != 3 {
		t.Fatalf("computation ran %d times, want 3", calls)
	}
	v, err := j.Handle().Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("value = %v, want 42", v)
	}
}

func TestExecuteBudgetExhaustion(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	calls := 0
	j := NewJob(context.Background(), "always-fails", 4, func(ctx context.Context, arg any) (any, error) {
		calls++
		return nil, boom
	})

	for !j.Execute(nil, context.Background()) {
	}

	if calls != 4 {
		t.Fatalf("computation ran %d times, want exactly the budget of 4", calls)
	}
	if _, err := j.Handle().Result(); !errors.Is(err, boom) {
		t.Fatalf("terminal error = %v, want %v", err, boom)
	}
	if j.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", j.Remaining())
	}
}

func TestExecuteExhaustedIsNoop(t *testing.T) {
	t.Parallel()
	calls := 0
	j := NewJob(context.Background(), "spent", 1, func(ctx context.Context, arg any) (any, error) {
		calls++
		return nil, errors.New("nope")
	})
	if done := j.Execute(nil, context.Background()); !done {
		t.Fatal("single-attempt failure should be terminal")
	}
	if done := j.Execute(nil, context.Background()); !done {
		t.Fatal("exhausted job must report done")
	}
	if calls != 1 {
		t.Fatalf("computation ran %d times after exhaustion, want 1", calls)
	}
}

func TestExecuteInnerCancelIsTerminal(t *testing.T) {
	t.Parallel()
	inner, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	j := NewJob(inner, "caller-canceled", 3, func(ctx context.Context, arg any) (any, error) {
		calls++
		return nil, ctx.Err()
	})

	if done := j.Execute(nil, context.Background()); !done {
		t.Fatal("caller cancellation must be terminal, not retried")
	}
	if calls != 0 {
		t.Fatal("computation must not run under a canceled caller scope")
	}
	if _, err := j.Handle().Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("terminal error = %v, want context.Canceled", err)
	}
}

func TestExecuteInnerCancelDuringRun(t *testing.T) {
	t.Parallel()
	inner, cancel := context.WithCancel(context.Background())

	j := NewJob(inner, "cancel-mid-run", 3, func(ctx context.Context, arg any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if done := j.Execute(nil, context.Background()); !done {
		t.Fatal("inner-scope cancellation raised mid-run must be terminal")
	}
	if _, err := j.Handle().Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("terminal error = %v, want context.Canceled", err)
	}
}

func TestExecuteWorkerCancelIsTransient(t *testing.T) {
	t.Parallel()
	workerCtx, cancel := context.WithCancel(context.Background())
	cancel()

	j := NewJob(context.Background(), "worker-shutdown", 3, func(ctx context.Context, arg any) (any, error) {
		t.Fatal("computation must not run under a canceled worker scope")
		return nil, nil
	})

	if done := j.Execute(nil, workerCtx); done {
		t.Fatal("worker cancellation with attempts left must request a revert")
	}
	select {
	case <-j.Handle().Done():
		t.Fatal("handle must stay unresolved while attempts remain")
	default:
	}

	// Last attempt under a canceled worker scope is terminal.
	j.remaining = 1
	if done := j.Execute(nil, workerCtx); !done {
		t.Fatal("final attempt under canceled worker scope must be terminal")
	}
	if _, err := j.Handle().Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("terminal error = %v, want context.Canceled", err)
	}
}

func TestExecuteWorkerCancelDuringRunRetries(t *testing.T) {
	t.Parallel()
	workerCtx, cancel := context.WithCancel(context.Background())

	j := NewJob(context.Background(), "shutdown-mid-run", 2, func(ctx context.Context, arg any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if done := j.Execute(nil, workerCtx); done {
		t.Fatal("worker-scope cancellation mid-run with attempts left must request a revert")
	}
	if j.Remaining() != 1 {
		t.Fatalf("Remaining() = %d, want 1", j.Remaining())
	}
}

func TestHandleFirstWriterWins(t *testing.T) {
	t.Parallel()
	h := newHandle()
	h.resolve(1, nil)
	h.resolve(2, errors.New("late"))
	v, err := h.Result()
	if err != nil || v != 1 {
		t.Fatalf("Result() = (%v, %v), want (1, nil)", v, err)
	}
}

func TestHandleWaitHonorsContext(t *testing.T) {
	t.Parallel()
	h := newHandle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
}
