package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	logx "taskrig/pkg/logx"
)

// Worker ties a Processor's loops to the host process lifecycle: Start
// spawns them as background goroutines, Stop signals cancellation and waits
// for in-flight job executions (not detached cleanup) before returning.
type Worker struct {
	mu sync.Mutex

	log  logx.Logger
	proc *Processor

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
}

func NewWorker(proc *Processor, log logx.Logger) *Worker {
	return &Worker{proc: proc, log: log}
}

func (w *Worker) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// loop sets).
	for {
		w.mu.Lock()
		if w.stopCh == nil {
			break
		}
		done := w.stopDone
		if done == nil {
			// already running
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer w.mu.Unlock()

	w.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	w.runCancel = cancel

	stopCh := w.stopCh
	loops := w.proc.Parallelism()

	w.loopWG.Add(loops)
	for i := 0; i < loops; i++ {
		idx := i
		go func() {
			defer w.loopWG.Done()
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("panic in worker loop", logx.Int("loop", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			w.log.Debug("worker loop started", logx.Int("loop", idx))
			w.proc.runLoop(runCtx, stopCh, idx)
			w.log.Debug("worker loop stopped", logx.Int("loop", idx))
		}()
	}

	w.log.Info("worker started", logx.Int("loops", loops), logx.String("strategy", w.proc.cfg.Strategy.String()))
}

func (w *Worker) Stop(ctx context.Context) {
	start := time.Now()
	w.mu.Lock()
	if w.stopCh == nil {
		w.mu.Unlock()
		return
	}
	if w.stopDone != nil {
		done := w.stopDone
		w.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	w.stopDone = done
	stopCh := w.stopCh
	cancel := w.runCancel
	w.runCancel = nil
	w.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		w.loopWG.Wait()
		w.mu.Lock()
		w.stopCh = nil
		w.stopDone = nil
		w.mu.Unlock()
		close(done)
		w.log.Info("worker stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}
