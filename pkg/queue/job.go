package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// RunFunc is a caller-supplied computation. arg is the argument the job is
// executed against (shared resource, pipeline worker, or nil).
type RunFunc func(ctx context.Context, arg any) (any, error)

// Job wraps one unit of work with its attempt budget, the caller's
// cancellation scope (fixed at submission time), and a completion handle.
//
// A job is immutable except for the remaining-attempts counter, which is
// only touched by the single worker that currently owns the job. Ownership
// hand-off happens through Manager (Enqueue/TakeNext/Revert), which
// provides the necessary happens-before edges.
type Job struct {
	id   string
	name string
	run  RunFunc

	ctx    context.Context // inner caller scope
	handle *Handle

	budget    int
	remaining int
	level     int
}

// NewJob builds a job. ctx is the caller's cancellation scope: canceling it
// terminally cancels the job even while attempts remain. attempts must be
// >= 1 (validated against the manager cap at Enqueue time).
func NewJob(ctx context.Context, name string, attempts int, run RunFunc) *Job {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Job{
		id:        uuid.NewString(),
		name:      name,
		run:       run,
		ctx:       ctx,
		handle:    newHandle(),
		budget:    attempts,
		remaining: attempts,
	}
}

func (j *Job) ID() string      { return j.id }
func (j *Job) Name() string    { return j.name }
func (j *Job) Handle() *Handle { return j.handle }

// Budget returns the configured attempt budget.
func (j *Job) Budget() int { return j.budget }

// Remaining returns the attempts still available. Diagnostics only; the
// value is stable only while the caller owns the job.
func (j *Job) Remaining() int { return j.remaining }

// Level returns the lane the job was last enqueued into.
func (j *Job) Level() int { return j.level }

// Execute runs one attempt of the job against arg.
//
// workerCtx is the worker loop's (outer, transient) scope: its cancellation
// is retryable while attempts remain. The job's own (inner) scope is
// terminal. done=true means the job must not be re-enqueued; done=false
// means the attempt failed transiently and the manager must Revert it.
func (j *Job) Execute(arg any, workerCtx context.Context) (done bool) {
	if j.remaining <= 0 {
		// Exhausted jobs are terminal no matter how we got here.
		return true
	}
	j.remaining--

	if workerCtx == nil {
		workerCtx = context.Background()
	}

	// Terminal cancellation wins before we spend the attempt's work.
	if j.ctx.Err() != nil {
		j.handle.resolve(nil, context.Cause(j.ctx))
		return true
	}
	if err := workerCtx.Err(); err != nil {
		if j.remaining > 0 {
			return false
		}
		j.handle.resolve(nil, err)
		return true
	}

	// Combine inner scope with the worker scope for the duration of the
	// attempt: cancellation of either stops the computation.
	runCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(workerCtx, cancel)
	defer stop()

	value, err := j.run(runCtx, arg)
	if err == nil {
		j.handle.resolve(value, nil)
		return true
	}

	if isCancellation(err) {
		// Cancellation attributable to the caller is terminal. A worker
		// shutdown mid-attempt is transient while attempts remain.
		if j.ctx.Err() == nil && j.remaining > 0 {
			return false
		}
		if j.ctx.Err() != nil {
			err = context.Cause(j.ctx)
		}
		j.handle.resolve(nil, err)
		return true
	}

	if j.remaining > 0 {
		return false
	}
	j.handle.resolve(nil, err)
	return true
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
