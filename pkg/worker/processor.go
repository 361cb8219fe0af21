package worker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskrig/internal/runtime/supervisor"
	logx "taskrig/pkg/logx"
	"taskrig/pkg/queue"
)

// infraRetryDelay paces the loop when argument fabrication/activation keeps
// failing, so a reverted job does not spin hot against a broken factory.
const infraRetryDelay = 500 * time.Millisecond

// Processor drains a queue.Manager with worker loops, one per parallelism
// degree, fabricating/reusing/disposing the argument per the configured
// strategy.
//
// An argument instance is exclusively owned by one loop for the duration of
// one job (OneTime/Reusable) or permanently assigned 1:1 (Static); no two
// loops ever execute against the same instance concurrently.
type Processor struct {
	m   *queue.Manager
	cfg Config
	log logx.Logger

	// sup hosts detached deactivations. It is parented on Background so
	// cleanup survives loop shutdown; errors are logged, never propagated.
	sup *supervisor.Supervisor

	fabricated uint64
	executed   uint64
	reverted   uint64
}

func NewProcessor(m *queue.Manager, cfg Config, log logx.Logger) (*Processor, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Processor{
		m:   m,
		cfg: cfg,
		log: log.With(logx.String("strategy", cfg.Strategy.String())),
		sup: supervisor.New(context.Background(), supervisor.WithLogger(log)),
	}, nil
}

// Parallelism returns the number of loops the processor runs.
func (p *Processor) Parallelism() int { return p.cfg.Parallelism }

// loopState is the per-loop view: the held argument (Reusable/Static) and
// its throttle limiter.
type loopState struct {
	held any
	lim  *rate.Limiter
}

// runLoop drains the manager until ctx is canceled or stopCh closes.
func (p *Processor) runLoop(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := p.log.With(logx.Int("loop", idx))

	ls := &loopState{}
	if p.cfg.Strategy == Static {
		ls.held = p.cfg.Instances[idx]
		ls.lim = p.limiterFor(ls.held)
	}

	defer p.releaseHeld(ls, log)

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		j, level, ok := p.m.TakeNext()
		if !ok {
			// Drained: let go of the held argument's lifecycle, then park
			// until work arrives.
			p.releaseHeld(ls, log)
			if err := p.m.WaitForPending(ctx); err != nil {
				return
			}
			continue
		}

		arg, err := p.obtain(ctx, ls)
		if err != nil {
			// The job is reverted, never lost, when its argument could not
			// be built.
			log.Warn("argument unavailable; reverting job",
				logx.String("job", j.Name()), logx.Err(err))
			p.m.Revert(j, level)
			atomic.AddUint64(&p.reverted, 1)
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-time.After(infraRetryDelay):
			}
			continue
		}

		if ls.lim != nil {
			// Minimum spacing between successive uses of the same instance.
			if err := ls.lim.Wait(ctx); err != nil {
				p.m.Revert(j, level)
				atomic.AddUint64(&p.reverted, 1)
				return
			}
		}

		done := j.Execute(arg, ctx)
		atomic.AddUint64(&p.executed, 1)
		if !done {
			p.m.Revert(j, level)
			atomic.AddUint64(&p.reverted, 1)
			log.Debug("job reverted for retry",
				logx.String("job", j.Name()), logx.Int("remaining", j.Remaining()))
		}

		if p.cfg.Strategy == OneTime {
			// Use once, then dispose. No carry-over state.
			if act, isAct := arg.(Activatable); isAct && act.Active() {
				p.detachDeactivate(act, log)
			}
		}
	}
}

// obtain returns the argument for the next job per the strategy, activating
// it when the instance asks for an explicit lifecycle.
func (p *Processor) obtain(ctx context.Context, ls *loopState) (any, error) {
	switch p.cfg.Strategy {
	case OneTime:
		arg, err := p.cfg.Factory(ctx)
		if err != nil {
			return nil, err
		}
		atomic.AddUint64(&p.fabricated, 1)
		if err := p.activate(ctx, arg); err != nil {
			return nil, err
		}
		ls.lim = p.limiterFor(arg)
		return arg, nil

	case Reusable:
		if ls.held == nil {
			arg, err := p.cfg.Factory(ctx)
			if err != nil {
				return nil, err
			}
			atomic.AddUint64(&p.fabricated, 1)
			ls.held = arg
			ls.lim = p.limiterFor(arg)
		}
		if err := p.activate(ctx, ls.held); err != nil {
			return nil, err
		}
		return ls.held, nil

	default: // Static
		if err := p.activate(ctx, ls.held); err != nil {
			return nil, err
		}
		return ls.held, nil
	}
}

func (p *Processor) activate(ctx context.Context, arg any) error {
	act, ok := arg.(Activatable)
	if !ok || act.Active() {
		return nil
	}
	return act.Activate(ctx)
}

// releaseHeld deactivates the held Reusable/Static argument, if any.
// The instance itself stays held so the loop can reactivate it later.
func (p *Processor) releaseHeld(ls *loopState, log logx.Logger) {
	act, ok := ls.held.(Activatable)
	if !ok || !act.Active() {
		return
	}
	p.detachDeactivate(act, log)
}

// detachDeactivate runs Deactivate as a fire-and-forget task. Failures are
// logged and swallowed; the loop never blocks on cleanup. A quickly
// reactivated Reusable argument may race with its own deactivation, which
// the instance must tolerate.
func (p *Processor) detachDeactivate(act Activatable, log logx.Logger) {
	timeout := p.cfg.DeactivateTimeout
	p.sup.Go0("worker.deactivate", func(ctx context.Context) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := act.Deactivate(dctx); err != nil {
			log.Warn("argument deactivation failed", logx.Err(err))
		}
	})
}

// limiterFor builds the spacing limiter for an argument. The argument's
// own Throttled interval wins over the pool-level MinInterval.
func (p *Processor) limiterFor(arg any) *rate.Limiter {
	iv := p.cfg.MinInterval
	if th, ok := arg.(Throttled); ok {
		iv = th.MinInterval()
	}
	if iv <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(iv), 1)
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Strategy    string
	Parallelism int
	Fabricated  uint64
	Executed    uint64
	Reverted    uint64
	Cleanup     supervisor.Counters
}

func (p *Processor) Snapshot() Snapshot {
	return Snapshot{
		Strategy:    p.cfg.Strategy.String(),
		Parallelism: p.cfg.Parallelism,
		Fabricated:  atomic.LoadUint64(&p.fabricated),
		Executed:    atomic.LoadUint64(&p.executed),
		Reverted:    atomic.LoadUint64(&p.reverted),
		Cleanup:     p.sup.Counters(),
	}
}
