// Package app wires the runtime together: config, logging, the job queue,
// worker pools, the scheduler, the outcome journal, metrics, and the admin
// server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskrig/internal/admin"
	"taskrig/internal/config"
	"taskrig/internal/history"
	"taskrig/internal/metrics"
	"taskrig/internal/runtime/supervisor"
	logx "taskrig/pkg/logx"
	"taskrig/pkg/queue"
	"taskrig/pkg/schedule"
	"taskrig/pkg/worker"
)

// StopReason says why the app is shutting down; it is only logged.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
	StopManual StopReason = "manual"
)

// Option customizes construction. Pools declared in config need their
// factories (or static instances) registered here; a pool without either
// is a wiring error.
type Option func(*App)

// WithFactory registers the argument factory for a configured pool.
func WithFactory(pool string, f worker.Factory) Option {
	return func(a *App) { a.factories[pool] = f }
}

// WithDefaultFactory registers the fallback factory for pools that have no
// pool-specific factory.
func WithDefaultFactory(f worker.Factory) Option {
	return func(a *App) { a.defaultFactory = f }
}

// WithInstances registers the fixed argument set for a static pool.
func WithInstances(pool string, instances ...any) Option {
	return func(a *App) { a.instances[pool] = instances }
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	mgr     *queue.Manager
	sched   *schedule.Scheduler
	pools   map[string]*worker.Worker
	procs   map[string]*worker.Processor
	journal history.Journal
	met     *metrics.Metrics
	adm     *admin.Service

	factories      map[string]worker.Factory
	instances      map[string][]any
	defaultFactory worker.Factory

	retention  time.Duration
	pruneEvery time.Duration
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{
		cfgPath:   cfgPath,
		factories: map[string]worker.Factory{},
		instances: map[string][]any{},
		pools:     map[string]*worker.Worker{},
		procs:     map[string]*worker.Processor{},
	}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.mgr = queue.NewManager(queue.Config{
		MaxLevel:    cfg.Queue.MaxLevel,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = schedule.New(schedCfg, a.log.With(logx.String("comp", "schedule")))

	for _, pc := range cfg.Pools {
		proc, err := a.buildPool(pc)
		if err != nil {
			return nil, err
		}
		a.procs[pc.Name] = proc
		a.pools[pc.Name] = worker.NewWorker(proc, a.log.With(logx.String("pool", pc.Name)))
	}

	if cfg.History != nil {
		hc, retention, pruneEvery, err := mapHistoryConfig(cfg.History)
		if err != nil {
			return nil, err
		}
		j, err := history.Open(hc, a.log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.retention = retention
		a.pruneEvery = pruneEvery
		a.log.Info("history enabled", logx.String("driver", hc.Driver))
	}

	a.met = metrics.New()
	a.met.ObserveQueue(a.mgr)
	a.met.ObserveScheduler(a.sched)
	for name, proc := range a.procs {
		a.met.ObservePool(name, proc)
	}

	if cfg.Admin != nil && cfg.Admin.Enabled {
		ac, err := mapAdminConfig(cfg.Admin)
		if err != nil {
			return nil, err
		}
		a.adm = admin.New(ac, admin.Sources{
			Queue:     a.mgr.Snapshot,
			Scheduler: a.sched.Snapshot,
			Pools:     a.poolSnapshots,
			History:   a.journal,
			Metrics:   a.met.Handler(),
		}, a.log.With(logx.String("comp", "admin")))
	}

	return a, nil
}

func (a *App) buildPool(pc config.PoolConfig) (*worker.Processor, error) {
	strategy, err := mapStrategy(pc.Strategy)
	if err != nil {
		return nil, err
	}
	minInterval, err := config.ParseDurationField("pools.min_interval", pc.MinInterval)
	if err != nil {
		return nil, err
	}
	deactTimeout, err := config.ParseDurationField("pools.deactivate_timeout", pc.DeactivateTimeout)
	if err != nil {
		return nil, err
	}

	factory := a.factories[pc.Name]
	if factory == nil {
		factory = a.defaultFactory
	}
	wc := worker.Config{
		Strategy:          strategy,
		Parallelism:       pc.Parallelism,
		Factory:           factory,
		Instances:         a.instances[pc.Name],
		MinInterval:       minInterval,
		DeactivateTimeout: deactTimeout,
	}
	if strategy == worker.Static {
		if len(wc.Instances) == 0 {
			return nil, fmt.Errorf("pool %q: static strategy needs instances registered", pc.Name)
		}
	} else if wc.Factory == nil {
		return nil, fmt.Errorf("pool %q: no factory registered", pc.Name)
	}

	return worker.NewProcessor(a.mgr, wc, a.log.With(logx.String("pool", pc.Name)))
}

// Queue exposes the job manager for embedding callers.
func (a *App) Queue() *queue.Manager { return a.mgr }

// Scheduler exposes the timed-task runtime.
func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

// Journal exposes the outcome journal; nil when history is disabled.
func (a *App) Journal() history.Journal { return a.journal }

// Submit enqueues run as a job and journals its terminal outcome.
func (a *App) Submit(ctx context.Context, name string, attempts, level int, run queue.RunFunc) (*queue.Handle, error) {
	j := queue.NewJob(ctx, name, attempts, run)
	if err := a.mgr.Enqueue(j, level); err != nil {
		return nil, err
	}
	if a.journal != nil && a.sup != nil {
		started := time.Now()
		a.sup.Go0("journal."+name, func(c context.Context) {
			select {
			case <-c.Done():
				return
			case <-j.Handle().Done():
			}
			_, jerr := j.Handle().Result()
			e := history.Entry{
				At:       time.Now(),
				Source:   "queue",
				Name:     name,
				JobID:    j.ID(),
				Level:    level,
				Attempts: j.Budget() - j.Remaining(),
				OK:       jerr == nil,
				TookMS:   time.Since(started).Milliseconds(),
			}
			if jerr != nil {
				e.Error = jerr.Error()
			}
			if err := a.journal.Append(c, e); err != nil {
				a.log.Warn("journal append failed", logx.Err(err))
			}
		})
	}
	return j.Handle(), nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()

	for name, w := range a.pools {
		w.Start(a.sup.Context())
		a.log.Info("pool started", logx.String("pool", name))
	}
	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}
	if a.adm != nil {
		a.adm.Start(a.sup.Context())
	}

	a.startMaintenance()

	// Hot reload: logging applies live; structural sections need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					switch s {
					case "logging":
						a.logs.Apply(logx.Config{
							Level:   newCfg.Logging.Level,
							Console: newCfg.Logging.Console,
							File: logx.FileConfig{
								Enabled: newCfg.Logging.File.Enabled,
								Path:    newCfg.Logging.File.Path,
							},
						})
					default:
						a.log.Warn("config section changed; restart required to take effect",
							logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startMaintenance registers the app's own housekeeping on the scheduler.
func (a *App) startMaintenance() {
	if a.journal == nil || a.retention <= 0 {
		return
	}
	every := a.pruneEvery
	if every <= 0 {
		every = 10 * time.Minute
	}
	task, err := a.sched.AddEvery(a.sup.Context(), "history.prune", every, schedule.Unlimited,
		func(c context.Context) (any, error) {
			n, err := a.journal.Prune(c, time.Now().Add(-a.retention))
			if err != nil {
				return nil, err
			}
			if n > 0 {
				a.log.Debug("history pruned", logx.Int64("dropped", n))
			}
			return n, nil
		})
	if err != nil {
		a.log.Warn("history prune schedule failed", logx.Err(err))
		return
	}
	a.ObserveTask(task)
}

// ObserveTask journals a scheduled task's occurrence outcomes.
func (a *App) ObserveTask(t *schedule.Task) {
	if a.journal == nil || a.sup == nil || t == nil {
		return
	}
	ch, cancel := t.Feed().Subscribe(16)
	a.sup.Go0("journal.task."+t.Name(), func(c context.Context) {
		defer cancel()
		for {
			select {
			case <-c.Done():
				return
			case o, ok := <-ch:
				if !ok {
					return
				}
				e := history.Entry{
					At:       o.At,
					Source:   "schedule",
					Name:     t.Name(),
					JobID:    t.ID(),
					Attempts: o.Attempts,
					OK:       o.Err == nil,
				}
				if o.Err != nil {
					e.Error = o.Err.Error()
				}
				if err := a.journal.Append(c, e); err != nil {
					a.log.Warn("journal append failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	for name, w := range a.pools {
		w := w
		step("pool."+name, 3*time.Second, func(c context.Context) error { w.Stop(c); return nil })
	}
	step("admin", 2*time.Second, func(c context.Context) error {
		if a.adm != nil {
			a.adm.Stop(c)
		}
		return nil
	})
	step("history", time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) poolSnapshots() map[string]worker.Snapshot {
	out := make(map[string]worker.Snapshot, len(a.procs))
	for name, p := range a.procs {
		out[name] = p.Snapshot()
	}
	return out
}
