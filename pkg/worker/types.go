package worker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoFactory   = errors.New("strategy requires a factory")
	ErrNoInstances = errors.New("static strategy requires instances")
	ErrNilManager  = errors.New("manager is nil")
)

// Activatable is an optional argument capability: the instance has an
// explicit lifecycle that must complete before first use and after last use.
type Activatable interface {
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Active() bool
}

// Throttled is an optional argument capability: the instance declares a
// minimum spacing between successive uses (e.g. an API client with a
// requests-per-second budget).
type Throttled interface {
	MinInterval() time.Duration
}

// Factory fabricates a fresh argument instance.
type Factory func(ctx context.Context) (any, error)

// Strategy governs argument fabrication lifetime.
type Strategy int

const (
	// Reusable fabricates once per worker loop and keeps the instance for
	// the loop's lifetime.
	Reusable Strategy = iota
	// OneTime fabricates a fresh instance per job: activate, use once,
	// deactivate, dispose. No carry-over state.
	OneTime
	// Static uses pre-supplied instances, one per loop. Fabrication count
	// is zero.
	Static
)

func (s Strategy) String() string {
	switch s {
	case Reusable:
		return "reusable"
	case OneTime:
		return "one-time"
	case Static:
		return "static"
	default:
		return "unknown"
	}
}

// Config controls a Processor.
type Config struct {
	Strategy Strategy

	// Parallelism is the number of concurrent worker loops. Ignored for
	// Static, where loops map 1:1 onto Instances. Defaults to 1.
	Parallelism int

	// Factory fabricates arguments for Reusable and OneTime.
	Factory Factory

	// Instances are the pre-built arguments for Static.
	Instances []any

	// MinInterval spaces successive executions per held argument. An
	// argument implementing Throttled overrides it. 0 disables spacing.
	MinInterval time.Duration

	// DeactivateTimeout bounds detached deactivation calls. Defaults to 30s.
	DeactivateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strategy == Static {
		c.Parallelism = len(c.Instances)
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.DeactivateTimeout <= 0 {
		c.DeactivateTimeout = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch c.Strategy {
	case Static:
		if len(c.Instances) == 0 {
			return ErrNoInstances
		}
	case Reusable, OneTime:
		if c.Factory == nil {
			return ErrNoFactory
		}
	}
	return nil
}
