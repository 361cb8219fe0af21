package config

import (
	"fmt"
	"strings"
)

// Config is the daemon configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Pools     []PoolConfig    `json:"pools,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	History   *HistoryConfig  `json:"history,omitempty"`
	Admin     *AdminConfig    `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the job manager.
type QueueConfig struct {
	// MaxLevel is the highest usable deferral level (0 = single lane).
	MaxLevel int `json:"max_level,omitempty"`
	// MaxAttempts caps the per-job attempt budget. Default 5.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// PoolConfig describes one worker pool draining the queue.
//
// Strategy is one of "reusable", "one_time", "static".
type PoolConfig struct {
	Name        string `json:"name"`
	Strategy    string `json:"strategy"`
	Parallelism int    `json:"parallelism,omitempty"`
	// MinInterval throttles executions per held argument ("0s" disables).
	MinInterval string `json:"min_interval,omitempty"`
	// DeactivateTimeout bounds detached argument teardown. Default 30s.
	DeactivateTimeout string `json:"deactivate_timeout,omitempty"`
}

// SchedulerConfig controls the timed-task loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Horizon is the coarse poll window. Default "250ms".
	Horizon string `json:"horizon,omitempty"`
	// Beforehand is the lookahead margin. Default "100ms".
	Beforehand string `json:"beforehand,omitempty"`
	// MaxTimeout caps a single loop sleep. Default "1m".
	MaxTimeout string `json:"max_timeout,omitempty"`
}

// HistoryConfig controls the optional outcome journal. Nil disables it.
type HistoryConfig struct {
	// Driver is "sqlite" or "file".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention drops journal rows older than this. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
	// PruneEvery is the journal maintenance period. Default "10m".
	PruneEvery string `json:"prune_every,omitempty"`
}

// AdminConfig controls the diagnostics HTTP server.
//
// Prefer binding to localhost. A non-loopback bind requires a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9741"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

var validStrategies = map[string]bool{"reusable": true, "one_time": true, "static": true}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	if c.Queue.MaxLevel < 0 {
		return fmt.Errorf("queue.max_level must be >= 0")
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must be >= 0")
	}
	seen := map[string]bool{}
	for i, p := range c.Pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("pools[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("pools[%d]: duplicate pool %q", i, name)
		}
		seen[name] = true
		if !validStrategies[strings.TrimSpace(p.Strategy)] {
			return fmt.Errorf("pools[%d]: unknown strategy %q", i, p.Strategy)
		}
		if p.Parallelism < 0 {
			return fmt.Errorf("pools[%d]: parallelism must be >= 0", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("pools[%d].min_interval", i), p.MinInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField(fmt.Sprintf("pools[%d].deactivate_timeout", i), p.DeactivateTimeout); err != nil {
			return err
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.horizon", c.Scheduler.Horizon},
		{"scheduler.beforehand", c.Scheduler.Beforehand},
		{"scheduler.max_timeout", c.Scheduler.MaxTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if h := c.History; h != nil {
		switch d := strings.ToLower(strings.TrimSpace(h.Driver)); d {
		case "sqlite", "file":
			if strings.TrimSpace(h.Path) == "" {
				return fmt.Errorf("history.path is required")
			}
		case "", "none":
			// journal explicitly disabled, path irrelevant
		default:
			return fmt.Errorf("history.driver must be \"sqlite\", \"file\" or \"none\", got %q", h.Driver)
		}
		for _, f := range []struct{ path, raw string }{
			{"history.busy_timeout", h.BusyTimeout},
			{"history.retention", h.Retention},
			{"history.prune_every", h.PruneEvery},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	if a := c.Admin; a != nil && a.Enabled {
		addr := strings.TrimSpace(a.Addr)
		if addr != "" && !isLoopbackAddr(addr) && strings.TrimSpace(a.Token) == "" && !a.AllowInsecure {
			return fmt.Errorf("admin.addr %q is not loopback: set a token or allow_insecure", addr)
		}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
