package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskrig/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (admin token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_level", newCfg.Queue.MaxLevel),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs, logx.Int("pools.count", len(newCfg.Pools)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.horizon", strings.TrimSpace(newCfg.Scheduler.Horizon)),
		)
	}

	oldH, newH := oldCfg.History, newCfg.History
	if (oldH == nil) != (newH == nil) || (oldH != nil && *oldH != *newH) {
		changed = append(changed, "history")
		if newH != nil {
			attrs = append(attrs,
				logx.String("history.driver", strings.TrimSpace(newH.Driver)),
				logx.Bool("history.path_set", strings.TrimSpace(newH.Path) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("history.enabled", false))
		}
	}

	oldA, newA := oldCfg.Admin, newCfg.Admin
	if (oldA == nil) != (newA == nil) || (oldA != nil && *oldA != *newA) {
		changed = append(changed, "admin")
		if newA != nil {
			attrs = append(attrs,
				logx.Bool("admin.enabled", newA.Enabled),
				logx.String("admin.addr", strings.TrimSpace(newA.Addr)),
				logx.Bool("admin.token_set", strings.TrimSpace(newA.Token) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("admin.enabled", false))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
