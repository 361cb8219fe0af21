package app

import (
	"fmt"
	"strings"
	"time"

	"taskrig/internal/admin"
	"taskrig/internal/config"
	"taskrig/internal/history"
	"taskrig/pkg/schedule"
	"taskrig/pkg/worker"
)

func mapStrategy(raw string) (worker.Strategy, error) {
	switch strings.TrimSpace(raw) {
	case "reusable", "":
		return worker.Reusable, nil
	case "one_time":
		return worker.OneTime, nil
	case "static":
		return worker.Static, nil
	default:
		return 0, fmt.Errorf("unknown pool strategy %q", raw)
	}
}

func mapSchedulerConfig(cfg *config.Config) (schedule.Config, error) {
	horizon, err := config.ParseDurationField("scheduler.horizon", cfg.Scheduler.Horizon)
	if err != nil {
		return schedule.Config{}, err
	}
	beforehand, err := config.ParseDurationField("scheduler.beforehand", cfg.Scheduler.Beforehand)
	if err != nil {
		return schedule.Config{}, err
	}
	maxTimeout, err := config.ParseDurationField("scheduler.max_timeout", cfg.Scheduler.MaxTimeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Horizon:    horizon,
		Beforehand: beforehand,
		MaxTimeout: maxTimeout,
	}, nil
}

func mapHistoryConfig(hc *config.HistoryConfig) (history.Config, time.Duration, time.Duration, error) {
	busy, err := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
	if err != nil {
		return history.Config{}, 0, 0, err
	}
	retention, err := config.ParseDurationField("history.retention", hc.Retention)
	if err != nil {
		return history.Config{}, 0, 0, err
	}
	pruneEvery, err := config.ParseDurationOrDefault("history.prune_every", hc.PruneEvery, 10*time.Minute)
	if err != nil {
		return history.Config{}, 0, 0, err
	}
	return history.Config{
		Driver:      hc.Driver,
		Path:        hc.Path,
		BusyTimeout: busy,
	}, retention, pruneEvery, nil
}

func mapAdminConfig(ac *config.AdminConfig) (admin.Config, error) {
	read, err := config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
