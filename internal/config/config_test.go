package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "taskrig.yaml", `
logging:
  level: debug
  console: true
queue:
  max_level: 2
  max_attempts: 4
pools:
  - name: general
    strategy: reusable
    parallelism: 3
    min_interval: 50ms
scheduler:
  enabled: true
  horizon: 300ms
history:
  driver: sqlite
  path: ./history.db
  retention: 72h
admin:
  enabled: true
  addr: 127.0.0.1:9741
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Queue.MaxLevel != 2 || cfg.Queue.MaxAttempts != 4 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].Strategy != "reusable" || cfg.Pools[0].Parallelism != 3 {
		t.Fatalf("pools = %+v", cfg.Pools)
	}
	if cfg.History == nil || cfg.History.Driver != "sqlite" {
		t.Fatalf("history = %+v", cfg.History)
	}
	if cfg.Admin == nil || !cfg.Admin.Enabled {
		t.Fatalf("admin = %+v", cfg.Admin)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "logging:\n  level: info\nbogus: 1\n", "bogus"},
		{"bad strategy", "pools:\n  - name: p\n    strategy: magic\n", "strategy"},
		{"duplicate pool", "pools:\n  - name: p\n    strategy: static\n  - name: p\n    strategy: static\n", "duplicate"},
		{"bad duration", "scheduler:\n  enabled: true\n  horizon: soon\n", "horizon"},
		{"history without path", "history:\n  driver: sqlite\n", "path"},
		{"bad history driver", "history:\n  driver: redis\n  path: ./x\n", "driver"},
		{"exposed admin", "admin:\n  enabled: true\n  addr: 0.0.0.0:9741\n", "loopback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "bad.yaml", tc.body)
			_, err := NewManager(path).Load()
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestHistoryDriverNone(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "taskrig.yaml", "history:\n  driver: none\n")
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.History == nil || cfg.History.Driver != "none" {
		t.Fatalf("history = %+v", cfg.History)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Admin:   &AdminConfig{Enabled: true, Addr: "127.0.0.1:9741", Token: "secret"},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	got := strings.Join(changed, ",")
	if got != "admin,logging" {
		t.Fatalf("changed = %q, want admin,logging", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs")
	}
}
