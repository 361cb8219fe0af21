package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "taskrig/pkg/logx"
	"taskrig/pkg/queue"
)

func startService(t *testing.T, cfg Config, src Sources) *Service {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Enabled = true
	s := New(cfg, src, logx.Nop())
	s.Start(context.Background())
	if s.Addr() == "" {
		t.Fatal("service did not start")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func TestHealthAndStatus(t *testing.T) {
	m := queue.NewManager(queue.Config{MaxLevel: 1})
	s := startService(t, Config{}, Sources{
		Queue: func() queue.Snapshot { return m.Snapshot() },
	})
	base := "http://" + s.Addr()

	resp, body := get(t, base+"/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Queue *queue.Snapshot `json:"queue"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.Queue == nil || got.Queue.MaxLevel != 1 {
		t.Fatalf("status queue = %+v", got.Queue)
	}
}

func TestTokenAuth(t *testing.T) {
	s := startService(t, Config{Token: "sesame"}, Sources{})
	base := "http://" + s.Addr()

	// healthz is always open.
	if resp, _ := get(t, base+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if resp, _ := get(t, base+"/status"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := get(t, base+"/status?token=wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", resp.StatusCode)
	}
	if resp, _ := get(t, base+"/status?token=sesame"); resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/status", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with bearer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesExposedBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	if s.Addr() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
		t.Fatal("server started on a non-loopback addr without a token")
	}
}

func TestStopIdempotent(t *testing.T) {
	s := startService(t, Config{}, Sources{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("Addr non-empty after Stop")
	}
}
