package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/keeper/internal/config"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/probe"
	"github.com/neboloop/keeper/internal/realtime"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
	"github.com/neboloop/keeper/internal/watchdog"
)

func init() {
	logging.Disable()
}

type okProber struct{}

func (okProber) Open(ctx context.Context) error { return nil }
func (okProber) Check(ctx context.Context) (probe.Result, error) {
	return probe.Result{Status: probe.StatusConnected, CheckedAt: time.Now().UTC()}, nil
}
func (okProber) Reconnect(ctx context.Context) error   { return nil }
func (okProber) Refresh(ctx context.Context) error     { return nil }
func (okProber) RunAllCells(ctx context.Context) error { return nil }
func (okProber) Close() error                          { return nil }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startTestServer(t *testing.T) (*svc.ServiceContext, string, func()) {
	t.Helper()

	c := config.DefaultConfig()
	c.Port = freePort(t)

	keeper := watchdog.NewKeeper(watchdog.Config{Interval: time.Hour}, okProber{})
	svcCtx := &svc.ServiceContext{
		Config:  *c,
		Version: "test",
		Keeper:  keeper,
		Prober:  okProber{},
		Hub:     realtime.NewHub(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go svcCtx.Hub.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := Run(ctx, svcCtx, Options{Quiet: true}); err != nil {
			t.Errorf("server: %v", err)
		}
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", c.Port)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return svcCtx, base, func() {
		cancel()
		wg.Wait()
		keeper.Stop()
	}
}

func TestServerRoutes(t *testing.T) {
	_, base, shutdown := startTestServer(t)
	defer shutdown()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Version != "test" {
		t.Fatalf("unexpected health: %+v", health)
	}

	resp, err = http.Get(base + "/api/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}

	// Loop is halted: control actions must be rejected, not queued.
	resp, err = http.Post(base+"/api/v1/watchdog/check", "application/json", nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("check on halted loop: expected 409, got %d", resp.StatusCode)
	}

	// History is disabled in this context.
	resp, err = http.Get(base + "/api/v1/history/checks")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("history: expected 404, got %d", resp.StatusCode)
	}
}

func TestServerCORSBlocksRemoteOrigins(t *testing.T) {
	_, base, shutdown := startTestServer(t)
	defer shutdown()

	req, _ := http.NewRequest("GET", base+"/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("localhost origin: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("localhost origin should be allowed, got %q", got)
	}

	req, _ = http.NewRequest("GET", base+"/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("remote origin: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("remote origin must get no CORS header, got %q", got)
	}

	// Same-origin requests carry no Origin header; the response must
	// not carry the header at all, not an empty-valued one.
	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("no origin: %v", err)
	}
	resp.Body.Close()
	if vals := resp.Header.Values("Access-Control-Allow-Origin"); len(vals) != 0 {
		t.Fatalf("origin-less request got CORS header %q", vals)
	}
}

func TestCheckPortAvailable(t *testing.T) {
	port := freePort(t)
	if err := checkPortAvailable(port); err != nil {
		t.Fatalf("free port reported busy: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()

	if err := checkPortAvailable(port); err == nil {
		t.Fatal("occupied port reported available")
	}
}
