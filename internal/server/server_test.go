package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stopService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestServerServesOverLoopback(t *testing.T) {
	deps, _, _ := runningDeps()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, deps, logx.Nop())

	svc.Start(context.Background())
	t.Cleanup(func() { stopService(t, svc) })

	var addr string
	waitFor(t, 2*time.Second, "listener", func() bool {
		addr = svc.Addr()
		return addr != ""
	})

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestServerDisabledStartIsNoop(t *testing.T) {
	deps, _, _ := runningDeps()
	svc := New(Config{Enabled: false}, deps, logx.Nop())

	svc.Start(context.Background())
	if got := svc.Addr(); got != "" {
		t.Fatalf("Addr() = %q, want empty for disabled server", got)
	}
	svc.Stop(context.Background())
}

func TestServerReconfigure(t *testing.T) {
	deps, _, _ := runningDeps()
	svc := New(Config{Enabled: false}, deps, logx.Nop())
	t.Cleanup(func() { stopService(t, svc) })
	ctx := context.Background()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	waitFor(t, 2*time.Second, "listener after enable", func() bool { return svc.Addr() != "" })

	svc.Reconfigure(ctx, Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("Addr() = %q, want empty after disable", got)
	}
}

func TestServerReconfigureAppliesToken(t *testing.T) {
	deps, _, _ := runningDeps()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, deps, logx.Nop())
	t.Cleanup(func() { stopService(t, svc) })
	ctx := context.Background()

	svc.Start(ctx)
	waitFor(t, 2*time.Second, "listener", func() bool { return svc.Addr() != "" })

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tok"})
	var addr string
	waitFor(t, 2*time.Second, "listener after restart", func() bool {
		addr = svc.Addr()
		return addr != ""
	})

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp, err = http.Get("http://" + addr + "/healthz?token=tok")
	if err != nil {
		t.Fatalf("GET /healthz with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"[::1]:8080", true},
		{"0.0.0.0:8080", false},
		{"192.168.1.10:80", false},
		{":8080", false},
		{"not-an-addr", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Enabled: true, Addr: "127.0.0.1:8080"}
	if needsRestart(base, base) {
		t.Fatal("identical config should not restart")
	}

	changed := base
	changed.Addr = "127.0.0.1:9090"
	if !needsRestart(base, changed) {
		t.Fatal("addr change should restart")
	}

	changed = base
	changed.Token = "tok"
	if !needsRestart(base, changed) {
		t.Fatal("token change should restart")
	}

	changed = base
	changed.EnablePprof = true
	if !needsRestart(base, changed) {
		t.Fatal("pprof toggle should restart")
	}
}
