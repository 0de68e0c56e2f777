package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true, "status": "ok"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false,"status":"draining"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestGatewayBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"", "http://127.0.0.1:18790"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"[::1]:9000", "http://[::1]:9000"},
		{"https://gw.example.com/", "https://gw.example.com"},
	}
	for _, tt := range tests {
		if got := gatewayBaseURL(tt.addr); got != tt.want {
			t.Errorf("gatewayBaseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and points
// GODISPATCH_HOME at it.
func setTestConfig(t *testing.T, addr, extra string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GODISPATCH_HOME", home)
	t.Setenv("GODISPATCH_SERVICE_TOKEN", "")
	yaml := `bind_addr: "` + addr + `"` + "\n" + extra
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
