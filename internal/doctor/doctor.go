package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/resultstore"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check returned FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkExposure,
		checkDatabase,
		checkPermissions,
		checkResultsStore,
		checkSandbox,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Invalid configuration", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkExposure(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Exposure", Status: "SKIP", Message: "Config missing"}
	}
	var warnings []string
	if len(cfg.ServiceTokens) == 0 {
		warnings = append(warnings, "no service_tokens: dispatch API rejects every caller")
	}
	if !isLoopback(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		warnings = append(warnings, "non-loopback bind_addr without allow_origins")
	}
	if len(warnings) > 0 {
		return CheckResult{Name: "Exposure", Status: "WARN", Message: fmt.Sprintf("%d warning(s) for %s", len(warnings), cfg.BindAddr), Detail: strings.Join(warnings, "; ")}
	}
	return CheckResult{Name: "Exposure", Status: "PASS", Message: fmt.Sprintf("Listening on %s with %d service token(s)", cfg.BindAddr, len(cfg.ServiceTokens))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	if _, err := store.ListWorkerRecords(ctx, ""); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkResultsStore round-trips a probe key through the configured backend.
func checkResultsStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Results Store", Status: "SKIP", Message: "Config missing"}
	}
	var db *persistence.Store
	if strings.HasPrefix(strings.TrimSpace(cfg.ResultsURL), "sqlite:") {
		var err error
		db, err = persistence.Open(cfg.DBPath)
		if err != nil {
			return CheckResult{Name: "Results Store", Status: "FAIL", Message: fmt.Sprintf("Record store open failed: %v", err)}
		}
		defer db.Close()
	}
	store, err := resultstore.Open(cfg.ResultsURL, db)
	if err != nil {
		return CheckResult{Name: "Results Store", Status: "FAIL", Message: err.Error()}
	}
	defer store.Close()
	store = resultstore.WithTimeout(store, resultstore.DefaultIOTimeout)

	key := "doctor:probe:" + uuid.NewString()
	if _, err := store.Set(ctx, key, []byte("ok"), 10*time.Second); err != nil {
		return CheckResult{Name: "Results Store", Status: "FAIL", Message: fmt.Sprintf("Write failed: %v", err), Detail: redactURL(cfg.ResultsURL)}
	}
	if v, ok, err := store.Get(ctx, key); err != nil || !ok || string(v) != "ok" {
		return CheckResult{Name: "Results Store", Status: "FAIL", Message: fmt.Sprintf("Read back failed (found=%t, err=%v)", ok, err), Detail: redactURL(cfg.ResultsURL)}
	}
	return CheckResult{Name: "Results Store", Status: "PASS", Message: "Write and read back ok", Detail: redactURL(cfg.ResultsURL)}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Worker.Shell.Sandbox {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "docker sandbox disabled"}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker client: %v", err)}
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Sandbox",
			Status:  "WARN",
			Message: "docker daemon unreachable; shell.exec falls back to the host",
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "docker daemon reachable", Detail: "image " + cfg.Worker.Shell.SandboxImage}
}

// checkGateway resolves the worker's gateway host.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || strings.TrimSpace(cfg.Worker.GatewayURL) == "" {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "worker.gateway_url not set"}
	}
	u, err := url.Parse(cfg.Worker.GatewayURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Invalid gateway_url %q", cfg.Worker.GatewayURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Gateway",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
