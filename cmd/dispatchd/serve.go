package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/continuation"
	"github.com/basket/go-dispatch/internal/cron"
	"github.com/basket/go-dispatch/internal/dispatch"
	"github.com/basket/go-dispatch/internal/gateway"
	otelPkg "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/registry"
	"github.com/basket/go-dispatch/internal/resultstore"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/basket/go-dispatch/internal/telemetry"
)

func runServe(ctx context.Context, args []string) int {
	if len(args) > 0 && isHelpArg(args[0]) {
		fmt.Println("usage: dispatchd serve")
		return 0
	}
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd serve")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()
	audit.SetFingerprint(cfg.Fingerprint())

	logger, logOut, err := telemetry.NewLogger(cfg.HomeDir, "dispatchd", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logOut.Close()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin front-end connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}
	if len(cfg.ServiceTokens) == 0 {
		logger.Warn("no service_tokens configured; control-plane API will reject every request")
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	rs, err := resultstore.Open(cfg.ResultsURL, store)
	if err != nil {
		fatalStartup(logger, "E_RESULTS_OPEN", err)
	}
	defer rs.Close()
	results := resultstore.NewResults(resultstore.WithTimeout(rs, resultstore.DefaultIOTimeout), cfg.ResultTTL())
	defer results.Close()

	queue, err := continuation.OpenQueue(cfg.ContinuationURL, store, cfg.ResultTTL())
	if err != nil {
		fatalStartup(logger, "E_CONTINUATION_OPEN", err)
	}
	defer queue.Close()
	relay := continuation.NewRelay(continuation.Config{Queue: queue, Metrics: metrics, Logger: logger})

	reg := registry.New(registry.Config{Policy: cfg.Policy(), Logger: logger})
	eng := dispatch.New(dispatch.Config{
		Registry:       reg,
		Results:        results,
		Authority:      store,
		Continuations:  relay,
		Bus:            eventBus,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		Logger:         logger,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
		StaleAfter:     cfg.StaleAfter(),
	})
	sessions := session.New(session.Config{
		Log:         store,
		Bus:         eventBus,
		Metrics:     metrics,
		Logger:      logger,
		ReplayLimit: cfg.SessionReplayLimit,
	})

	gw, err := gateway.New(gateway.Config{
		Engine:         eng,
		Sessions:       sessions,
		Store:          store,
		Queue:          queue,
		Bus:            eventBus,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		Logger:         logger,
		ServiceTokens:  cfg.ServiceTokens,
		FrontendTokens: cfg.FrontendTokens,
		AllowOrigins:   cfg.AllowOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Fingerprint:    cfg.Fingerprint(),
		Version:        Version,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	// Background loops outlive the signal so drain can still resolve turns.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	gw.Start(runCtx)

	live := newReloader(cfg, reloadTargets{
		Registry: reg,
		Engine:   eng,
		Gateway:  gw,
		Levels:   logOut,
		Bus:      eventBus,
		Logger:   logger,
	})

	sched, err := cron.NewScheduler(cron.Config{
		Jobs: cron.Maintenance{
			Registry:   reg,
			Labels:     eng,
			Store:      store,
			StaleAfter: func() time.Duration { return live.Current().StaleAfter() },
			Retention:  func() persistence.RetentionPolicy { return retentionPolicy(live.Current()) },
			Logger:     logger,
		}.Jobs(),
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(runCtx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(runCtx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if ev.Err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "path", ev.Path, "error", ev.Err)
				continue
			}
			live.Apply(ev.Config)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "workers", "/v1/workers/connect", "sessions", "/v1/sessions/connect")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	drain(logger, drainTargets{
		Gateway:  gw,
		Engine:   eng,
		Registry: reg,
		Server:   server,
	}, live.Current().DrainTimeout())

	stopRun()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(flushCtx); err != nil {
		logger.Warn("telemetry flush failed", "error", err)
	}
	logger.Info("shutdown complete")
	return exit
}

type drainTargets struct {
	Gateway  *gateway.Server
	Engine   *dispatch.Engine
	Registry *registry.Registry
	Server   *http.Server
}

// drain stops intake, gives in-flight requests up to timeout to finish,
// then resolves the rest with gateway_shutdown and closes every connection.
func drain(logger *slog.Logger, t drainTargets, timeout time.Duration) {
	t.Gateway.BeginDrain()

	deadline := time.Now().Add(timeout)
	for t.Engine.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	resolved := t.Engine.Shutdown()
	workers := t.Registry.CloseAll(registry.ReasonShutdown)
	frontends := t.Gateway.CloseFrontends("gateway shutdown")
	logger.Info("drain complete", "resolved_pending", resolved, "closed_workers", workers, "closed_frontends", frontends)

	if t.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.Server.Shutdown(shutdownCtx)
	}
}

func retentionPolicy(c config.Config) persistence.RetentionPolicy {
	return persistence.RetentionPolicy{
		SessionEventDays: c.RetentionSessionEventsDays,
		ContinuationDays: c.RetentionContinuationsDays,
		AuditLogDays:     c.RetentionAuditLogDays,
	}
}

func isHelpArg(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
