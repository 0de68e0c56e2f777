package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-dispatch/internal/backend"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/memory"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/telemetry"
	"github.com/basket/go-dispatch/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: dispatch-worker [flags]

Connects to a go-dispatch gateway and executes dispatched work. Settings come
from the worker section of $GODISPATCH_HOME/config.yaml.

FLAGS:
  -quiet    log to the file only

ENVIRONMENT VARIABLES:
  GODISPATCH_HOME                 Data directory (default: ~/.godispatch)
  GODISPATCH_GATEWAY_URL          Gateway worker endpoint (ws://host:port/v1/workers/connect)
  GODISPATCH_WORKER_TOKEN         Worker credential issued by "dispatchd worker-token create"
  GODISPATCH_WORKER_ID            Worker id (default: hostname)
  GODISPATCH_WORKER_KINDS         Comma-separated work kinds
  GODISPATCH_WORKER_MAX_IN_FLIGHT Concurrent executions
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the file only")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()
	if flag.NArg() > 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, *quiet))
}

func run(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, logOut, err := telemetry.NewLogger(cfg.HomeDir, "dispatch-worker", cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer logOut.Close()
	slog.SetDefault(logger)

	wc := cfg.Worker
	if wc.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			wc.WorkerID = host
		}
	}

	backends, err := buildBackends(wc, cfg.HomeDir, logger)
	if err != nil {
		logger.Error("backend init failed", "error", err)
		return 1
	}
	defer backends.Close()

	mem, err := memory.Open(wc.MemoryPath)
	if err != nil {
		logger.Error("memory store open failed", "path", wc.MemoryPath, "error", err)
		return 1
	}
	defer mem.Close()

	w, err := worker.New(worker.Config{
		GatewayURL:        wc.GatewayURL,
		Token:             wc.Token,
		WorkerID:          wc.WorkerID,
		Version:           Version,
		Kinds:             backends.Set.Kinds(),
		Connectors:        backends.ConnectorIDs,
		Labels:            wc.Labels,
		MaxInFlight:       wc.MaxInFlight,
		HeartbeatInterval: time.Duration(wc.HeartbeatSeconds) * time.Second,
		BackoffMax:        time.Duration(wc.BackoffMaxSeconds) * time.Second,
		PendingAckMax:     wc.PendingAckMax,
		Backends:          backends.Set,
		Agent:             backends.Agent,
		Memory:            mem,
		Logger:            logger,
		OnState: func(s worker.State) {
			logger.Debug("worker state", "state", s.String())
		},
	})
	if err != nil {
		logger.Error("worker init failed", "error", err)
		return 1
	}

	logger.Info("worker starting", "gateway", wc.GatewayURL, "worker_id", wc.WorkerID, "kinds", backends.Set.Kinds(), "version", Version)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	logger.Info("worker stopped", "pending_acks", w.PendingAcks())
	return 0
}

// workerBackends is the execution side built from config.
type workerBackends struct {
	Set          *backend.Set
	Agent        backend.Agent
	ConnectorIDs []string
	closers      []func() error
}

func (b *workerBackends) Close() {
	for _, c := range b.closers {
		_ = c()
	}
}

// buildBackends registers one backend per configured kind. A sandbox that
// cannot be created falls back to running commands on the host.
func buildBackends(wc config.WorkerConfig, homeDir string, logger *slog.Logger) (*workerBackends, error) {
	out := &workerBackends{Set: backend.NewSet()}
	for _, raw := range wc.Kinds {
		kind, err := protocol.ParseWorkKind(raw)
		if err != nil {
			return nil, err
		}
		switch kind {
		case protocol.KindShellExec:
			workDir := strings.TrimSpace(wc.Shell.WorkDir)
			if workDir == "" {
				workDir = filepath.Join(homeDir, "workspace")
			}
			if err := os.MkdirAll(workDir, 0o755); err != nil {
				return nil, fmt.Errorf("create work dir: %w", err)
			}
			var executor backend.Executor = backend.HostExecutor{}
			if wc.Shell.Sandbox {
				sb, err := backend.NewDockerSandbox(wc.Shell.SandboxImage, wc.Shell.SandboxMemory, wc.Shell.SandboxNetwork, workDir)
				if err != nil {
					logger.Warn("failed to init docker sandbox, falling back to host", "error", err)
				} else {
					executor = sb
					out.closers = append(out.closers, sb.Close)
					logger.Info("shell sandbox enabled", "image", wc.Shell.SandboxImage)
				}
			}
			out.Set.Register(kind, backend.NewShell(executor, workDir))
		case protocol.KindConnectorAction:
			list := make([]backend.Connector, 0, len(wc.Connectors))
			for _, c := range wc.Connectors {
				list = append(list, backend.Connector{ID: c.ID, URL: c.URL, Method: c.Method, Headers: c.Headers})
			}
			conns := backend.NewConnectors(list, nil)
			out.ConnectorIDs = conns.IDs()
			out.Set.Register(kind, conns)
		case protocol.KindAgentRun:
			agent := backend.Echo{}
			out.Agent = agent
			out.Set.Register(kind, backend.AgentRun{Agent: agent})
		}
	}
	return out, nil
}
