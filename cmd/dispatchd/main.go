package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: dispatchd [command]

COMMANDS:
  serve                       Run the gateway (default)
  status                      Show gateway health (/healthz)
  doctor [-json]              Diagnose the local setup
  top [-json] [-interval 1s]  Live fleet dashboard; JSON snapshot without a terminal
  worker-token <action>       Manage worker credentials
                              Actions: create, revoke, list

ENVIRONMENT VARIABLES:
  GODISPATCH_HOME             Data directory (default: ~/.godispatch)
  GODISPATCH_SERVICE_TOKEN    Extra service token; top presents it to the gateway

EXAMPLES:
  Run the gateway:            dispatchd serve
  Issue a credential:         dispatchd worker-token create -org acme -worker w1 -tag gpu
  Watch the fleet:            dispatchd top
`)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	case "serve":
		os.Exit(runServe(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout))
	case "top":
		os.Exit(runTopCommand(ctx, args, os.Stdout))
	case "worker-token":
		os.Exit(runWorkerTokenCommand(ctx, args, os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message, "dispatchd")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"dispatchd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
