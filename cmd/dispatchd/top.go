package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/tui"
	"github.com/mattn/go-isatty"
)

// isTerminal is swapped in tests.
var isTerminal = func() bool { return isatty.IsTerminal(os.Stdout.Fd()) }

func runTopCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("top", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print one fleet snapshot as JSON and exit")
	interval := fs.Duration("interval", time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd top [-json] [-interval 1s]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := tui.FleetClient{BaseURL: gatewayBaseURL(cfg.BindAddr), Token: serviceToken(cfg)}

	if *asJSON || !isTerminal() {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		view, err := client.Fetch(fetchCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "top: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			fmt.Fprintf(os.Stderr, "top: %v\n", err)
			return 1
		}
		return 0
	}

	if err := tui.Run(ctx, client.Provider(ctx), *interval); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "top: %v\n", err)
		return 1
	}
	return 0
}
