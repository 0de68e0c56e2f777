package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "usage: dispatchd doctor [-json]\n")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report shows what is broken.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "go-dispatch doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(out, "[%s] %-14s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "       %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
