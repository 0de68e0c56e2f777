package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/protocol"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("empty value")
	}
	*m = append(*m, v)
	return nil
}

func printWorkerTokenUsage(w io.Writer) {
	fmt.Fprint(w, `usage:
  dispatchd worker-token create -org ORG -worker ID [-tag T]... [-group G]... [-pool P]
  dispatchd worker-token revoke -org ORG -worker ID
  dispatchd worker-token list [-org ORG] [-json]
`)
}

func runWorkerTokenCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		printWorkerTokenUsage(os.Stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	switch args[0] {
	case "create":
		return workerTokenCreate(ctx, store, args[1:], out)
	case "revoke":
		return workerTokenRevoke(ctx, store, args[1:], out)
	case "list":
		return workerTokenList(ctx, store, args[1:], out)
	default:
		fmt.Fprintf(os.Stderr, "unknown worker-token action %q\n", args[0])
		printWorkerTokenUsage(os.Stderr)
		return 2
	}
}

func workerTokenCreate(ctx context.Context, store *persistence.Store, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("worker-token create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	org := fs.String("org", "", "organization id")
	worker := fs.String("worker", "", "worker id")
	pool := fs.String("pool", "", "granted pool")
	var tags, groups multiFlag
	fs.Var(&tags, "tag", "granted tag (repeatable)")
	fs.Var(&groups, "group", "granted group (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*org) == "" || strings.TrimSpace(*worker) == "" {
		fmt.Fprintln(os.Stderr, "worker-token create: -org and -worker are required")
		return 2
	}
	if err := protocol.ValidateOrgID(*org); err != nil {
		fmt.Fprintf(os.Stderr, "worker-token create: %v\n", err)
		return 2
	}
	labels := protocol.Labels{Tags: tags, Groups: groups, Pool: strings.TrimSpace(*pool)}
	token, err := store.IssueWorkerCredential(ctx, *org, *worker, labels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker-token create: %v\n", err)
		return 1
	}
	audit.Record(audit.DecisionAllow, "worker.credential.issue", "admin cli", *org+"/"+*worker)
	fmt.Fprintln(out, token)
	fmt.Fprintf(os.Stderr, "credential issued for %s/%s; the token is shown once and stored only as a hash\n", *org, *worker)
	return 0
}

func workerTokenRevoke(ctx context.Context, store *persistence.Store, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("worker-token revoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	org := fs.String("org", "", "organization id")
	worker := fs.String("worker", "", "worker id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *org == "" || *worker == "" {
		fmt.Fprintln(os.Stderr, "worker-token revoke: -org and -worker are required")
		return 2
	}
	ok, err := store.RevokeWorker(ctx, *org, *worker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker-token revoke: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "worker-token revoke: no credential for %s/%s\n", *org, *worker)
		return 1
	}
	audit.Record(audit.DecisionAllow, "worker.credential.revoke", "admin cli", *org+"/"+*worker)
	fmt.Fprintf(out, "revoked %s/%s\n", *org, *worker)
	return 0
}

func workerTokenList(ctx context.Context, store *persistence.Store, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("worker-token list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	org := fs.String("org", "", "only this organization")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	recs, err := store.ListWorkerRecords(ctx, *org)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker-token list: %v\n", err)
		return 1
	}
	if *asJSON {
		if recs == nil {
			recs = []protocol.WorkerRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(recs)
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORG\tWORKER\tTAGS\tGROUPS\tPOOL\tREVOKED\tLAST SEEN")
	for _, r := range recs {
		seen := "-"
		if !r.LastSeenAt.IsZero() {
			seen = r.LastSeenAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", r.OrgID, r.WorkerID,
			strings.Join(r.Labels.Tags, ","), strings.Join(r.Labels.Groups, ","), r.Labels.Pool, r.Revoked, seen)
	}
	_ = tw.Flush()
	return 0
}
