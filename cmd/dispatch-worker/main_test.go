package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/basket/go-dispatch/internal/backend"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/protocol"
)

func TestBuildBackends_RegistersConfiguredKinds(t *testing.T) {
	home := t.TempDir()
	wc := config.WorkerConfig{
		Kinds: []string{"shell.exec", "connector.action", "agent.run"},
		Connectors: []config.ConnectorConfig{
			{ID: "crm", URL: "http://127.0.0.1:1/crm"},
		},
	}
	b, err := buildBackends(wc, home, slog.Default())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	defer b.Close()

	want := []protocol.WorkKind{protocol.KindShellExec, protocol.KindConnectorAction, protocol.KindAgentRun}
	if got := b.Set.Kinds(); !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if !slices.Equal(b.ConnectorIDs, []string{"crm"}) {
		t.Fatalf("connector ids = %v", b.ConnectorIDs)
	}
	if b.Agent == nil {
		t.Fatal("agent.run configured but no session agent")
	}
	if _, err := os.Stat(filepath.Join(home, "workspace")); err != nil {
		t.Fatalf("default work dir not created: %v", err)
	}

	out, err := b.Set.Execute(context.Background(), backend.Job{
		RequestID: "r1",
		Kind:      protocol.KindShellExec,
		Payload:   json.RawMessage(`{"command":"echo hi"}`),
	}, nil)
	if err != nil {
		t.Fatalf("shell execute: %v", err)
	}
	var res backend.ShellOutput
	if err := json.Unmarshal(out, &res); err != nil || res.Stdout != "hi\n" {
		t.Fatalf("shell output = %s (%v)", out, err)
	}
}

func TestBuildBackends_ShellOnlyHasNoAgent(t *testing.T) {
	b, err := buildBackends(config.WorkerConfig{Kinds: []string{"shell.exec"}, Shell: config.ShellConfig{WorkDir: t.TempDir()}}, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	defer b.Close()
	if b.Agent != nil || len(b.ConnectorIDs) != 0 {
		t.Fatalf("agent = %v, connectors = %v", b.Agent, b.ConnectorIDs)
	}
}

func TestBuildBackends_RejectsUnknownKind(t *testing.T) {
	if _, err := buildBackends(config.WorkerConfig{Kinds: []string{"gpu.train"}}, t.TempDir(), slog.Default()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
