package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

func shellJob(t *testing.T, in ShellInput, secrets map[string]string) Job {
	t.Helper()
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Job{RequestID: "r:n:1", Kind: protocol.KindShellExec, Payload: raw, Secrets: secrets}
}

func decodeShell(t *testing.T, raw json.RawMessage) ShellOutput {
	t.Helper()
	var out ShellOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return out
}

func TestShell_RunsAndEmits(t *testing.T) {
	var events []protocol.ExecuteEvent
	raw, err := NewShell(nil, t.TempDir()).Execute(context.Background(),
		shellJob(t, ShellInput{Command: "echo hello"}, nil),
		func(ev protocol.ExecuteEvent) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decodeShell(t, raw)
	if strings.TrimSpace(out.Stdout) != "hello" || out.ExitCode != 0 {
		t.Fatalf("output = %+v", out)
	}
	if len(events) != 2 || events[0].Type != "shell.started" || events[1].Type != "shell.exited" {
		t.Fatalf("events = %+v", events)
	}
}

func TestShell_NonZeroExitIsFailureWithOutput(t *testing.T) {
	raw, err := NewShell(nil, "").Execute(context.Background(),
		shellJob(t, ShellInput{Command: "echo oops >&2 && exit 3"}, nil), func(protocol.ExecuteEvent) {})
	if err == nil {
		t.Fatal("expected error for exit 3")
	}
	out := decodeShell(t, raw)
	if out.ExitCode != 3 || strings.TrimSpace(out.Stderr) != "oops" {
		t.Fatalf("output = %+v", out)
	}
}

func TestShell_DenyList(t *testing.T) {
	for _, cmd := range []string{"sudo ls", "ls | sudo tee x", "true; reboot", ""} {
		_, err := NewShell(nil, "").Execute(context.Background(), shellJob(t, ShellInput{Command: cmd}, nil), func(protocol.ExecuteEvent) {})
		if err == nil {
			t.Errorf("command %q: expected rejection", cmd)
		}
	}
}

func TestShell_SecretsExportedAndRedacted(t *testing.T) {
	raw, err := NewShell(nil, "").Execute(context.Background(),
		shellJob(t, ShellInput{Command: "echo $DEPLOY_KEY"}, map[string]string{"DEPLOY_KEY": "hunter22"}),
		func(protocol.ExecuteEvent) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decodeShell(t, raw)
	if strings.Contains(out.Stdout, "hunter22") || !strings.Contains(out.Stdout, "[REDACTED]") {
		t.Fatalf("stdout = %q, want secret redacted", out.Stdout)
	}
}

func TestShell_ContextCancelStopsCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewShell(nil, "").Execute(ctx, shellJob(t, ShellInput{Command: "sleep 5"}, nil), func(protocol.ExecuteEvent) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
}

type fakeExecutor struct {
	gotCmd string
	gotEnv []string
}

func (f *fakeExecutor) Exec(_ context.Context, cmd, _ string, env []string) (string, string, int, error) {
	f.gotCmd, f.gotEnv = cmd, env
	return "sandboxed\n", "", 0, nil
}

func TestShell_UsesInjectedExecutor(t *testing.T) {
	fake := &fakeExecutor{}
	_, err := NewShell(fake, "").Execute(context.Background(),
		shellJob(t, ShellInput{Command: "uname", Env: map[string]string{"A": "1"}}, nil), func(protocol.ExecuteEvent) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fake.gotCmd != "uname" || len(fake.gotEnv) != 1 || fake.gotEnv[0] != "A=1" {
		t.Fatalf("executor saw cmd=%q env=%v", fake.gotCmd, fake.gotEnv)
	}
}

func TestConnectors_ForwardsWithSecretHeader(t *testing.T) {
	var gotAuth, gotBody, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewConnectors([]Connector{{ID: "crm", URL: srv.URL, Headers: map[string]string{"Authorization": "secret:CRM_TOKEN"}}}, srv.Client())
	raw, err := c.Execute(context.Background(), Job{
		RequestID:   "r:n:1",
		Kind:        protocol.KindConnectorAction,
		ConnectorID: "crm",
		Payload:     json.RawMessage(`{"op":"create"}`),
		Secrets:     map[string]string{"CRM_TOKEN": "Bearer abc"},
	}, func(protocol.ExecuteEvent) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAuth != "Bearer abc" || gotBody != `{"op":"create"}` || gotReqID != "r:n:1" {
		t.Fatalf("request auth=%q body=%q reqID=%q", gotAuth, gotBody, gotReqID)
	}
	var out ConnectorOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != 200 || string(out.Body) != `{"ok":true}` {
		t.Fatalf("output = %+v", out)
	}
}

func TestConnectors_ErrorStatusAndUnknownID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewConnectors([]Connector{{ID: "crm", URL: srv.URL}}, srv.Client())

	raw, err := c.Execute(context.Background(), Job{ConnectorID: "crm", Payload: json.RawMessage(`{}`)}, func(protocol.ExecuteEvent) {})
	if err == nil || raw == nil {
		t.Fatalf("err = %v, raw = %s; want failure with output", err, raw)
	}
	if _, err := c.Execute(context.Background(), Job{ConnectorID: "missing"}, func(protocol.ExecuteEvent) {}); err == nil {
		t.Fatal("expected error for unknown connector")
	}
}

func TestSet_RoutesByKind(t *testing.T) {
	set := NewSet()
	set.Register(protocol.KindAgentRun, AgentRun{Agent: Echo{}})
	if kinds := set.Kinds(); len(kinds) != 1 || kinds[0] != protocol.KindAgentRun {
		t.Fatalf("Kinds = %v", kinds)
	}

	var deltas []string
	raw, err := set.Execute(context.Background(), Job{Kind: protocol.KindAgentRun, Payload: json.RawMessage(`{"input":"a b c"}`)},
		func(ev protocol.ExecuteEvent) {
			var d protocol.TurnDelta
			_ = json.Unmarshal(ev.Data, &d)
			deltas = append(deltas, d.Text)
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(raw) != `"a b c"` || strings.Join(deltas, "") != "a b c" {
		t.Fatalf("output = %s deltas = %q", raw, deltas)
	}

	if _, err := set.Execute(context.Background(), Job{Kind: protocol.KindShellExec}, nil); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestEcho_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Echo{Delay: time.Second}).Turn(ctx, "s1", "one two", func(string) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDockerSandbox_Config(t *testing.T) {
	sandbox, err := NewDockerSandbox("alpine", 128, "", "")
	if err != nil {
		t.Skip("docker client init failed:", err)
	}
	defer sandbox.Close()
	if sandbox.image != "alpine" || sandbox.memoryBytes != 128*1024*1024 || sandbox.networkMode != "none" {
		t.Fatalf("sandbox = image %q memory %d network %q", sandbox.image, sandbox.memoryBytes, sandbox.networkMode)
	}
}
