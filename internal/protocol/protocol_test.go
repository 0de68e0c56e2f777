package protocol

import (
	"errors"
	"testing"
)

func TestParse_RejectsFramesWithoutType(t *testing.T) {
	if _, err := Parse([]byte(`{"requestId":"r:n:1"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
	if _, err := Parse([]byte(`not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestNewMessage_DecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeExecute, "run:node:1", Execute{Kind: KindShellExec, DeadlineMs: 1000})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	var got Execute
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindShellExec || got.DeadlineMs != 1000 {
		t.Fatalf("decoded = %+v", got)
	}

	bad := Message{Type: TypeExecute, Payload: []byte(`{"kind":7}`)}
	if err := bad.Decode(&got); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestParseWorkKind(t *testing.T) {
	if k, err := ParseWorkKind(" agent.run "); err != nil || k != KindAgentRun {
		t.Fatalf("ParseWorkKind = %q, %v", k, err)
	}
	if _, err := ParseWorkKind("agent.*"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLabelsMatches_ExactMembershipOnly(t *testing.T) {
	labels := Labels{Tags: []string{"gpu", "linux"}, Groups: []string{"build"}, Pool: "east"}
	tests := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"empty selector", Selector{}, true},
		{"tag member", Selector{Tag: "gpu"}, true},
		{"tag prefix is not membership", Selector{Tag: "gp"}, false},
		{"wildcard is literal", Selector{Tag: "*"}, false},
		{"group member", Selector{Group: "build"}, true},
		{"pool equal", Selector{Pool: "east"}, true},
		{"pool differs", Selector{Pool: "west"}, false},
		{"all fields", Selector{Tag: "linux", Group: "build", Pool: "east"}, true},
	}
	for _, tt := range tests {
		if got := labels.Matches(tt.sel); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFromExecuteResult_FailureCarriesCode(t *testing.T) {
	entry := FromExecuteResult("r:n:1", "w1", ExecuteResult{Status: StatusFailed, Error: "exit 2"})
	if entry.Code() != ErrWorkerExecutionFailed {
		t.Fatalf("code = %q, want %q", entry.Code(), ErrWorkerExecutionFailed)
	}
	if entry.Synthetic {
		t.Fatal("worker-reported failure must not be synthetic")
	}
	if ErrGatewayShutdown.Cacheable() || ErrNoWorkerAvailable.Cacheable() {
		t.Fatal("shutdown and capacity failures must not be cached")
	}
	if !ErrExecutionTimeout.Cacheable() {
		t.Fatal("timeouts must be cached")
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestID("run-1", "node-a", 3); got != "run-1:node-a:3" {
		t.Fatalf("RequestID = %q", got)
	}
	if got := OrgRequestID("acme", "run-1:node-a:3"); got != "acme:run-1:node-a:3" {
		t.Fatalf("OrgRequestID = %q", got)
	}
}

func TestValidateOrgID(t *testing.T) {
	for org, ok := range map[string]bool{"acme": true, "acme-prod_2": true, "": false, "  ": false, "a:b": false, "a/b": false} {
		if err := ValidateOrgID(org); (err == nil) != ok {
			t.Fatalf("ValidateOrgID(%q) = %v, want ok=%v", org, err, ok)
		}
	}
}
