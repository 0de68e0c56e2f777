package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	if result := Redact(input); result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	if result := Redact(input); result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_WorkerCredential(t *testing.T) {
	input := "worker connected with gdw_0123456789abcdef0123456789abcdef"
	result := Redact(input)
	if strings.Contains(result, "gdw_0123") {
		t.Fatalf("expected credential redacted, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "dispatch r:n:1 routed to w1"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
	if Redact("") != "" {
		t.Fatal("expected empty")
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"GODISPATCH_SERVICE_TOKEN", "[REDACTED]"},
		{"DB_PASSWORD", "[REDACTED]"},
		{"GODISPATCH_BIND_ADDR", "value"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, "value"); got != tc.want {
			t.Fatalf("RedactEnvValue(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestRedactSecrets_HidesValues(t *testing.T) {
	out := RedactSecrets(map[string]string{"GITHUB_TOKEN": "ghp_x"})
	if out["GITHUB_TOKEN"] != "[REDACTED]" {
		t.Fatalf("secrets = %v", out)
	}
	if RedactSecrets(nil) != nil {
		t.Fatal("nil map should stay nil")
	}
}
